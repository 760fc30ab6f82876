/*
grace.go - Grace period extension over closed days

PURPOSE:
  A patron should not lose grace time to days the library is shut. When
  circ.grace.extend is set, a grace period of one day or more is lengthened
  by one day for every closed day found while walking forward from the end
  of the grace period.

RULES:
  1. Grace under one day, extension disabled, no hours of operation or an
     org closed all week: the period comes back unchanged.
  2. The walk starts at due + grace. circ.grace.extend.into_closed moves the
     start one day later. circ.grace.extend.all starts one day after the due
     date instead, so every closed day inside the grace period counts too.
  3. A closed weekday or a day inside a closed-date range adds one day.
  4. The walk stops at the first open day past due + extended grace, and
     never runs longer than a year.

EXAMPLE:
  due Thursday 17:00, grace 2 days, closed Saturday and Sunday
  walk starts Saturday 17:00 -> +1 day, Sunday -> +1 day, Monday open
  extended grace = 4 days

SEE ALSO:
  - fines.go: the first fine waits for the extended grace period
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/circ-billing/date"
	"github.com/warp/circ-billing/observability"
)

// maxGraceScanDays bounds the closed-day scan to one year.
const maxGraceScanDays = 366

// ExtendGracePeriod lengthens a grace period (in seconds) so that it does
// not end on a day the org is closed. Grace periods shorter than one day,
// orgs without circ.grace.extend, orgs without hours of operation and orgs
// that are never open get the period back unchanged. hours may be nil, in
// which case they are loaded from the store.
//
// The result is never smaller than gracePeriod.
func (l *Ledger) ExtendGracePeriod(ctx context.Context, contextOrg, gracePeriod int64, dueDate time.Time, hours *HoursOfOperation) (int64, error) {
	o := l.newOp(ctx)
	extended, err := o.extendGracePeriod(ctx, contextOrg, gracePeriod, dueDate, hours)
	if err != nil {
		return gracePeriod, err
	}
	o.publish()
	return extended, nil
}

func (o *op) extendGracePeriod(ctx context.Context, contextOrg, gracePeriod int64, dueDate time.Time, hours *HoursOfOperation) (int64, error) {
	if gracePeriod < date.SecondsPerDay {
		return gracePeriod, nil
	}

	extend, err := o.settings.boolAt(ctx, SettingGraceExtend, contextOrg)
	if err != nil {
		return gracePeriod, err
	}
	if !extend {
		return gracePeriod, nil
	}

	if hours == nil {
		h, err := o.st.GetHoursOfOperation(ctx, contextOrg)
		if errors.Is(err, ErrNotFound) {
			return gracePeriod, nil
		}
		if err != nil {
			return gracePeriod, fmt.Errorf("failed to load hours for org %d: %w", contextOrg, err)
		}
		hours = &h
	}

	closedDays := hours.ClosedWeekdays()
	if len(closedDays) == 7 {
		return gracePeriod, nil
	}

	origDue := dueDate.Unix()
	scan := dueDate

	intoClosed, err := o.settings.boolAt(ctx, SettingGraceExtendIntoClosed, contextOrg)
	if err != nil {
		return gracePeriod, err
	}
	if intoClosed {
		scan = date.AddSeconds(scan, date.SecondsPerDay)
	}

	all, err := o.settings.boolAt(ctx, SettingGraceExtendAll, contextOrg)
	if err != nil {
		return gracePeriod, err
	}
	if all {
		scan = date.AddSeconds(scan, date.SecondsPerDay)
	} else {
		scan = date.AddSeconds(scan, gracePeriod)
	}

	extended := gracePeriod
	for i := 0; i < maxGraceScanDays; i++ {
		closed := false

		if closedDays[scan.Weekday()] {
			closed = true
			extended += date.SecondsPerDay
			scan = date.AddSeconds(scan, date.SecondsPerDay)
		} else {
			closures, err := o.st.FindClosedDates(ctx, contextOrg, scan)
			if err != nil {
				return gracePeriod, fmt.Errorf("failed to load closed dates for org %d: %w", contextOrg, err)
			}
			if len(closures) > 0 {
				closed = true
				for _, c := range closures {
					if !scan.After(c.CloseEnd) {
						extended += date.SecondsPerDay
						scan = date.AddSeconds(scan, date.SecondsPerDay)
					}
				}
			} else {
				scan = date.AddSeconds(scan, date.SecondsPerDay)
			}
		}

		if !closed && scan.Unix() > origDue+extended {
			break
		}
	}

	if extended > gracePeriod {
		o.l.logger.Info("grace period extended",
			"org_id", contextOrg,
			"grace_seconds", extended,
			"until", date.ToISO8601(scan))
		o.after(observability.GracePeriodsExtended.Inc)
		return extended, nil
	}
	return gracePeriod, nil
}
