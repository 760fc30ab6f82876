/*
fines.go - Recurring overdue fine generation

PURPOSE:
  An overdue circulation accrues one fine per fine interval. Fine generation
  is incremental: each call bills only the periods that elapsed since the
  most recent fine (or since the due date when there is none), so it can run
  as often as the scheduler likes.

RULES:
  1. Zero fine interval, zero rate or zero max fine: nothing to do.
  2. Baseline is the newest fine billed after the due date, or the due date
     itself. Fines from before a due-date change are ignored.
  3. The newest fine may end up to one interval after now. A baseline any
     further ahead is a data problem; the call logs and stops.
  4. With no fines yet, nothing is billed until the (possibly extended)
     grace period has passed.
  5. pending = ceil((now - baseline) / interval), the current partial
     period included.
  6. Period i ends at baseline + i*interval. Periods ending on a closed day
     are not billed unless circ.fines.charge_when_closed is set.
  7. The running total never exceeds max_fine. With
     circ.fines.truncate_to_max_fine the last fine is cut down to land on
     max_fine exactly; without it generation stops. Either way the
     circulation is then marked MAXFINES.

EXAMPLE:
  due 10:00, interval "1 hour", rate $0.25, max $1.00, now 13:30
  pending = ceil(3.5h / 1h) = 4
  fines at 11:00, 12:00, 13:00, 14:00 -> total $1.00 -> MAXFINES

SEE ALSO:
  - grace.go: Grace period extension applied to the first fine
  - api/scheduler.go: Periodic fine generation
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

// OverdueFineNote is the note on every generated fine.
const OverdueFineNote = "System Generated Overdue Fine"

// =============================================================================
// REQUEST & RESULT
// =============================================================================

// FineRequest carries the circulation fields that drive fine generation.
type FineRequest struct {
	XactID        int64
	DueDate       time.Time
	TargetCopy    int64
	CircLib       int64
	RecurringFine Money
	FineInterval  string
	MaxFine       Money

	// GracePeriod defaults to "0s" when nil.
	GracePeriod *string
}

// FineRequestForCirc builds a FineRequest from a circulation.
func FineRequestForCirc(c Circulation) FineRequest {
	return FineRequest{
		XactID:        c.ID,
		DueDate:       c.DueDate,
		TargetCopy:    c.TargetCopy,
		CircLib:       c.CircLib,
		RecurringFine: c.RecurringFine,
		FineInterval:  c.FineInterval,
		MaxFine:       c.MaxFine,
		GracePeriod:   c.GracePeriod,
	}
}

// FineOutcome says how a fine generation call ended.
type FineOutcome string

const (
	OutcomeSkipped        FineOutcome = "skipped"
	OutcomeStopped        FineOutcome = "stopped"
	OutcomeFutureBaseline FineOutcome = "future_baseline"
	OutcomeInGrace        FineOutcome = "in_grace"
	OutcomeNothingPending FineOutcome = "nothing_pending"
	OutcomeGenerated      FineOutcome = "generated"
)

// FineResult reports what one call did.
type FineResult struct {
	XactID       int64
	Outcome      FineOutcome
	PendingCount int64
	Created      []Billing

	// FineTotal is the net fine total after the call.
	FineTotal Money

	// GracePeriod is the effective grace period in seconds.
	GracePeriod int64

	// MaxFinesReached is set when the call marked the circulation MAXFINES.
	MaxFinesReached bool
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// GenerateFinesForCirc loads a circulation and generates its pending fines.
// Circulations with a stop-fines marker are left alone.
func (l *Ledger) GenerateFinesForCirc(ctx context.Context, circID int64) (FineResult, error) {
	var res FineResult
	err := l.run(ctx, func(o *op) error {
		circ, err := o.st.GetCirculation(ctx, circID)
		if err != nil {
			return fmt.Errorf("failed to load circulation %d: %w", circID, err)
		}
		if circ.Finalized() {
			res = FineResult{XactID: circID, Outcome: OutcomeStopped}
			return nil
		}
		if circ.DueDate.IsZero() {
			return &MissingFieldError{Record: "circulation", ID: circID, Field: "due_date"}
		}
		if circ.FineInterval == "" {
			return &MissingFieldError{Record: "circulation", ID: circID, Field: "fine_interval"}
		}
		res, err = o.generateFinesForXact(ctx, FineRequestForCirc(circ))
		return err
	})
	if err != nil {
		return FineResult{XactID: circID}, err
	}
	observability.FineRuns.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// GenerateFinesForXact bills the overdue fines that have accrued on a
// transaction since its last fine.
func (l *Ledger) GenerateFinesForXact(ctx context.Context, req FineRequest) (FineResult, error) {
	var res FineResult
	err := l.run(ctx, func(o *op) error {
		var err error
		res, err = o.generateFinesForXact(ctx, req)
		return err
	})
	if err != nil {
		return FineResult{XactID: req.XactID}, err
	}
	observability.FineRuns.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// =============================================================================
// GENERATION
// =============================================================================

func (o *op) generateFinesForXact(ctx context.Context, req FineRequest) (FineResult, error) {
	res := FineResult{XactID: req.XactID}
	log := o.l.logger.With("xact_id", req.XactID, "target_copy", req.TargetCopy)

	interval, err := date.IntervalToSeconds(req.FineInterval)
	if err != nil {
		return res, err
	}
	graceText := "0s"
	if req.GracePeriod != nil {
		graceText = *req.GracePeriod
	}
	grace, err := date.IntervalToSeconds(graceText)
	if err != nil {
		return res, err
	}
	res.GracePeriod = grace

	if interval <= 0 || !req.RecurringFine.IsPositive() || !req.MaxFine.IsPositive() {
		log.Info("fine generator skipping transaction: zero fine interval, rate or max fine")
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	fines, err := o.st.FindBillings(ctx, BillingQuery{
		XactID:           req.XactID,
		BillingTypeID:    BtypeOverdueMaterials,
		Order:            OrderDesc,
		FleshAdjustments: true,
	})
	if err != nil {
		return res, fmt.Errorf("failed to load fines for xact %d: %w", req.XactID, err)
	}

	total := netFineTotal(fines)
	res.FineTotal = total
	log.Info("current fine total", "total", total.String())

	// Fines billed before a due-date change must not move the baseline back.
	var latest *Billing
	for i := range fines {
		if fines[i].BillingTS.After(req.DueDate) {
			latest = &fines[i]
			break
		}
	}

	baseline := req.DueDate
	if latest != nil {
		baseline = latest.BillingTS
	} else {
		grace, err = o.extendGracePeriod(ctx, req.CircLib, grace, req.DueDate, nil)
		if err != nil {
			return res, err
		}
		res.GracePeriod = grace
	}

	// The newest fine is stamped with the end of its period, so it may lie
	// up to one interval ahead of now. That period is already billed.
	if latest != nil && baseline.After(o.now) && !baseline.After(date.AddSeconds(o.now, interval)) {
		res.Outcome = OutcomeNothingPending
		return res, nil
	}

	if baseline.After(o.now) {
		log.Warn("transaction has a future last fine date", "baseline", date.ToISO8601(baseline))
		res.Outcome = OutcomeFutureBaseline
		return res, nil
	}

	if latest == nil && grace > 0 && o.now.Unix() < req.DueDate.Unix()+grace {
		log.Info("still within grace period", "grace_seconds", grace)
		res.Outcome = OutcomeInGrace
		return res, nil
	}

	elapsed := o.now.Unix() - baseline.Unix()
	pending := ceilDiv(elapsed, interval)
	res.PendingCount = pending
	if pending == 0 {
		res.Outcome = OutcomeNothingPending
		return res, nil
	}

	chargeWhenClosed, err := o.settings.boolAt(ctx, SettingChargeWhenClosed, req.CircLib)
	if err != nil {
		return res, err
	}
	truncate, err := o.settings.boolAt(ctx, SettingTruncateToMaxFine, req.CircLib)
	if err != nil {
		return res, err
	}
	tz, ok, err := o.settings.stringAt(ctx, SettingTimezone, req.CircLib)
	if err != nil {
		return res, err
	}
	if !ok {
		tz = date.LocalTimezone
	}
	loc, err := date.LoadTimezone(tz)
	if err != nil {
		return res, err
	}

	var closed map[time.Weekday]bool
	if !chargeWhenClosed {
		hours, err := o.st.GetHoursOfOperation(ctx, req.CircLib)
		switch {
		case err == nil:
			closed = hours.ClosedWeekdays()
		case !errors.Is(err, ErrNotFound):
			return res, fmt.Errorf("failed to load hours for org %d: %w", req.CircLib, err)
		}
	}

	maxed := false
	for i := int64(1); i <= pending; i++ {
		if total >= req.MaxFine {
			maxed = true
			break
		}

		billingTS := date.AddSeconds(baseline, i*interval).In(loc)

		if !chargeWhenClosed {
			isClosed, err := o.closedAt(ctx, req.CircLib, billingTS, closed)
			if err != nil {
				return res, err
			}
			if isClosed {
				continue
			}
		}

		amount := req.RecurringFine
		if total+amount > req.MaxFine {
			if !truncate {
				maxed = true
				break
			}
			amount = req.MaxFine - total
		}

		periodStart := date.AddSeconds(billingTS, -(interval - 1))
		periodEnd := billingTS
		bill, err := o.createBill(ctx, NewBill{
			Amount:        amount,
			BillingTypeID: BtypeOverdueMaterials,
			BillingType:   BillingTypeLabels[BtypeOverdueMaterials],
			XactID:        req.XactID,
			Note:          OverdueFineNote,
			PeriodStart:   &periodStart,
			PeriodEnd:     &periodEnd,
		}, billingTS)
		if err != nil {
			return res, err
		}
		total += amount
		res.Created = append(res.Created, bill)

		cents := float64(amount.Cents())
		o.after(func() {
			observability.FinesCreated.Inc()
			observability.FineCents.Add(cents)
		})
	}
	if !maxed && total >= req.MaxFine {
		maxed = true
	}
	res.FineTotal = total
	res.Outcome = OutcomeGenerated

	if maxed {
		if err := o.stopFinesAtMax(ctx, req.XactID); err != nil {
			return res, err
		}
		res.MaxFinesReached = true
	}

	if len(res.Created) > 0 {
		xact, err := o.st.GetTransaction(ctx, req.XactID)
		if err != nil {
			return res, fmt.Errorf("failed to load xact %d: %w", req.XactID, err)
		}
		o.touch(xact.UserID, req.CircLib)
	}

	if err := o.checkOpenXact(ctx, req.XactID); err != nil {
		return res, err
	}
	return res, nil
}

// closedAt reports whether the org is closed at t, by weekly hours or by a
// closed-date range.
func (o *op) closedAt(ctx context.Context, orgID int64, t time.Time, closedDays map[time.Weekday]bool) (bool, error) {
	if closedDays[t.Weekday()] {
		return true, nil
	}
	closures, err := o.st.FindClosedDates(ctx, orgID, t)
	if err != nil {
		return false, fmt.Errorf("failed to load closed dates for org %d: %w", orgID, err)
	}
	return len(closures) > 0, nil
}

// stopFinesAtMax marks the circulation behind xactID as MAXFINES. Fines on
// transactions without a circulation simply stop.
func (o *op) stopFinesAtMax(ctx context.Context, xactID int64) error {
	circ, err := o.st.GetCirculation(ctx, xactID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load circulation %d: %w", xactID, err)
	}
	if circ.Finalized() {
		return nil
	}

	reason := StopFinesMaxFines
	stopTime := o.now
	circ.StopFines = &reason
	circ.StopFinesTime = &stopTime
	if err := o.st.UpdateCirculation(ctx, circ); err != nil {
		return fmt.Errorf("failed to stop fines on circulation %d: %w", xactID, err)
	}
	o.l.logger.Info("circulation reached max fine", "circ_id", xactID)
	return nil
}

// netFineTotal sums non-voided fines less their non-voided adjustments.
func netFineTotal(fines []Billing) Money {
	var total Money
	for _, f := range fines {
		if !f.Voided {
			total += f.Amount
		}
		for _, adj := range f.Adjustments {
			if !adj.Voided {
				total -= adj.Amount
			}
		}
	}
	return total
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
