package billing_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/billing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 10:00.
var fineDue = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC)
}

func (e *testEnv) overdue(due time.Time, rate, max, interval string, grace *string) billing.Circulation {
	return e.mem.AddCirculation(billing.Circulation{
		UserID:        patron,
		TargetCopy:    4242,
		CircLib:       branch,
		DueDate:       due,
		RecurringFine: usd(rate),
		FineInterval:  interval,
		MaxFine:       usd(max),
		GracePeriod:   grace,
	}, due.Add(-14*24*time.Hour))
}

func (e *testEnv) fines(t *testing.T, xactID int64) []billing.Billing {
	t.Helper()
	got, err := e.mem.FindBillings(context.Background(), billing.BillingQuery{
		XactID:        xactID,
		BillingTypeID: billing.BtypeOverdueMaterials,
		Order:         billing.OrderAsc,
	})
	require.NoError(t, err)
	return got
}

func (e *testEnv) circ(t *testing.T, id int64) billing.Circulation {
	t.Helper()
	c, err := e.mem.GetCirculation(context.Background(), id)
	require.NoError(t, err)
	return c
}

func closeOn(h *billing.HoursOfOperation, wd time.Weekday) {
	h.Days[billing.DayIndex(wd)] = billing.DayHours{Open: "00:00:00", Close: "00:00:00"}
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerateFines_OnePerElapsedInterval(t *testing.T) {
	// GIVEN: Due Monday 10:00, daily $0.25 fines, now Wednesday 15:00
	// WHEN: Generating fines
	// THEN: Three fines (Tue, Wed and the current Thu period), each stamped
	//       with its period end

	env := newTestEnv(t)
	*env.clock = at(12, 15)
	circ := env.overdue(fineDue, "0.25", "5.00", "1 day", nil)

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)

	assert.Equal(t, billing.OutcomeGenerated, res.Outcome)
	assert.Equal(t, int64(3), res.PendingCount)
	assert.Equal(t, usd("0.75"), res.FineTotal)
	assert.False(t, res.MaxFinesReached)

	fines := env.fines(t, circ.ID)
	require.Len(t, fines, 3)
	for i, f := range fines {
		end := at(11+i, 10)
		assert.Equal(t, usd("0.25"), f.Amount)
		assert.True(t, end.Equal(f.BillingTS), "fine %d billed at %s", i, f.BillingTS)
		require.NotNil(t, f.PeriodEnd)
		require.NotNil(t, f.PeriodStart)
		assert.True(t, end.Equal(*f.PeriodEnd))
		assert.True(t, end.Add(-(24*time.Hour - time.Second)).Equal(*f.PeriodStart))
		assert.Equal(t, billing.OverdueFineNote, f.Note)
		assert.Equal(t, "Overdue materials", f.BillingType)
	}

	assert.True(t, env.xact(t, circ.ID).IsOpen(), "open circulation keeps its xact open")
	assert.Equal(t, []penaltyCall{{userID: patron, orgID: branch}}, env.penalties.calls)
}

func TestGenerateFines_Incremental(t *testing.T) {
	// GIVEN: Fines already generated through the current period
	// WHEN: Generating again before that period ends, then after
	// THEN: Nothing the first time, one new fine the second

	env := newTestEnv(t)
	*env.clock = at(12, 15)
	circ := env.overdue(fineDue, "0.25", "5.00", "1 day", nil)

	_, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeNothingPending, res.Outcome)
	assert.Len(t, env.fines(t, circ.ID), 3)

	*env.clock = at(13, 11)
	res, err = env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeGenerated, res.Outcome)
	require.Len(t, res.Created, 1)
	assert.True(t, at(14, 10).Equal(res.Created[0].BillingTS))
	assert.Equal(t, usd("1.00"), res.FineTotal)
}

func TestGenerateFines_MaxFine(t *testing.T) {
	tests := []struct {
		name     string
		truncate bool
		want     []string
		total    string
	}{
		{name: "truncate final fine", truncate: true, want: []string{"2.00", "2.00", "1.00"}, total: "5.00"},
		{name: "stop before exceeding", truncate: false, want: []string{"2.00", "2.00"}, total: "4.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: $2 daily fines capped at $5, five periods pending
			env := newTestEnv(t)
			if tt.truncate {
				require.NoError(t, env.mem.SetSetting(branch, billing.SettingTruncateToMaxFine, true))
			}
			*env.clock = at(14, 12)
			circ := env.overdue(fineDue, "2.00", "5.00", "1 day", nil)

			// WHEN: Generating fines
			res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
			require.NoError(t, err)

			// THEN: The total never passes max_fine and the circ is MAXFINES
			fines := env.fines(t, circ.ID)
			require.Len(t, fines, len(tt.want))
			for i, f := range fines {
				assert.Equal(t, usd(tt.want[i]), f.Amount)
			}
			assert.Equal(t, usd(tt.total), res.FineTotal)
			assert.True(t, res.MaxFinesReached)

			c := env.circ(t, circ.ID)
			require.NotNil(t, c.StopFines)
			assert.Equal(t, billing.StopFinesMaxFines, *c.StopFines)
			require.NotNil(t, c.StopFinesTime)
			assert.True(t, at(14, 12).Equal(*c.StopFinesTime))

			// A stopped circulation is left alone afterwards.
			*env.clock = at(20, 12)
			res, err = env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeStopped, res.Outcome)
			assert.Len(t, env.fines(t, circ.ID), len(tt.want))
		})
	}
}

func TestGenerateFines_AdjustedFinesCountNet(t *testing.T) {
	// GIVEN: Two $0.25 fines, one adjusted away, max $0.50
	// WHEN: Generating two more periods
	// THEN: Only one fine fits under the max

	env := newTestEnv(t)
	*env.clock = at(13, 15)
	circ := env.overdue(fineDue, "0.25", "0.50", "1 day", nil)
	first := env.mem.AddBilling(billing.Billing{
		XactID: circ.ID, Amount: usd("0.25"), BillingTypeID: billing.BtypeOverdueMaterials, BillingTS: at(11, 10),
	})
	env.mem.AddBilling(billing.Billing{
		XactID: circ.ID, Amount: usd("0.25"), BillingTypeID: billing.BtypeOverdueMaterials, BillingTS: at(12, 10),
	})
	env.mem.AddAccountAdjustment(billing.AccountAdjustment{
		XactID: circ.ID, BillingID: first.ID, Amount: usd("0.25"), PaymentTS: at(11, 12),
	})

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.PendingCount)
	require.Len(t, res.Created, 1)
	assert.True(t, at(13, 10).Equal(res.Created[0].BillingTS))
	assert.Equal(t, usd("0.50"), res.FineTotal)
	assert.True(t, res.MaxFinesReached)
}

func TestGenerateFines_ClosedDays(t *testing.T) {
	tests := []struct {
		name             string
		chargeWhenClosed bool
		closure          bool
		want             []time.Time
	}{
		{name: "closed weekday skipped", want: []time.Time{at(12, 10), at(13, 10)}},
		{name: "charge when closed", chargeWhenClosed: true, want: []time.Time{at(11, 10), at(12, 10), at(13, 10)}},
		{name: "closed date skipped", closure: true, want: []time.Time{at(13, 10)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: The branch is closed on Tuesdays
			env := newTestEnv(t)
			hours := billing.AlwaysOpen(branch)
			closeOn(&hours, time.Tuesday)
			env.mem.SetHours(hours)
			if tt.chargeWhenClosed {
				require.NoError(t, env.mem.SetSetting(branch, billing.SettingChargeWhenClosed, true))
			}
			if tt.closure {
				env.mem.AddClosedDate(billing.ClosedDate{
					OrgID:      branch,
					CloseStart: at(12, 0),
					CloseEnd:   time.Date(2025, time.March, 12, 23, 59, 59, 0, time.UTC),
					Reason:     "Staff day",
				})
			}
			*env.clock = at(12, 15)
			circ := env.overdue(fineDue, "0.25", "5.00", "1 day", nil)

			// WHEN: Generating fines for Tue, Wed and Thu periods
			res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
			require.NoError(t, err)

			// THEN: Periods ending on a closed day are not billed
			assert.Equal(t, int64(3), res.PendingCount)
			fines := env.fines(t, circ.ID)
			require.Len(t, fines, len(tt.want))
			for i, f := range fines {
				assert.True(t, tt.want[i].Equal(f.BillingTS), "fine %d billed at %s", i, f.BillingTS)
			}
		})
	}
}

func TestGenerateFines_LibraryTimezone(t *testing.T) {
	// GIVEN: A New York branch closed on Mondays, due Sunday 23:00 local
	// WHEN: Generating two daily periods
	// THEN: The first period ends Monday 23:00 local (Tuesday in UTC) and
	//       is skipped

	env := newTestEnv(t)
	require.NoError(t, env.mem.SetSetting(branch, billing.SettingTimezone, "America/New_York"))
	hours := billing.AlwaysOpen(branch)
	closeOn(&hours, time.Monday)
	env.mem.SetHours(hours)

	due := at(10, 3)
	*env.clock = at(11, 4)
	circ := env.overdue(due, "0.10", "5.00", "1 day", nil)

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.PendingCount)
	require.Len(t, res.Created, 1)
	assert.True(t, at(12, 3).Equal(res.Created[0].BillingTS))
	assert.Equal(t, "America/New_York", res.Created[0].BillingTS.Location().String())
}

// =============================================================================
// EARLY EXITS
// =============================================================================

func TestGenerateFines_GracePeriod(t *testing.T) {
	// GIVEN: A 3 hour grace period
	// WHEN: Generating 2 hours after due, then 4 hours after due
	// THEN: Nothing inside grace, one fine after

	env := newTestEnv(t)
	grace := "3 hours"
	due := at(12, 10)
	*env.clock = at(12, 12)
	circ := env.overdue(due, "0.25", "5.00", "1 day", &grace)

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeInGrace, res.Outcome)
	assert.Equal(t, 3*int64(3600), res.GracePeriod)
	assert.Empty(t, env.fines(t, circ.ID))

	*env.clock = at(12, 14)
	res, err = env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeGenerated, res.Outcome)
	assert.Len(t, env.fines(t, circ.ID), 1)
}

func TestGenerateFines_Skipped(t *testing.T) {
	tests := []struct {
		name, rate, max, interval string
	}{
		{name: "zero rate", rate: "0.00", max: "5.00", interval: "1 day"},
		{name: "zero max", rate: "0.25", max: "0.00", interval: "1 day"},
		{name: "zero interval", rate: "0.25", max: "5.00", interval: "0 days"},
		{name: "sub-cent rate", rate: "0.004", max: "5.00", interval: "1 day"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			*env.clock = at(12, 15)
			circ := env.overdue(fineDue, tt.rate, tt.max, tt.interval, nil)

			res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeSkipped, res.Outcome)
			assert.Empty(t, env.fines(t, circ.ID))
		})
	}
}

func TestGenerateFines_FutureBaseline(t *testing.T) {
	env := newTestEnv(t)
	*env.clock = at(12, 15)
	circ := env.overdue(at(20, 10), "0.25", "5.00", "1 day", nil)

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)

	require.NoError(t, err, "a future baseline is logged, not returned")
	assert.Equal(t, billing.OutcomeFutureBaseline, res.Outcome)
	assert.Empty(t, env.fines(t, circ.ID))
}

func TestGenerateFines_IgnoresFinesBeforeDueDateChange(t *testing.T) {
	// GIVEN: A fine billed Tuesday, then the due date moved to Wednesday 09:00
	// WHEN: Generating fines Wednesday 15:00
	// THEN: The baseline is the new due date, not the old fine

	env := newTestEnv(t)
	*env.clock = at(12, 15)
	circ := env.overdue(at(12, 9), "0.25", "5.00", "1 day", nil)
	env.mem.AddBilling(billing.Billing{
		XactID: circ.ID, Amount: usd("0.25"), BillingTypeID: billing.BtypeOverdueMaterials, BillingTS: at(11, 10),
	})

	res, err := env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	require.NoError(t, err)

	require.Len(t, res.Created, 1)
	assert.True(t, at(13, 9).Equal(res.Created[0].BillingTS))
	assert.Equal(t, usd("0.50"), res.FineTotal)
}

func TestGenerateFines_Errors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ledger.GenerateFinesForCirc(context.Background(), 777)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	circ := env.overdue(fineDue, "0.25", "5.00", "", nil)
	_, err = env.ledger.GenerateFinesForCirc(context.Background(), circ.ID)
	assert.ErrorIs(t, err, billing.ErrMissingField)

	_, err = env.ledger.GenerateFinesForXact(context.Background(), billing.FineRequest{
		XactID:        circ.ID,
		DueDate:       fineDue,
		CircLib:       branch,
		RecurringFine: usd("0.25"),
		FineInterval:  "every so often",
		MaxFine:       usd("5.00"),
	})
	assert.ErrorIs(t, err, billing.ErrInvalidInterval)
}
