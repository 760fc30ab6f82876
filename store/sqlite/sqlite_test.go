package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/penalty"
	"github.com/warp/circ-billing/store/sqlite"
)

const (
	consortium int64 = 1
	branch     int64 = 2
	patron     int64 = 300
	staff      int64 = 9
)

var t0 = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	root := consortium
	require.NoError(t, s.SaveOrg(ctx, consortium, nil, "CONS"))
	require.NoError(t, s.SaveOrg(ctx, branch, &root, "BR1"))
	require.NoError(t, s.SetSetting(ctx, consortium, billing.SettingTimezone, "UTC"))
	return s
}

func usd(v string) billing.Money { return billing.MustParseMoney(v) }

func TestStore_BillingRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	xact, err := s.CreateTransaction(ctx, billing.Transaction{UserID: patron, XactStart: t0}, branch)
	require.NoError(t, err)
	assert.Equal(t, billing.XactGrocery, xact.XactType)

	start, end := t0.Add(-time.Hour), t0
	created, err := s.CreateBilling(ctx, billing.Billing{
		XactID:        xact.ID,
		Amount:        usd("12.34"),
		BillingTypeID: billing.BtypeDamagedItem,
		BillingType:   "Damaged Item",
		Note:          "spine",
		BillingTS:     t0,
		PeriodStart:   &start,
		PeriodEnd:     &end,
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	got, err := s.FindBillings(ctx, billing.BillingQuery{IDs: []int64{created.ID}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	b := got[0]
	assert.Equal(t, usd("12.34"), b.Amount)
	assert.Equal(t, "Damaged Item", b.BillingType)
	assert.Equal(t, "spine", b.Note)
	assert.True(t, t0.Equal(b.BillingTS))
	require.NotNil(t, b.PeriodStart)
	assert.True(t, start.Equal(*b.PeriodStart))
	assert.False(t, b.Voided)
	assert.Nil(t, b.VoiderID)

	voider := staff
	voidAt := t0.Add(time.Hour)
	b.Voided, b.VoiderID, b.VoidTime = true, &voider, &voidAt
	require.NoError(t, s.UpdateBilling(ctx, b))

	got, err = s.FindBillings(ctx, billing.BillingQuery{XactID: xact.ID, ExcludeVoided: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.CreateBilling(ctx, billing.Billing{XactID: 4040, Amount: 1, BillingTS: t0})
	assert.ErrorIs(t, err, billing.ErrNotFound)
	assert.ErrorIs(t, s.UpdateBilling(ctx, billing.Billing{ID: 4040, BillingTS: t0}), billing.ErrNotFound)
}

func TestStore_SummaryAndPayments(t *testing.T) {
	// GIVEN: $10 + $4 billed, a $3 cash payment, a $4 adjustment on the $4 bill
	// WHEN: Summarizing and listing payments
	// THEN: Balance is $7 and the adjustment payment carries its billing

	s := newStore(t)
	ctx := context.Background()

	xact, err := s.CreateTransaction(ctx, billing.Transaction{UserID: patron, XactStart: t0}, branch)
	require.NoError(t, err)
	_, err = s.CreateBilling(ctx, billing.Billing{XactID: xact.ID, Amount: usd("10.00"), BillingTS: t0})
	require.NoError(t, err)
	small, err := s.CreateBilling(ctx, billing.Billing{XactID: xact.ID, Amount: usd("4.00"), BillingTS: t0.Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.CreatePayment(ctx, billing.Payment{XactID: xact.ID, Amount: usd("3.00"), PaymentTS: t0.Add(time.Hour)})
	require.NoError(t, err)
	adj, err := s.CreateAccountAdjustment(ctx, billing.AccountAdjustment{
		XactID: xact.ID, BillingID: small.ID, Amount: usd("4.00"), AcceptingUserID: staff,
		PaymentTS: t0.Add(2 * time.Hour), Note: "goodwill",
	})
	require.NoError(t, err)

	sum, err := s.GetTransactionSummary(ctx, xact.ID)
	require.NoError(t, err)
	assert.Equal(t, usd("14.00"), sum.TotalOwed)
	assert.Equal(t, usd("7.00"), sum.TotalPaid)
	assert.Equal(t, usd("7.00"), sum.BalanceOwed)
	assert.Equal(t, branch, sum.BillingLocation)

	payments, err := s.FindPayments(ctx, billing.PaymentQuery{XactID: xact.ID, Order: billing.OrderDesc})
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, adj.ID, payments[0].ID)
	require.True(t, payments[0].IsAdjustment())
	assert.Equal(t, small.ID, payments[0].Adjustment.BillingID)
	assert.Equal(t, staff, payments[0].Adjustment.AcceptingUserID)
	assert.Equal(t, billing.PaymentTypeCash, payments[1].PaymentType)
	assert.Nil(t, payments[1].Adjustment)

	latest, err := s.FindPayments(ctx, billing.PaymentQuery{
		XactID: xact.ID, ExcludeType: billing.PaymentTypeAccountAdjustment, Order: billing.OrderDesc, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, usd("3.00"), latest[0].Amount)

	fleshed, err := s.FindBillings(ctx, billing.BillingQuery{IDs: []int64{small.ID}, FleshAdjustments: true})
	require.NoError(t, err)
	require.Len(t, fleshed[0].Adjustments, 1)
	assert.Equal(t, "goodwill", fleshed[0].Adjustments[0].Note)

	_, err = s.CreateAccountAdjustment(ctx, billing.AccountAdjustment{XactID: xact.ID, BillingID: 999, PaymentTS: t0})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	xact, err := s.CreateTransaction(ctx, billing.Transaction{UserID: patron, XactStart: t0}, branch)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(st billing.Store) error {
		if _, err := st.CreateBilling(ctx, billing.Billing{XactID: xact.ID, Amount: usd("5.00"), BillingTS: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bills, err := s.FindBillings(ctx, billing.BillingQuery{XactID: xact.ID})
	require.NoError(t, err)
	assert.Empty(t, bills)
}

func TestStore_CirculationsAndOverdueScan(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	grace := "1 day"
	circ, err := s.CreateCirculation(ctx, billing.Circulation{
		UserID: patron, TargetCopy: 77, CircLib: branch, DueDate: t0,
		RecurringFine: usd("0.25"), FineInterval: "1 day", MaxFine: usd("3.00"), GracePeriod: &grace,
	}, t0.AddDate(0, 0, -14))
	require.NoError(t, err)

	_, err = s.CreateCirculation(ctx, billing.Circulation{
		UserID: patron, TargetCopy: 78, CircLib: branch, DueDate: t0.AddDate(0, 0, 10),
		RecurringFine: usd("0.25"), FineInterval: "1 day", MaxFine: usd("3.00"),
	}, t0)
	require.NoError(t, err)

	got, err := s.GetCirculation(ctx, circ.ID)
	require.NoError(t, err)
	assert.True(t, t0.Equal(got.DueDate))
	assert.Equal(t, usd("0.25"), got.RecurringFine)
	require.NotNil(t, got.GracePeriod)
	assert.Equal(t, "1 day", *got.GracePeriod)
	assert.Nil(t, got.StopFines)

	sum, err := s.GetTransactionSummary(ctx, circ.ID)
	require.NoError(t, err)
	assert.Equal(t, branch, sum.BillingLocation)

	overdue, err := s.FindOverdueCirculations(ctx, t0.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, circ.ID, overdue[0].ID)

	reason := billing.StopFinesMaxFines
	got.StopFines = &reason
	require.NoError(t, s.UpdateCirculation(ctx, got))
	overdue, err = s.FindOverdueCirculations(ctx, t0.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, overdue)

	_, err = s.GetCirculation(ctx, 9999)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestStore_SettingsHoursAndClosures(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, branch, billing.SettingGraceExtend, true))

	v, err := s.ValueAtOrg(ctx, billing.SettingTimezone, branch)
	require.NoError(t, err)
	tz, ok := billing.SettingString(v)
	assert.True(t, ok)
	assert.Equal(t, "UTC", tz)

	v, err = s.ValueAtOrg(ctx, billing.SettingGraceExtend, consortium)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = s.GetHoursOfOperation(ctx, branch)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	hours := billing.AlwaysOpen(branch)
	hours.Days[billing.DayIndex(time.Sunday)] = billing.DayHours{Open: "00:00:00", Close: "00:00:00"}
	require.NoError(t, s.SaveHours(ctx, hours))
	got, err := s.GetHoursOfOperation(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, hours, got)
	assert.True(t, got.ClosedOn(time.Sunday))

	_, err = s.CreateClosedDate(ctx, billing.ClosedDate{
		OrgID:      branch,
		CloseStart: time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC),
		CloseEnd:   time.Date(2025, time.March, 17, 23, 59, 59, 0, time.UTC),
		Reason:     "Holiday",
	})
	require.NoError(t, err)

	inside, err := s.FindClosedDates(ctx, branch, time.Date(2025, time.March, 17, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, inside, 1)

	outside, err := s.FindClosedDates(ctx, branch, time.Date(2025, time.March, 18, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, outside)
}

func TestStore_Penalties(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	xact, err := s.CreateTransaction(ctx, billing.Transaction{UserID: patron, XactStart: t0}, branch)
	require.NoError(t, err)
	_, err = s.CreateBilling(ctx, billing.Billing{XactID: xact.ID, Amount: usd("6.50"), BillingTS: t0})
	require.NoError(t, err)

	owed, err := s.UserBalanceOwed(ctx, patron)
	require.NoError(t, err)
	assert.Equal(t, usd("6.50"), owed)

	p, err := s.CreatePenalty(ctx, penalty.StandingPenalty{UserID: patron, OrgID: branch, Name: penalty.PatronExceedsFines, SetDate: t0})
	require.NoError(t, err)

	active, err := s.FindActivePenalties(ctx, patron, branch, penalty.PatronExceedsFines)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, s.ClearPenalty(ctx, p.ID, t0.Add(time.Hour)))
	active, err = s.FindActivePenalties(ctx, patron, branch, penalty.PatronExceedsFines)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.Penalties(ctx, patron)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active())
}

func TestStore_LedgerEndToEnd(t *testing.T) {
	// GIVEN: A SQLite-backed ledger with a penalty threshold of $0.50
	// WHEN: Generating fines for an overdue circulation, then voiding them
	// THEN: Fines persist, the penalty is applied, then cleared

	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetSetting(ctx, consortium, billing.SettingPenaltyMaxFines, "0.50"))

	now := t0.Add(50 * time.Hour)
	clock := func() time.Time { return now }
	calc := penalty.NewCalculator(s, s, penalty.WithClock(clock))
	ledger := billing.NewLedger(s, s, billing.WithClock(clock), billing.WithPenalties(calc))

	circ, err := s.CreateCirculation(ctx, billing.Circulation{
		UserID: patron, TargetCopy: 77, CircLib: branch, DueDate: t0,
		RecurringFine: usd("0.25"), FineInterval: "1 day", MaxFine: usd("5.00"),
	}, t0.AddDate(0, 0, -14))
	require.NoError(t, err)

	res, err := ledger.GenerateFinesForCirc(ctx, circ.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeGenerated, res.Outcome)
	require.Len(t, res.Created, 3)

	fines, err := s.FindBillings(ctx, billing.BillingQuery{XactID: circ.ID, BillingTypeID: billing.BtypeOverdueMaterials, Order: billing.OrderAsc})
	require.NoError(t, err)
	require.Len(t, fines, 3)
	assert.Equal(t, billing.OverdueFineNote, fines[0].Note)
	assert.True(t, t0.Add(24*time.Hour).Equal(fines[0].BillingTS))

	active, err := s.FindActivePenalties(ctx, patron, branch, penalty.PatronExceedsFines)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	ids := []int64{fines[0].ID, fines[1].ID, fines[2].ID}
	require.NoError(t, ledger.VoidBills(billing.WithRequestor(ctx, staff), ids, "forgiven"))

	active, err = s.FindActivePenalties(ctx, patron, branch, penalty.PatronExceedsFines)
	require.NoError(t, err)
	assert.Empty(t, active)

	xact, err := s.GetTransaction(ctx, circ.ID)
	require.NoError(t, err)
	assert.True(t, xact.IsOpen(), "an open circulation keeps its transaction open")
}
