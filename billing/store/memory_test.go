package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/penalty"
)

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction with one billing
	// WHEN: A unit creates a billing and closes the xact, then fails
	// THEN: Neither change is visible afterwards

	m := NewMemory()
	xact := m.AddTransaction(billing.Transaction{UserID: 1, XactStart: t0}, 10)
	m.AddBilling(billing.Billing{XactID: xact.ID, Amount: 500, BillingTS: t0})

	boom := errors.New("boom")
	err := m.WithTx(context.Background(), func(s billing.Store) error {
		if _, err := s.CreateBilling(context.Background(), billing.Billing{XactID: xact.ID, Amount: 200, BillingTS: t0}); err != nil {
			return err
		}
		finish := t0
		xact.XactFinish = &finish
		if err := s.UpdateTransaction(context.Background(), xact); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bills, err := m.FindBillings(context.Background(), billing.BillingQuery{XactID: xact.ID})
	require.NoError(t, err)
	assert.Len(t, bills, 1)

	got, err := m.GetTransaction(context.Background(), xact.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

func TestMemory_WithTxCommits(t *testing.T) {
	m := NewMemory()
	xact := m.AddTransaction(billing.Transaction{UserID: 1, XactStart: t0}, 10)

	err := m.WithTx(context.Background(), func(s billing.Store) error {
		_, err := s.CreateBilling(context.Background(), billing.Billing{XactID: xact.ID, Amount: 200, BillingTS: t0})
		return err
	})
	require.NoError(t, err)

	s, err := m.GetTransactionSummary(context.Background(), xact.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(200), s.BalanceOwed)
}

func TestMemory_SettingsInheritFromParent(t *testing.T) {
	m := NewMemory()
	root := int64(1)
	branch := int64(2)
	m.AddOrg(root, nil, "CONS")
	m.AddOrg(branch, &root, "BR1")
	m.AddOrg(3, &branch, "BM1")

	require.NoError(t, m.SetSetting(root, billing.SettingTimezone, "America/Chicago"))
	require.NoError(t, m.SetSetting(branch, billing.SettingGraceExtend, true))

	ctx := context.Background()

	tz, err := m.ValueAtOrg(ctx, billing.SettingTimezone, 3)
	require.NoError(t, err)
	s, ok := billing.SettingString(tz)
	assert.True(t, ok)
	assert.Equal(t, "America/Chicago", s)

	ext, err := m.ValueAtOrg(ctx, billing.SettingGraceExtend, 3)
	require.NoError(t, err)
	assert.True(t, billing.SettingBool(ext))

	ext, err = m.ValueAtOrg(ctx, billing.SettingGraceExtend, root)
	require.NoError(t, err)
	assert.Nil(t, ext, "settings never flow down to a parent")

	unknown, err := m.ValueAtOrg(ctx, billing.SettingTimezone, 99)
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestMemory_SettingsReadableInsideTx(t *testing.T) {
	m := NewMemory()
	m.AddOrg(1, nil, "CONS")
	require.NoError(t, m.SetSetting(1, billing.SettingChargeWhenClosed, "t"))

	err := m.WithTx(context.Background(), func(billing.Store) error {
		v, err := m.ValueAtOrg(context.Background(), billing.SettingChargeWhenClosed, 1)
		if err != nil {
			return err
		}
		assert.True(t, billing.SettingBool(v))
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_FindOverdueCirculations(t *testing.T) {
	// GIVEN: Overdue, not yet due, stopped and closed circulations
	// WHEN: Listing overdue circulations
	// THEN: Only the open, unstopped, past-due one comes back

	m := NewMemory()
	asOf := t0.Add(72 * time.Hour)

	overdue := m.AddCirculation(billing.Circulation{UserID: 1, CircLib: 10, DueDate: t0}, t0.Add(-240*time.Hour))
	m.AddCirculation(billing.Circulation{UserID: 1, CircLib: 10, DueDate: asOf.Add(time.Hour)}, t0)

	reason := billing.StopFinesMaxFines
	m.AddCirculation(billing.Circulation{UserID: 1, CircLib: 10, DueDate: t0, StopFines: &reason}, t0)

	closed := m.AddCirculation(billing.Circulation{UserID: 1, CircLib: 10, DueDate: t0}, t0)
	x, err := m.GetTransaction(context.Background(), closed.ID)
	require.NoError(t, err)
	finish := t0
	x.XactFinish = &finish
	require.NoError(t, m.UpdateTransaction(context.Background(), x))

	got, err := m.FindOverdueCirculations(context.Background(), asOf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)
}

func TestMemory_AdjustmentsFleshedOnBillings(t *testing.T) {
	m := NewMemory()
	xact := m.AddTransaction(billing.Transaction{UserID: 1, XactStart: t0}, 10)
	b := m.AddBilling(billing.Billing{XactID: xact.ID, Amount: 500, BillingTS: t0})
	m.AddAccountAdjustment(billing.AccountAdjustment{XactID: xact.ID, BillingID: b.ID, Amount: 200, PaymentTS: t0})

	plain, err := m.FindBillings(context.Background(), billing.BillingQuery{XactID: xact.ID})
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Empty(t, plain[0].Adjustments)

	fleshed, err := m.FindBillings(context.Background(), billing.BillingQuery{XactID: xact.ID, FleshAdjustments: true})
	require.NoError(t, err)
	require.Len(t, fleshed[0].Adjustments, 1)
	assert.Equal(t, billing.Money(200), fleshed[0].Adjustments[0].Amount)

	payments, err := m.FindPayments(context.Background(), billing.PaymentQuery{XactID: xact.ID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].IsAdjustment())
	assert.Equal(t, payments[0].ID, payments[0].Adjustment.ID)
}

func TestMemory_PenaltyLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p, err := m.CreatePenalty(ctx, penalty.StandingPenalty{UserID: 1, OrgID: 10, Name: penalty.PatronExceedsFines, SetDate: t0})
	require.NoError(t, err)

	active, err := m.FindActivePenalties(ctx, 1, 10, penalty.PatronExceedsFines)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, m.ClearPenalty(ctx, p.ID, t0.Add(time.Hour)))

	active, err = m.FindActivePenalties(ctx, 1, 10, penalty.PatronExceedsFines)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Len(t, m.Penalties(1), 1)

	assert.ErrorIs(t, m.ClearPenalty(ctx, 404, t0), billing.ErrNotFound)
}
