package penalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/billing/store"
	"github.com/warp/circ-billing/penalty"
)

const (
	consortium int64 = 1
	branch     int64 = 2
	patron     int64 = 77
)

var now = time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T, threshold any) (*store.Memory, *penalty.Calculator) {
	t.Helper()
	mem := store.NewMemory()
	root := consortium
	mem.AddOrg(consortium, nil, "CONS")
	mem.AddOrg(branch, &root, "BR1")
	if threshold != nil {
		require.NoError(t, mem.SetSetting(consortium, billing.SettingPenaltyMaxFines, threshold))
	}
	calc := penalty.NewCalculator(mem, mem, penalty.WithClock(func() time.Time { return now }))
	return mem, calc
}

func owe(mem *store.Memory, amount string) billing.Billing {
	xact := mem.AddTransaction(billing.Transaction{UserID: patron, XactStart: now.Add(-time.Hour)}, branch)
	return mem.AddBilling(billing.Billing{
		XactID:        xact.ID,
		Amount:        billing.MustParseMoney(amount),
		BillingTypeID: billing.BtypeLostMaterials,
		BillingTS:     now.Add(-time.Hour),
	})
}

func TestCalculatePenalties(t *testing.T) {
	tests := []struct {
		name      string
		threshold any
		owed      []string
		want      int
	}{
		{name: "no threshold", threshold: nil, owed: []string{"50.00"}, want: 0},
		{name: "below threshold", threshold: "10.00", owed: []string{"4.00", "5.99"}, want: 0},
		{name: "at threshold", threshold: "10.00", owed: []string{"4.00", "6.00"}, want: 1},
		{name: "numeric threshold", threshold: 10, owed: []string{"12.00"}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, calc := setup(t, tt.threshold)
			for _, a := range tt.owed {
				owe(mem, a)
			}

			require.NoError(t, calc.CalculatePenalties(context.Background(), patron, branch))

			active, err := mem.FindActivePenalties(context.Background(), patron, branch, penalty.PatronExceedsFines)
			require.NoError(t, err)
			assert.Len(t, active, tt.want)
		})
	}
}

func TestCalculatePenalties_Idempotent(t *testing.T) {
	mem, calc := setup(t, "5.00")
	owe(mem, "8.00")

	for i := 0; i < 3; i++ {
		require.NoError(t, calc.CalculatePenalties(context.Background(), patron, branch))
	}

	assert.Len(t, mem.Penalties(patron), 1)
}

func TestCalculatePenalties_ClearedWhenBalanceDrops(t *testing.T) {
	// GIVEN: A patron over the threshold with an active penalty
	// WHEN: The ledger voids the bill
	// THEN: The penalty is cleared, not deleted

	mem, calc := setup(t, "5.00")
	bill := owe(mem, "8.00")
	require.NoError(t, calc.CalculatePenalties(context.Background(), patron, branch))
	require.Len(t, mem.Penalties(patron), 1)

	ledger := billing.NewLedger(mem, mem,
		billing.WithClock(func() time.Time { return now }),
		billing.WithPenalties(calc),
	)
	ctx := billing.WithRequestor(context.Background(), 1)
	require.NoError(t, ledger.VoidBills(ctx, []int64{bill.ID}, "waived"))

	rows := mem.Penalties(patron)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Active())
	require.NotNil(t, rows[0].StopDate)
	assert.True(t, now.Equal(*rows[0].StopDate))
}

func TestCalculatePenalties_InvalidThreshold(t *testing.T) {
	mem, calc := setup(t, "lots")
	owe(mem, "8.00")

	err := calc.CalculatePenalties(context.Background(), patron, branch)

	assert.Error(t, err)
	assert.Empty(t, mem.Penalties(patron))
}
