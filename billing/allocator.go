/*
allocator.go - Attribute payments and adjustments to individual billings

PURPOSE:
  Payments are recorded against a transaction, not a billing. Voiding or
  adjusting a single billing needs to know how much of it is already
  covered, so the allocator re-derives a deterministic billing-by-billing
  picture from the raw records on every call. Nothing here is persisted.

PASSES:
  1. Adjustments: each account adjustment is applied to the billing it
     targets, oldest billing first. An adjustment bigger than what remains
     is split; only the remainder stays available.
  2. Exact match: payments (largest first) that equal a billing's remaining
     amount settle that billing outright.
  3. Residual: billings that still owe draw greedily from the remaining
     payments, largest first, splitting a payment across billings.

  Only passes 2 and 3 see cash. An adjustment is bound to one billing, so
  whatever it cannot absorb there is reported as unapplied.

CONSERVATION:
  For every run, sum(remaining) + sum(applied payments and adjustments)
  equals sum(original billing amounts). Amounts are integer cents.

SEE ALSO:
  - ledger.go: adjust-to-zero reads AdjustmentAmount from these maps
*/
package billing

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// BILL PAYMENT MAP
// =============================================================================

// BillPaymentMap is the working record for one billing during allocation.
type BillPaymentMap struct {
	// Bill is a copy of the billing whose Amount holds what remains unpaid.
	Bill Billing

	// Adjustments lists the (possibly partial) adjustments applied to Bill.
	Adjustments []AccountAdjustment

	// Payments lists the (possibly partial) payments applied to Bill.
	Payments []Payment

	// BillAmount is the billing's original amount.
	BillAmount Money

	// AdjustmentAmount totals Adjustments.
	AdjustmentAmount Money
}

// Remaining is what is still owed on the billing.
func (m BillPaymentMap) Remaining() Money { return m.Bill.Amount }

// PaidAmount totals Payments.
func (m BillPaymentMap) PaidAmount() Money {
	var total Money
	for _, p := range m.Payments {
		total += p.Amount
	}
	return total
}

// Allocation is the full result of one allocation pass.
type Allocation struct {
	Maps []BillPaymentMap

	// Unapplied holds what is left of payments and adjustments that could
	// not be attributed to any billing, with Amount reduced accordingly.
	Unapplied []Payment
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// BillPaymentMapForXact loads the non-voided billings (oldest first) and
// payments of a transaction and allocates them.
func BillPaymentMapForXact(ctx context.Context, st Store, xactID int64) ([]BillPaymentMap, error) {
	bills, err := st.FindBillings(ctx, BillingQuery{
		XactID:        xactID,
		ExcludeVoided: true,
		Order:         OrderAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load billings for xact %d: %w", xactID, err)
	}
	if len(bills) == 0 {
		return []BillPaymentMap{}, nil
	}

	payments, err := st.FindPayments(ctx, PaymentQuery{
		XactID:        xactID,
		ExcludeVoided: true,
		Order:         OrderAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load payments for xact %d: %w", xactID, err)
	}

	return Allocate(bills, payments).Maps, nil
}

// Allocate runs the three allocation passes over bills, which must already
// be in billing order. Neither argument is modified.
func Allocate(bills []Billing, payments []Payment) Allocation {
	maps := make([]BillPaymentMap, 0, len(bills))
	for _, b := range bills {
		maps = append(maps, BillPaymentMap{Bill: b, BillAmount: b.Amount})
	}
	if len(payments) == 0 {
		return Allocation{Maps: maps}
	}

	// Working copies; split passes reduce these amounts in place.
	pool := make([]Payment, len(payments))
	for i, p := range payments {
		if p.Adjustment != nil {
			adj := *p.Adjustment
			p.Adjustment = &adj
		}
		pool[i] = p
	}

	// Largest first, so the biggest charges are satisfied before remainders
	// fragment. Stable to keep payment time order among equal amounts.
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Amount > pool[j].Amount
	})

	used := make(map[int64]bool)
	applyAdjustments(maps, pool, used)
	matchExactPayments(maps, pool, used)
	applyResidualPayments(maps, pool, used)

	var unapplied []Payment
	for _, p := range pool {
		if !used[p.ID] && p.Amount.IsPositive() {
			unapplied = append(unapplied, p)
		}
	}
	return Allocation{Maps: maps, Unapplied: unapplied}
}

// =============================================================================
// PASSES
// =============================================================================

func applyAdjustments(maps []BillPaymentMap, pool []Payment, used map[int64]bool) {
	for i := range maps {
		m := &maps[i]
		if !m.Bill.Amount.IsPositive() {
			continue
		}

		for j := range pool {
			p := &pool[j]
			if used[p.ID] || !p.IsAdjustment() || p.Adjustment.BillingID != m.Bill.ID {
				continue
			}

			adj := *p.Adjustment
			if !adj.Amount.IsPositive() {
				used[p.ID] = true
				continue
			}

			if adj.Amount <= m.Bill.Amount {
				m.Adjustments = append(m.Adjustments, adj)
				m.AdjustmentAmount += adj.Amount
				m.Bill.Amount -= adj.Amount
				used[p.ID] = true
			} else {
				// More adjustment than bill: record only what applied.
				consumed := m.Bill.Amount
				applied := adj
				applied.Amount = consumed
				m.Adjustments = append(m.Adjustments, applied)
				m.AdjustmentAmount += consumed
				m.Bill.Amount = 0

				adj.Amount -= consumed
				p.Adjustment = &adj
				p.Amount -= consumed
			}

			if m.Bill.Amount.IsZero() {
				break
			}
		}
	}
}

// matchExactPayments and applyResidualPayments only spend cash. What is
// left of a split adjustment stays bound to its own billing.
func matchExactPayments(maps []BillPaymentMap, pool []Payment, used map[int64]bool) {
	for j := range pool {
		p := &pool[j]
		if used[p.ID] || p.PaymentType == PaymentTypeAccountAdjustment || !p.Amount.IsPositive() {
			continue
		}
		for i := range maps {
			m := &maps[i]
			if m.Bill.Amount != p.Amount {
				continue
			}
			m.Payments = append(m.Payments, *p)
			m.Bill.Amount = 0
			used[p.ID] = true
			break
		}
	}
}

func applyResidualPayments(maps []BillPaymentMap, pool []Payment, used map[int64]bool) {
	for i := range maps {
		m := &maps[i]
		for j := range pool {
			if !m.Bill.Amount.IsPositive() {
				break
			}
			p := &pool[j]
			if used[p.ID] || p.PaymentType == PaymentTypeAccountAdjustment || !p.Amount.IsPositive() {
				continue
			}

			if p.Amount > m.Bill.Amount {
				applied := *p
				applied.Amount = m.Bill.Amount
				m.Payments = append(m.Payments, applied)
				p.Amount -= m.Bill.Amount
				m.Bill.Amount = 0
			} else {
				m.Payments = append(m.Payments, *p)
				m.Bill.Amount -= p.Amount
				p.Amount = 0
				used[p.ID] = true
			}
		}
	}
}
