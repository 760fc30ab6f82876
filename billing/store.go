/*
store.go - Collaborator interfaces for persistence, settings and penalties

PURPOSE:
  Defines the boundary between the billing algorithms and the systems they
  run against. Records are typed; lookups of a single missing record return
  an error satisfying errors.Is(err, ErrNotFound).

KEY INTERFACES:
  Store:             Typed search / retrieve / create / update of records
  TxStore:           Store plus atomic units of work (WithTx)
  Settings:          Effective org-scoped configuration values
  PenaltyCalculator: Recomputes standing penalties after balance changes

ATOMIC UNITS:
  Every mutating ledger operation runs inside WithTx. Implementations must
  serialize units that touch the same transaction so the allocator's
  read-compute-write sequence is never interleaved with another mutation.
  Both shipped stores serialize all units.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - ledger.go: Uses these interfaces
*/
package billing

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// QUERIES
// =============================================================================

// SortOrder orders results by their timestamp (billing_ts or payment_ts).
type SortOrder int

const (
	OrderNone SortOrder = iota
	OrderAsc
	OrderDesc
)

// BillingQuery filters billings. Zero-valued fields do not filter.
type BillingQuery struct {
	IDs              []int64
	XactID           int64
	BillingTypeID    int64
	ExcludeVoided    bool
	Order            SortOrder
	FleshAdjustments bool
}

// PaymentQuery filters payments. Account adjustment payments always come
// back with their Adjustment attached.
type PaymentQuery struct {
	XactID        int64
	ExcludeVoided bool
	ExcludeType   string
	Order         SortOrder
	Limit         int
}

// =============================================================================
// STORE - Typed persistence collaborator
// =============================================================================

type Store interface {
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	UpdateTransaction(ctx context.Context, xact Transaction) error

	// GetTransactionSummary derives balance figures from non-voided
	// billings and payments.
	GetTransactionSummary(ctx context.Context, id int64) (TransactionSummary, error)

	GetCirculation(ctx context.Context, id int64) (Circulation, error)
	UpdateCirculation(ctx context.Context, circ Circulation) error

	FindBillings(ctx context.Context, q BillingQuery) ([]Billing, error)
	CreateBilling(ctx context.Context, bill Billing) (Billing, error)
	UpdateBilling(ctx context.Context, bill Billing) error

	FindPayments(ctx context.Context, q PaymentQuery) ([]Payment, error)

	// CreateAccountAdjustment stores the adjustment as an account_adjustment
	// payment and returns it with its ID assigned.
	CreateAccountAdjustment(ctx context.Context, adj AccountAdjustment) (AccountAdjustment, error)

	GetHoursOfOperation(ctx context.Context, orgID int64) (HoursOfOperation, error)

	// FindClosedDates returns closures for orgID with CloseStart <= at <= CloseEnd.
	FindClosedDates(ctx context.Context, orgID int64, at time.Time) ([]ClosedDate, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within one atomic unit. If fn returns an error the
	// unit is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// CirculationFinder lists circulations the fine generator should visit.
type CirculationFinder interface {
	// FindOverdueCirculations returns circulations due before asOf whose
	// transaction is open and which have no stop-fines marker.
	FindOverdueCirculations(ctx context.Context, asOf time.Time) ([]Circulation, error)
}

// =============================================================================
// SETTINGS & PENALTIES
// =============================================================================

// Settings resolves the effective value of a named setting at an org,
// following the org hierarchy. A nil value means unset everywhere.
type Settings interface {
	ValueAtOrg(ctx context.Context, name string, orgID int64) (json.RawMessage, error)
}

// PenaltyCalculator recomputes standing penalties for a user at an org.
type PenaltyCalculator interface {
	CalculatePenalties(ctx context.Context, userID, orgID int64) error
}

type noPenalties struct{}

func (noPenalties) CalculatePenalties(context.Context, int64, int64) error { return nil }
