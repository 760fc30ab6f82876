/*
Package sqlite provides a SQLite-backed implementation of the billing
collaborator interfaces.

PURPOSE:
  Implements every persistence interface the billing engine depends on
  (billing.TxStore, billing.Settings, billing.CirculationFinder and
  penalty.Store) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  org_units:            Org tree used for setting inheritance
  org_settings:         JSON setting values per (org, name)
  transactions:         Financial containers; xact_finish NULL while open
  circulations:         Loans, sharing their id with a transaction
  billings:             Charges; voided rows are kept
  payments:             Money applied to a transaction
  account_adjustments:  Extra columns of account_adjustment payments
  hours_of_operation:   Weekly hours, one row per weekday (0 = Monday)
  closed_dates:         Explicit closures
  standing_penalties:   Balance-driven blocks; cleared by stop_date

STORAGE FORMATS:
  - Amounts are TEXT decimals ("12.50") so no float ever touches money.
  - Timestamps are TEXT in UTC with a fixed-width layout, so string order
    is time order and range filters can run in SQL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. A unit of
  work (WithTx) holds the write lock for its whole duration; code running
  inside it talks to the sql.Tx through an unlocked view and must not call
  back into the Store.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewLedger(store, store,
      billing.WithPenalties(penalty.NewCalculator(store, store)))

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/penalty"
)

// tsLayout is fixed width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ billing.TxStore           = (*Store)(nil)
	_ billing.Settings          = (*Store)(nil)
	_ billing.CirculationFinder = (*Store)(nil)
	_ penalty.Store             = (*Store)(nil)
	_ billing.Settings          = (*view)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and units of
	// work are serialized by mu anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS org_units (
		id INTEGER PRIMARY KEY,
		parent_id INTEGER REFERENCES org_units(id),
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS org_settings (
		org_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (org_id, name)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		usr INTEGER NOT NULL,
		xact_type TEXT NOT NULL,
		xact_start TEXT NOT NULL,
		xact_finish TEXT,
		billing_location INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_usr_open
		ON transactions(usr) WHERE xact_finish IS NULL;

	CREATE TABLE IF NOT EXISTS circulations (
		id INTEGER PRIMARY KEY REFERENCES transactions(id),
		usr INTEGER NOT NULL,
		target_copy INTEGER NOT NULL,
		circ_lib INTEGER NOT NULL,
		due_date TEXT,
		recurring_fine TEXT NOT NULL DEFAULT '0.00',
		fine_interval TEXT NOT NULL DEFAULT '',
		max_fine TEXT NOT NULL DEFAULT '0.00',
		grace_period TEXT,
		stop_fines TEXT,
		stop_fines_time TEXT,
		checkin_time TEXT
	);

	-- Fine scheduler scan
	CREATE INDEX IF NOT EXISTS idx_circulations_overdue
		ON circulations(due_date) WHERE stop_fines IS NULL;

	CREATE TABLE IF NOT EXISTS billings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		xact INTEGER NOT NULL REFERENCES transactions(id),
		amount TEXT NOT NULL,
		btype INTEGER NOT NULL,
		billing_type TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		voided INTEGER NOT NULL DEFAULT 0,
		voider INTEGER,
		void_time TEXT,
		billing_ts TEXT NOT NULL,
		period_start TEXT,
		period_end TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_billings_xact_type_ts
		ON billings(xact, btype, billing_ts DESC);

	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		xact INTEGER NOT NULL REFERENCES transactions(id),
		amount TEXT NOT NULL,
		payment_ts TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		voided INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		accepting_usr INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_payments_xact_ts
		ON payments(xact, payment_ts DESC);

	CREATE TABLE IF NOT EXISTS account_adjustments (
		id INTEGER PRIMARY KEY REFERENCES payments(id),
		billing INTEGER NOT NULL REFERENCES billings(id)
	);

	CREATE INDEX IF NOT EXISTS idx_account_adjustments_billing
		ON account_adjustments(billing);

	CREATE TABLE IF NOT EXISTS hours_of_operation (
		org_id INTEGER NOT NULL,
		dow INTEGER NOT NULL CHECK (dow BETWEEN 0 AND 6),
		open_time TEXT NOT NULL,
		close_time TEXT NOT NULL,
		PRIMARY KEY (org_id, dow)
	);

	CREATE TABLE IF NOT EXISTS closed_dates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		org_id INTEGER NOT NULL,
		close_start TEXT NOT NULL,
		close_end TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_closed_dates_org
		ON closed_dates(org_id, close_start, close_end);

	CREATE TABLE IF NOT EXISTS standing_penalties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		usr INTEGER NOT NULL,
		org_unit INTEGER NOT NULL,
		name TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		set_date TEXT NOT NULL,
		stop_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_standing_penalties_active
		ON standing_penalties(usr, org_unit, name) WHERE stop_date IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin: %v", billing.ErrTransactionFailed, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&view{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", billing.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) read() *view {
	return &view{q: s.db}
}

// =============================================================================
// billing.Store (locked wrappers)
// =============================================================================

func (s *Store) GetTransaction(ctx context.Context, id int64) (billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTransaction(ctx, id)
}

func (s *Store) UpdateTransaction(ctx context.Context, xact billing.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateTransaction(ctx, xact)
}

func (s *Store) GetTransactionSummary(ctx context.Context, id int64) (billing.TransactionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTransactionSummary(ctx, id)
}

func (s *Store) GetCirculation(ctx context.Context, id int64) (billing.Circulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetCirculation(ctx, id)
}

func (s *Store) UpdateCirculation(ctx context.Context, circ billing.Circulation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateCirculation(ctx, circ)
}

func (s *Store) FindBillings(ctx context.Context, q billing.BillingQuery) ([]billing.Billing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindBillings(ctx, q)
}

func (s *Store) CreateBilling(ctx context.Context, b billing.Billing) (billing.Billing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateBilling(ctx, b)
}

func (s *Store) UpdateBilling(ctx context.Context, b billing.Billing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateBilling(ctx, b)
}

func (s *Store) FindPayments(ctx context.Context, q billing.PaymentQuery) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindPayments(ctx, q)
}

func (s *Store) CreateAccountAdjustment(ctx context.Context, adj billing.AccountAdjustment) (billing.AccountAdjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateAccountAdjustment(ctx, adj)
}

func (s *Store) GetHoursOfOperation(ctx context.Context, orgID int64) (billing.HoursOfOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetHoursOfOperation(ctx, orgID)
}

func (s *Store) FindClosedDates(ctx context.Context, orgID int64, at time.Time) ([]billing.ClosedDate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindClosedDates(ctx, orgID, at)
}

// ValueAtOrg walks from orgID up the org tree and returns the first value
// set for name, or nil.
func (s *Store) ValueAtOrg(ctx context.Context, name string, orgID int64) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ValueAtOrg(ctx, name, orgID)
}

// =============================================================================
// SEEDING & ADMIN
// =============================================================================

// SaveOrg inserts or replaces an org unit. parentID is nil for the root.
func (s *Store) SaveOrg(ctx context.Context, id int64, parentID *int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO org_units (id, parent_id, name) VALUES (?, ?, ?)`,
		id, nullInt64(parentID), name)
	if err != nil {
		return fmt.Errorf("failed to save org %d: %w", id, err)
	}
	return nil
}

// SetSetting stores value (JSON-encoded) for name at orgID.
func (s *Store) SetSetting(ctx context.Context, orgID int64, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO org_settings (org_id, name, value) VALUES (?, ?, ?)`,
		orgID, name, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save setting %s at org %d: %w", name, orgID, err)
	}
	return nil
}

// CreateTransaction stores a transaction billed at billingLocation. A zero
// ID is assigned.
func (s *Store) CreateTransaction(ctx context.Context, xact billing.Transaction, billingLocation int64) (billing.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().createTransaction(ctx, xact, billingLocation)
}

// CreateCirculation stores a circulation and the transaction it shares an
// ID with, atomically.
func (s *Store) CreateCirculation(ctx context.Context, circ billing.Circulation, start time.Time) (billing.Circulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Circulation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	v := &view{q: sqlTx}
	xact, err := v.createTransaction(ctx, billing.Transaction{
		ID:        circ.ID,
		UserID:    circ.UserID,
		XactType:  billing.XactCirculation,
		XactStart: start,
	}, circ.CircLib)
	if err != nil {
		return billing.Circulation{}, err
	}
	circ.ID = xact.ID

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO circulations
		(id, usr, target_copy, circ_lib, due_date, recurring_fine, fine_interval,
		 max_fine, grace_period, stop_fines, stop_fines_time, checkin_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		circ.ID, circ.UserID, circ.TargetCopy, circ.CircLib,
		nullTimeValue(circ.DueDate), circ.RecurringFine.String(), circ.FineInterval,
		circ.MaxFine.String(), nullStringPtr(circ.GracePeriod), nullStringPtr(circ.StopFines),
		nullTime(circ.StopFinesTime), nullTime(circ.CheckinTime),
	)
	if err != nil {
		return billing.Circulation{}, fmt.Errorf("failed to insert circulation: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return billing.Circulation{}, fmt.Errorf("failed to commit circulation: %w", err)
	}
	return circ, nil
}

// CreatePayment stores an ordinary payment. Account adjustments go through
// CreateAccountAdjustment.
func (s *Store) CreatePayment(ctx context.Context, p billing.Payment) (billing.Payment, error) {
	if p.PaymentType == "" {
		p.PaymentType = billing.PaymentTypeCash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (xact, amount, payment_ts, payment_type, voided, note, accepting_usr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.XactID, p.Amount.String(), formatTime(p.PaymentTS), p.PaymentType, p.Voided, p.Note, nullInt64(p.AcceptingUserID))
	if err != nil {
		return billing.Payment{}, fmt.Errorf("failed to insert payment: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return p, err
}

// SaveHours replaces the weekly hours of an org.
func (s *Store) SaveHours(ctx context.Context, h billing.HoursOfOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for dow, d := range h.Days {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO hours_of_operation (org_id, dow, open_time, close_time)
			VALUES (?, ?, ?, ?)
		`, h.OrgID, dow, d.Open, d.Close)
		if err != nil {
			return fmt.Errorf("failed to save hours for org %d: %w", h.OrgID, err)
		}
	}
	return nil
}

// CreateClosedDate stores a closure.
func (s *Store) CreateClosedDate(ctx context.Context, c billing.ClosedDate) (billing.ClosedDate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_dates (org_id, close_start, close_end, reason) VALUES (?, ?, ?, ?)`,
		c.OrgID, formatTime(c.CloseStart), formatTime(c.CloseEnd), c.Reason)
	if err != nil {
		return billing.ClosedDate{}, fmt.Errorf("failed to insert closed date: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"standing_penalties", "account_adjustments", "payments", "billings",
		"circulations", "transactions", "closed_dates", "hours_of_operation",
		"org_settings", "org_units",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// CIRCULATION FINDER (billing.CirculationFinder interface)
// =============================================================================

// FindOverdueCirculations returns circulations due before asOf with an open
// transaction and no stop-fines marker, by ID.
func (s *Store) FindOverdueCirculations(ctx context.Context, asOf time.Time) ([]billing.Circulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+circColumns+`
		FROM circulations c
		JOIN transactions t ON t.id = c.id
		WHERE c.stop_fines IS NULL
		  AND c.due_date IS NOT NULL AND c.due_date < ?
		  AND t.xact_finish IS NULL
		ORDER BY c.id
	`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue circulations: %w", err)
	}
	defer rows.Close()

	var out []billing.Circulation
	for rows.Next() {
		c, err := scanCirculation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// PENALTY STORE (penalty.Store interface)
// =============================================================================

// UserBalanceOwed totals balance owed over the user's open transactions.
func (s *Store) UserBalanceOwed(ctx context.Context, userID int64) (billing.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.read()
	ids, err := v.int64s(ctx,
		`SELECT id FROM transactions WHERE usr = ? AND xact_finish IS NULL ORDER BY id`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list open transactions for user %d: %w", userID, err)
	}

	var total billing.Money
	for _, id := range ids {
		sum, err := v.GetTransactionSummary(ctx, id)
		if err != nil {
			return 0, err
		}
		total += sum.BalanceOwed
	}
	return total, nil
}

func (s *Store) FindActivePenalties(ctx context.Context, userID, orgID int64, name string) ([]penalty.StandingPenalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPenalties(ctx, `
		SELECT id, usr, org_unit, name, note, set_date, stop_date
		FROM standing_penalties
		WHERE usr = ? AND org_unit = ? AND name = ? AND stop_date IS NULL
		ORDER BY id
	`, userID, orgID, name)
}

// Penalties returns every penalty row for a user, cleared ones included.
func (s *Store) Penalties(ctx context.Context, userID int64) ([]penalty.StandingPenalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPenalties(ctx, `
		SELECT id, usr, org_unit, name, note, set_date, stop_date
		FROM standing_penalties
		WHERE usr = ?
		ORDER BY id
	`, userID)
}

func (s *Store) CreatePenalty(ctx context.Context, p penalty.StandingPenalty) (penalty.StandingPenalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO standing_penalties (usr, org_unit, name, note, set_date, stop_date)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.UserID, p.OrgID, p.Name, p.Note, formatTime(p.SetDate), nullTime(p.StopDate))
	if err != nil {
		return penalty.StandingPenalty{}, fmt.Errorf("failed to insert penalty: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return p, err
}

func (s *Store) ClearPenalty(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE standing_penalties SET stop_date = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to clear penalty %d: %w", id, err)
	}
	return expectOneRow(res, "standing penalty", id)
}

func (s *Store) queryPenalties(ctx context.Context, query string, args ...any) ([]penalty.StandingPenalty, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query penalties: %w", err)
	}
	defer rows.Close()

	var out []penalty.StandingPenalty
	for rows.Next() {
		var (
			p        penalty.StandingPenalty
			setDate  string
			stopDate sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.OrgID, &p.Name, &p.Note, &setDate, &stopDate); err != nil {
			return nil, fmt.Errorf("failed to scan penalty: %w", err)
		}
		if p.SetDate, err = parseTime(setDate); err != nil {
			return nil, err
		}
		if p.StopDate, err = parseNullTime(stopDate); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// VIEW - unlocked access over *sql.DB or *sql.Tx
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type view struct {
	q queryer
}

func (v *view) createTransaction(ctx context.Context, xact billing.Transaction, billingLocation int64) (billing.Transaction, error) {
	if xact.XactType == "" {
		xact.XactType = billing.XactGrocery
	}

	var id any
	if xact.ID != 0 {
		id = xact.ID
	}
	res, err := v.q.ExecContext(ctx, `
		INSERT INTO transactions (id, usr, xact_type, xact_start, xact_finish, billing_location)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, xact.UserID, string(xact.XactType), formatTime(xact.XactStart), nullTime(xact.XactFinish), billingLocation)
	if err != nil {
		return billing.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if xact.ID == 0 {
		if xact.ID, err = res.LastInsertId(); err != nil {
			return billing.Transaction{}, err
		}
	}
	return xact, nil
}

func (v *view) GetTransaction(ctx context.Context, id int64) (billing.Transaction, error) {
	var (
		xact     billing.Transaction
		xactType string
		start    string
		finish   sql.NullString
	)
	err := v.q.QueryRowContext(ctx,
		`SELECT id, usr, xact_type, xact_start, xact_finish FROM transactions WHERE id = ?`, id,
	).Scan(&xact.ID, &xact.UserID, &xactType, &start, &finish)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Transaction{}, billing.NewNotFound("transaction", id)
	}
	if err != nil {
		return billing.Transaction{}, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}

	xact.XactType = billing.XactType(xactType)
	if xact.XactStart, err = parseTime(start); err != nil {
		return billing.Transaction{}, err
	}
	if xact.XactFinish, err = parseNullTime(finish); err != nil {
		return billing.Transaction{}, err
	}
	return xact, nil
}

func (v *view) UpdateTransaction(ctx context.Context, xact billing.Transaction) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE transactions SET usr = ?, xact_type = ?, xact_start = ?, xact_finish = ?
		WHERE id = ?
	`, xact.UserID, string(xact.XactType), formatTime(xact.XactStart), nullTime(xact.XactFinish), xact.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", xact.ID, err)
	}
	return expectOneRow(res, "transaction", xact.ID)
}

func (v *view) GetTransactionSummary(ctx context.Context, id int64) (billing.TransactionSummary, error) {
	s := billing.TransactionSummary{XactID: id}
	err := v.q.QueryRowContext(ctx, `
		SELECT t.usr, COALESCE(c.circ_lib, t.billing_location)
		FROM transactions t
		LEFT JOIN circulations c ON c.id = t.id
		WHERE t.id = ?
	`, id).Scan(&s.UserID, &s.BillingLocation)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.TransactionSummary{}, billing.NewNotFound("transaction", id)
	}
	if err != nil {
		return billing.TransactionSummary{}, fmt.Errorf("failed to summarize transaction %d: %w", id, err)
	}

	if s.TotalOwed, err = v.sumAmounts(ctx,
		`SELECT amount FROM billings WHERE xact = ? AND voided = 0`, id); err != nil {
		return billing.TransactionSummary{}, err
	}
	if s.TotalPaid, err = v.sumAmounts(ctx,
		`SELECT amount FROM payments WHERE xact = ? AND voided = 0`, id); err != nil {
		return billing.TransactionSummary{}, err
	}
	s.BalanceOwed = s.TotalOwed - s.TotalPaid
	return s, nil
}

const circColumns = `c.id, c.usr, c.target_copy, c.circ_lib, c.due_date, c.recurring_fine,
	c.fine_interval, c.max_fine, c.grace_period, c.stop_fines, c.stop_fines_time, c.checkin_time`

func (v *view) GetCirculation(ctx context.Context, id int64) (billing.Circulation, error) {
	row := v.q.QueryRowContext(ctx, `SELECT `+circColumns+` FROM circulations c WHERE c.id = ?`, id)
	c, err := scanCirculation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Circulation{}, billing.NewNotFound("circulation", id)
	}
	return c, err
}

func (v *view) UpdateCirculation(ctx context.Context, circ billing.Circulation) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE circulations SET
			usr = ?, target_copy = ?, circ_lib = ?, due_date = ?, recurring_fine = ?,
			fine_interval = ?, max_fine = ?, grace_period = ?, stop_fines = ?,
			stop_fines_time = ?, checkin_time = ?
		WHERE id = ?
	`,
		circ.UserID, circ.TargetCopy, circ.CircLib, nullTimeValue(circ.DueDate), circ.RecurringFine.String(),
		circ.FineInterval, circ.MaxFine.String(), nullStringPtr(circ.GracePeriod), nullStringPtr(circ.StopFines),
		nullTime(circ.StopFinesTime), nullTime(circ.CheckinTime), circ.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update circulation %d: %w", circ.ID, err)
	}
	return expectOneRow(res, "circulation", circ.ID)
}

const billingColumns = `id, xact, amount, btype, billing_type, note, voided, voider,
	void_time, billing_ts, period_start, period_end`

func (v *view) FindBillings(ctx context.Context, q billing.BillingQuery) ([]billing.Billing, error) {
	var (
		where []string
		args  []any
	)
	if len(q.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if q.XactID != 0 {
		where = append(where, "xact = ?")
		args = append(args, q.XactID)
	}
	if q.BillingTypeID != 0 {
		where = append(where, "btype = ?")
		args = append(args, q.BillingTypeID)
	}
	if q.ExcludeVoided {
		where = append(where, "voided = 0")
	}

	query := "SELECT " + billingColumns + " FROM billings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += orderBy("billing_ts", q.Order)

	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query billings: %w", err)
	}
	var out []billing.Billing
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.FleshAdjustments {
		for i := range out {
			if out[i].Adjustments, err = v.adjustmentsFor(ctx, out[i].ID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

const adjustmentColumns = `p.id, p.xact, aa.billing, p.amount, p.accepting_usr, p.payment_ts, p.note, p.voided`

func (v *view) adjustmentsFor(ctx context.Context, billingID int64) ([]billing.AccountAdjustment, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+adjustmentColumns+`
		FROM account_adjustments aa
		JOIN payments p ON p.id = aa.id
		WHERE aa.billing = ?
		ORDER BY p.id
	`, billingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments for billing %d: %w", billingID, err)
	}
	defer rows.Close()

	var out []billing.AccountAdjustment
	for rows.Next() {
		var (
			adj       billing.AccountAdjustment
			amount    string
			accepting sql.NullInt64
			ts        string
		)
		if err := rows.Scan(&adj.ID, &adj.XactID, &adj.BillingID, &amount, &accepting, &ts, &adj.Note, &adj.Voided); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		if adj.Amount, err = billing.ParseMoney(amount); err != nil {
			return nil, err
		}
		if adj.PaymentTS, err = parseTime(ts); err != nil {
			return nil, err
		}
		adj.AcceptingUserID = accepting.Int64
		out = append(out, adj)
	}
	return out, rows.Err()
}

func (v *view) CreateBilling(ctx context.Context, b billing.Billing) (billing.Billing, error) {
	res, err := v.q.ExecContext(ctx, `
		INSERT INTO billings
		(xact, amount, btype, billing_type, note, voided, voider, void_time, billing_ts, period_start, period_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.XactID, b.Amount.String(), b.BillingTypeID, b.BillingType, b.Note, b.Voided,
		nullInt64(b.VoiderID), nullTime(b.VoidTime), formatTime(b.BillingTS),
		nullTime(b.PeriodStart), nullTime(b.PeriodEnd),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.Billing{}, billing.NewNotFound("transaction", b.XactID)
		}
		return billing.Billing{}, fmt.Errorf("failed to insert billing: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return billing.Billing{}, err
	}
	b.Adjustments = nil
	return b, nil
}

func (v *view) UpdateBilling(ctx context.Context, b billing.Billing) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE billings SET
			amount = ?, btype = ?, billing_type = ?, note = ?, voided = ?, voider = ?,
			void_time = ?, billing_ts = ?, period_start = ?, period_end = ?
		WHERE id = ?
	`,
		b.Amount.String(), b.BillingTypeID, b.BillingType, b.Note, b.Voided, nullInt64(b.VoiderID),
		nullTime(b.VoidTime), formatTime(b.BillingTS), nullTime(b.PeriodStart), nullTime(b.PeriodEnd), b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update billing %d: %w", b.ID, err)
	}
	return expectOneRow(res, "billing", b.ID)
}

func (v *view) FindPayments(ctx context.Context, q billing.PaymentQuery) ([]billing.Payment, error) {
	var (
		where []string
		args  []any
	)
	if q.XactID != 0 {
		where = append(where, "p.xact = ?")
		args = append(args, q.XactID)
	}
	if q.ExcludeVoided {
		where = append(where, "p.voided = 0")
	}
	if q.ExcludeType != "" {
		where = append(where, "p.payment_type <> ?")
		args = append(args, q.ExcludeType)
	}

	query := `
		SELECT p.id, p.xact, p.amount, p.payment_ts, p.payment_type, p.voided, p.note,
		       p.accepting_usr, aa.billing
		FROM payments p
		LEFT JOIN account_adjustments aa ON aa.id = p.id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += orderBy("p.payment_ts", q.Order)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var (
			p         billing.Payment
			amount    string
			ts        string
			accepting sql.NullInt64
			billingID sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.XactID, &amount, &ts, &p.PaymentType, &p.Voided, &p.Note, &accepting, &billingID); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.Amount, err = billing.ParseMoney(amount); err != nil {
			return nil, err
		}
		if p.PaymentTS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if accepting.Valid {
			id := accepting.Int64
			p.AcceptingUserID = &id
		}
		if p.PaymentType == billing.PaymentTypeAccountAdjustment && billingID.Valid {
			p.Adjustment = &billing.AccountAdjustment{
				ID:              p.ID,
				XactID:          p.XactID,
				BillingID:       billingID.Int64,
				Amount:          p.Amount,
				AcceptingUserID: accepting.Int64,
				PaymentTS:       p.PaymentTS,
				Note:            p.Note,
				Voided:          p.Voided,
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (v *view) CreateAccountAdjustment(ctx context.Context, adj billing.AccountAdjustment) (billing.AccountAdjustment, error) {
	var xactID int64
	err := v.q.QueryRowContext(ctx, `SELECT xact FROM billings WHERE id = ?`, adj.BillingID).Scan(&xactID)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.AccountAdjustment{}, billing.NewNotFound("billing", adj.BillingID)
	}
	if err != nil {
		return billing.AccountAdjustment{}, fmt.Errorf("failed to load billing %d: %w", adj.BillingID, err)
	}

	res, err := v.q.ExecContext(ctx, `
		INSERT INTO payments (xact, amount, payment_ts, payment_type, voided, note, accepting_usr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		adj.XactID, adj.Amount.String(), formatTime(adj.PaymentTS), billing.PaymentTypeAccountAdjustment,
		adj.Voided, adj.Note, adj.AcceptingUserID,
	)
	if err != nil {
		return billing.AccountAdjustment{}, fmt.Errorf("failed to insert adjustment payment: %w", err)
	}
	if adj.ID, err = res.LastInsertId(); err != nil {
		return billing.AccountAdjustment{}, err
	}

	_, err = v.q.ExecContext(ctx,
		`INSERT INTO account_adjustments (id, billing) VALUES (?, ?)`, adj.ID, adj.BillingID)
	if err != nil {
		return billing.AccountAdjustment{}, fmt.Errorf("failed to insert adjustment: %w", err)
	}
	return adj, nil
}

func (v *view) GetHoursOfOperation(ctx context.Context, orgID int64) (billing.HoursOfOperation, error) {
	rows, err := v.q.QueryContext(ctx,
		`SELECT dow, open_time, close_time FROM hours_of_operation WHERE org_id = ? ORDER BY dow`, orgID)
	if err != nil {
		return billing.HoursOfOperation{}, fmt.Errorf("failed to query hours for org %d: %w", orgID, err)
	}
	defer rows.Close()

	h := billing.HoursOfOperation{OrgID: orgID}
	found := false
	for rows.Next() {
		var (
			dow int
			d   billing.DayHours
		)
		if err := rows.Scan(&dow, &d.Open, &d.Close); err != nil {
			return billing.HoursOfOperation{}, fmt.Errorf("failed to scan hours: %w", err)
		}
		h.Days[dow] = d
		found = true
	}
	if err := rows.Err(); err != nil {
		return billing.HoursOfOperation{}, err
	}
	if !found {
		return billing.HoursOfOperation{}, billing.NewNotFound("hours of operation", orgID)
	}
	return h, nil
}

func (v *view) FindClosedDates(ctx context.Context, orgID int64, at time.Time) ([]billing.ClosedDate, error) {
	ts := formatTime(at)
	rows, err := v.q.QueryContext(ctx, `
		SELECT id, org_id, close_start, close_end, reason
		FROM closed_dates
		WHERE org_id = ? AND close_start <= ? AND close_end >= ?
		ORDER BY id
	`, orgID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed dates for org %d: %w", orgID, err)
	}
	defer rows.Close()

	var out []billing.ClosedDate
	for rows.Next() {
		var (
			c          billing.ClosedDate
			start, end string
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &start, &end, &c.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan closed date: %w", err)
		}
		if c.CloseStart, err = parseTime(start); err != nil {
			return nil, err
		}
		if c.CloseEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ValueAtOrg lets a unit of work read settings through its own transaction.
func (v *view) ValueAtOrg(ctx context.Context, name string, orgID int64) (json.RawMessage, error) {
	seen := make(map[int64]bool)
	for id := orgID; !seen[id]; {
		seen[id] = true

		var value string
		err := v.q.QueryRowContext(ctx,
			`SELECT value FROM org_settings WHERE org_id = ? AND name = ?`, id, name,
		).Scan(&value)
		if err == nil {
			return json.RawMessage(value), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read setting %s at org %d: %w", name, id, err)
		}

		var parent sql.NullInt64
		err = v.q.QueryRowContext(ctx, `SELECT parent_id FROM org_units WHERE id = ?`, id).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !parent.Valid) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read org %d: %w", id, err)
		}
		id = parent.Int64
	}
	return nil, nil
}

func (v *view) sumAmounts(ctx context.Context, query string, args ...any) (billing.Money, error) {
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sum amounts: %w", err)
	}
	defer rows.Close()

	var total billing.Money
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return 0, err
		}
		m, err := billing.ParseMoney(s)
		if err != nil {
			return 0, err
		}
		total += m
	}
	return total, rows.Err()
}

func (v *view) int64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCirculation(row scanner) (billing.Circulation, error) {
	var (
		c                          billing.Circulation
		due                        sql.NullString
		rate, maxFine              string
		grace, stopFines           sql.NullString
		stopFinesTime, checkinTime sql.NullString
	)
	err := row.Scan(&c.ID, &c.UserID, &c.TargetCopy, &c.CircLib, &due, &rate,
		&c.FineInterval, &maxFine, &grace, &stopFines, &stopFinesTime, &checkinTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan circulation: %w", err)
	}

	if due.Valid {
		if c.DueDate, err = parseTime(due.String); err != nil {
			return c, err
		}
	}
	if c.RecurringFine, err = billing.ParseMoney(rate); err != nil {
		return c, err
	}
	if c.MaxFine, err = billing.ParseMoney(maxFine); err != nil {
		return c, err
	}
	c.GracePeriod = stringPtr(grace)
	c.StopFines = stringPtr(stopFines)
	if c.StopFinesTime, err = parseNullTime(stopFinesTime); err != nil {
		return c, err
	}
	if c.CheckinTime, err = parseNullTime(checkinTime); err != nil {
		return c, err
	}
	return c, nil
}

func scanBilling(row scanner) (billing.Billing, error) {
	var (
		b                      billing.Billing
		amount                 string
		voider                 sql.NullInt64
		voidTime               sql.NullString
		billingTS              string
		periodStart, periodEnd sql.NullString
	)
	err := row.Scan(&b.ID, &b.XactID, &amount, &b.BillingTypeID, &b.BillingType, &b.Note,
		&b.Voided, &voider, &voidTime, &billingTS, &periodStart, &periodEnd)
	if err != nil {
		return b, fmt.Errorf("failed to scan billing: %w", err)
	}

	if b.Amount, err = billing.ParseMoney(amount); err != nil {
		return b, err
	}
	if voider.Valid {
		id := voider.Int64
		b.VoiderID = &id
	}
	if b.VoidTime, err = parseNullTime(voidTime); err != nil {
		return b, err
	}
	if b.BillingTS, err = parseTime(billingTS); err != nil {
		return b, err
	}
	if b.PeriodStart, err = parseNullTime(periodStart); err != nil {
		return b, err
	}
	if b.PeriodEnd, err = parseNullTime(periodEnd); err != nil {
		return b, err
	}
	return b, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullTimeValue(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullTime(&t)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func orderBy(column string, order billing.SortOrder) string {
	id := "id"
	if i := strings.Index(column, "."); i >= 0 {
		id = column[:i+1] + "id"
	}
	switch order {
	case billing.OrderAsc:
		return " ORDER BY " + column + " ASC, " + id + " ASC"
	case billing.OrderDesc:
		return " ORDER BY " + column + " DESC, " + id + " DESC"
	default:
		return " ORDER BY " + id + " ASC"
	}
}

func expectOneRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.NewNotFound(kind, id)
	}
	return nil
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
