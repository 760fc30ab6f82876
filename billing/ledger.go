/*
ledger.go - Void, adjust and open/close operations over billings

PURPOSE:
  The Ledger is the only writer of billings, account adjustments and
  transaction finish times. Every public operation runs as one atomic unit
  (TxStore.WithTx) and ends by restoring the open/closed invariant of each
  transaction it touched.

OPEN/CLOSED INVARIANT:
  A transaction is closed (XactFinish set) exactly when:
    - balance owed is zero, AND
    - it has no circulation, or its circulation has a stop-fines marker.
  A closed transaction whose balance moves off zero is reopened.
  checkOpenXact is the single place that enforces this.

PENALTIES:
  Standing penalties depend on balances, so every operation that can change
  a balance records the (user, org) pairs it touched. They are recomputed
  once per pair after the unit commits.

REQUESTOR:
  Voiding and adjusting are attributed to the acting user carried in the
  context (WithRequestor). Without one those operations fail with
  ErrRequestorRequired.

SEE ALSO:
  - allocator.go: BillPaymentMap used by adjust-to-zero
  - fines.go: Fine generation (also a Ledger operation)
  - grace.go: Grace period extension
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/warp/circ-billing/date"
	"github.com/warp/circ-billing/observability"
)

// DefaultBillNote is the note given to system charges created without one.
const DefaultBillNote = "SYSTEM GENERATED"

// =============================================================================
// REQUESTOR
// =============================================================================

type requestorKey struct{}

// WithRequestor returns a context carrying the acting user's ID.
func WithRequestor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, requestorKey{}, userID)
}

// RequestorFrom returns the acting user's ID, if any.
func RequestorFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(requestorKey{}).(int64)
	return id, ok
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger exposes the billing operations of a circulation system.
type Ledger struct {
	store     TxStore
	settings  Settings
	penalties PenaltyCalculator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPenalties sets the standing penalty collaborator.
func WithPenalties(p PenaltyCalculator) Option {
	return func(l *Ledger) {
		if p != nil {
			l.penalties = p
		}
	}
}

// NewLedger creates a Ledger over store. settings may be nil, in which case
// every setting reads as unset.
func NewLedger(store TxStore, settings Settings, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		settings:  settings,
		penalties: noPenalties{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type userOrg struct {
	userID int64
	orgID  int64
}

// op is the state of one atomic ledger call.
type op struct {
	l         *Ledger
	st        Store
	settings  *settingsCache
	now       time.Time
	requestor int64
	hasReq    bool
	penalties map[userOrg]bool
	onCommit  []func()
}

func (l *Ledger) newOp(ctx context.Context) *op {
	req, ok := RequestorFrom(ctx)
	return &op{
		l:         l,
		st:        l.store,
		settings:  newSettingsCache(l.settings),
		now:       l.now(),
		requestor: req,
		hasReq:    ok,
		penalties: make(map[userOrg]bool),
	}
}

// run executes fn inside one WithTx unit, then publishes metrics and
// recomputes penalties for every (user, org) pair the unit touched.
func (l *Ledger) run(ctx context.Context, fn func(*op) error) error {
	o := l.newOp(ctx)
	err := l.store.WithTx(ctx, func(st Store) error {
		o.st = st
		// Settings are read through the unit when the store can serve them.
		if s, ok := st.(Settings); ok && o.settings.src != nil {
			o.settings.src = s
		}
		return fn(o)
	})
	if err != nil {
		return err
	}
	o.publish()
	return o.flushPenalties(ctx)
}

func (o *op) requireRequestor() error {
	if !o.hasReq {
		return ErrRequestorRequired
	}
	return nil
}

func (o *op) touch(userID, orgID int64) {
	o.penalties[userOrg{userID: userID, orgID: orgID}] = true
}

func (o *op) after(f func()) {
	o.onCommit = append(o.onCommit, f)
}

// publish runs the callbacks deferred until the unit committed.
func (o *op) publish() {
	for _, f := range o.onCommit {
		f()
	}
	o.onCommit = nil
}

func (o *op) flushPenalties(ctx context.Context) error {
	pairs := make([]userOrg, 0, len(o.penalties))
	for p := range o.penalties {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].userID != pairs[j].userID {
			return pairs[i].userID < pairs[j].userID
		}
		return pairs[i].orgID < pairs[j].orgID
	})
	for _, p := range pairs {
		if err := o.l.penalties.CalculatePenalties(ctx, p.userID, p.orgID); err != nil {
			return fmt.Errorf("failed to calculate penalties for user %d at org %d: %w", p.userID, p.orgID, err)
		}
	}
	return nil
}

// =============================================================================
// VOID
// =============================================================================

// VoidBills voids each named billing that is not already voided, appending
// note to its existing note. Fails with ErrNotFound when none of the IDs
// exist.
func (l *Ledger) VoidBills(ctx context.Context, billingIDs []int64, note string) error {
	return l.run(ctx, func(o *op) error {
		return o.voidBills(ctx, billingIDs, note)
	})
}

func (o *op) voidBills(ctx context.Context, billingIDs []int64, note string) error {
	if err := o.requireRequestor(); err != nil {
		return err
	}

	bills, err := o.st.FindBillings(ctx, BillingQuery{IDs: billingIDs})
	if err != nil {
		return fmt.Errorf("failed to load billings: %w", err)
	}
	if len(bills) == 0 {
		return &NotFoundError{Kind: "billing", IDs: billingIDs}
	}

	for _, bill := range bills {
		if bill.Voided {
			o.l.logger.Debug("billing already voided, skipping", "billing_id", bill.ID)
			continue
		}

		xact, err := o.st.GetTransaction(ctx, bill.XactID)
		if err != nil {
			return fmt.Errorf("failed to load xact %d for billing %d: %w", bill.XactID, bill.ID, err)
		}
		orgID, err := o.xactOrg(ctx, xact.ID)
		if err != nil {
			return err
		}
		o.touch(xact.UserID, orgID)

		voider := o.requestor
		voidTime := o.now
		bill.Voided = true
		bill.VoiderID = &voider
		bill.VoidTime = &voidTime
		bill.Note = joinNote(bill.Note, note)

		if err := o.st.UpdateBilling(ctx, bill); err != nil {
			return fmt.Errorf("failed to void billing %d: %w", bill.ID, err)
		}
		o.after(observability.BillsVoided.Inc)

		if err := o.checkOpenXact(ctx, xact.ID); err != nil {
			return err
		}
	}
	return nil
}

func joinNote(existing, addition string) string {
	switch {
	case addition == "":
		return existing
	case existing == "":
		return addition
	default:
		return existing + "\n" + addition
	}
}

// =============================================================================
// OPEN / CLOSE
// =============================================================================

// CheckOpenXact closes a transaction with nothing owed and no open
// circulation, or reopens a closed transaction with a non-zero balance.
// Repeated calls without intervening changes do nothing.
func (l *Ledger) CheckOpenXact(ctx context.Context, xactID int64) error {
	return l.run(ctx, func(o *op) error {
		return o.checkOpenXact(ctx, xactID)
	})
}

func (o *op) checkOpenXact(ctx context.Context, xactID int64) error {
	xact, err := o.st.GetTransaction(ctx, xactID)
	if err != nil {
		return fmt.Errorf("failed to load xact %d: %w", xactID, err)
	}
	summary, err := o.st.GetTransactionSummary(ctx, xactID)
	if err != nil {
		return fmt.Errorf("failed to load summary for xact %d: %w", xactID, err)
	}

	noOpenCirc := true
	circ, err := o.st.GetCirculation(ctx, xactID)
	switch {
	case err == nil:
		noOpenCirc = circ.Finalized()
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("failed to load circulation %d: %w", xactID, err)
	}

	zeroOwed := summary.BalanceOwed.IsZero()

	if zeroOwed {
		if xact.IsOpen() && noOpenCirc {
			o.l.logger.Info("closing completed transaction on zero balance", "xact_id", xactID)
			finish := o.now
			xact.XactFinish = &finish
			if err := o.st.UpdateTransaction(ctx, xact); err != nil {
				return fmt.Errorf("failed to close xact %d: %w", xactID, err)
			}
			o.after(func() { observability.XactStateChanges.WithLabelValues("closed").Inc() })
		}
		return nil
	}

	if !xact.IsOpen() {
		o.l.logger.Info("re-opening transaction on non-zero balance",
			"xact_id", xactID, "balance_owed", summary.BalanceOwed.String())
		xact.XactFinish = nil
		if err := o.st.UpdateTransaction(ctx, xact); err != nil {
			return fmt.Errorf("failed to reopen xact %d: %w", xactID, err)
		}
		o.after(func() { observability.XactStateChanges.WithLabelValues("reopened").Inc() })
	}
	return nil
}

// XactOrg returns the org whose policy governs a transaction: the circ_lib
// of a circulation or the billing location of any other transaction.
func (l *Ledger) XactOrg(ctx context.Context, xactID int64) (int64, error) {
	return l.newOp(ctx).xactOrg(ctx, xactID)
}

func (o *op) xactOrg(ctx context.Context, xactID int64) (int64, error) {
	summary, err := o.st.GetTransactionSummary(ctx, xactID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve org for xact %d: %w", xactID, err)
	}
	return summary.BillingLocation, nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreateBill persists a new billing and restores the open/closed state of
// its transaction. An empty note becomes DefaultBillNote.
func (l *Ledger) CreateBill(ctx context.Context, nb NewBill) (Billing, error) {
	var created Billing
	err := l.run(ctx, func(o *op) error {
		xact, err := o.st.GetTransaction(ctx, nb.XactID)
		if err != nil {
			return fmt.Errorf("failed to load xact %d: %w", nb.XactID, err)
		}
		created, err = o.createBill(ctx, nb, o.now)
		if err != nil {
			return err
		}
		orgID, err := o.xactOrg(ctx, xact.ID)
		if err != nil {
			return err
		}
		o.touch(xact.UserID, orgID)
		return o.checkOpenXact(ctx, xact.ID)
	})
	if err != nil {
		return Billing{}, err
	}
	return created, nil
}

func (o *op) createBill(ctx context.Context, nb NewBill, billingTS time.Time) (Billing, error) {
	o.l.logger.Info("system is charging",
		"amount", nb.Amount.String(),
		"btype", nb.BillingTypeID,
		"label", nb.BillingType,
		"xact_id", nb.XactID)

	note := nb.Note
	if note == "" {
		note = DefaultBillNote
	}
	label := nb.BillingType
	if label == "" {
		label = BillingTypeLabels[nb.BillingTypeID]
	}

	bill, err := o.st.CreateBilling(ctx, Billing{
		XactID:        nb.XactID,
		Amount:        nb.Amount,
		BillingTypeID: nb.BillingTypeID,
		BillingType:   label,
		Note:          note,
		BillingTS:     billingTS,
		PeriodStart:   nb.PeriodStart,
		PeriodEnd:     nb.PeriodEnd,
	})
	if err != nil {
		return Billing{}, fmt.Errorf("failed to create billing on xact %d: %w", nb.XactID, err)
	}

	btype := strconv.FormatInt(nb.BillingTypeID, 10)
	o.after(func() { observability.BillsCreated.WithLabelValues(btype).Inc() })
	return bill, nil
}

// =============================================================================
// VOID OR ZERO
// =============================================================================

// VoidOrZeroBillsOfType removes the effect of every billing of btypeID on a
// transaction. When negative balances are prohibited at contextOrg and the
// transaction has had no payment within the negative balance interval, the
// billings are adjusted to zero; otherwise they are voided.
func (l *Ledger) VoidOrZeroBillsOfType(ctx context.Context, xactID, contextOrg, btypeID int64, note string) error {
	return l.run(ctx, func(o *op) error {
		return o.voidOrZeroBillsOfType(ctx, xactID, contextOrg, btypeID, note)
	})
}

func (o *op) voidOrZeroBillsOfType(ctx context.Context, xactID, contextOrg, btypeID int64, note string) error {
	o.l.logger.Info("void/zero bills", "xact_id", xactID, "btype", btypeID)

	bills, err := o.st.FindBillings(ctx, BillingQuery{XactID: xactID, BillingTypeID: btypeID})
	if err != nil {
		return fmt.Errorf("failed to load billings for xact %d: %w", xactID, err)
	}
	if len(bills) == 0 {
		return nil
	}
	ids := make([]int64, len(bills))
	for i, b := range bills {
		ids[i] = b.ID
	}

	// The lost-item settings are consulted first.
	prohibitLost, err := o.settings.boolAt(ctx, SettingProhibitNegBalanceOnLost, contextOrg)
	if err != nil {
		return err
	}
	prohibitDefault, err := o.settings.boolAt(ctx, SettingProhibitNegBalanceDefault, contextOrg)
	if err != nil {
		return err
	}
	prohibit := prohibitLost || prohibitDefault

	interval, ok, err := o.settings.stringAt(ctx, SettingNegBalanceIntervalOnLost, contextOrg)
	if err != nil {
		return err
	}
	if !ok {
		interval, ok, err = o.settings.stringAt(ctx, SettingNegBalanceIntervalDefault, contextOrg)
		if err != nil {
			return err
		}
	}

	refundable := false
	if ok {
		refundable, err = o.xactHasPaymentWithin(ctx, xactID, interval)
		if err != nil {
			return err
		}
	}

	if prohibit && !refundable {
		_, err := o.adjustBillsToZero(ctx, ids, "System: ADJUSTED "+note)
		return err
	}
	return o.voidBills(ctx, ids, "System: VOIDED "+note)
}

// XactHasPaymentWithin reports whether the most recent payment other than
// an account adjustment was made within interval of now.
func (l *Ledger) XactHasPaymentWithin(ctx context.Context, xactID int64, interval string) (bool, error) {
	return l.newOp(ctx).xactHasPaymentWithin(ctx, xactID, interval)
}

func (o *op) xactHasPaymentWithin(ctx context.Context, xactID int64, interval string) (bool, error) {
	payments, err := o.st.FindPayments(ctx, PaymentQuery{
		XactID:      xactID,
		ExcludeType: PaymentTypeAccountAdjustment,
		Order:       OrderDesc,
		Limit:       1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to load payments for xact %d: %w", xactID, err)
	}
	if len(payments) == 0 {
		return false, nil
	}

	secs, err := date.IntervalToSeconds(interval)
	if err != nil {
		return false, err
	}
	windowStart := date.AddSeconds(o.now, -secs)
	return payments[0].PaymentTS.After(windowStart), nil
}

// =============================================================================
// ADJUST TO ZERO
// =============================================================================

// AdjustBillsToZero creates an account adjustment for the unadjusted part of
// each named billing. All billings must belong to one transaction. Billings
// already adjusted are left alone. The returned billings carry their
// reduced working amounts; the stored billing amounts are not changed, the
// adjustments are what bring the balance down.
func (l *Ledger) AdjustBillsToZero(ctx context.Context, billingIDs []int64, note string) ([]Billing, error) {
	var out []Billing
	err := l.run(ctx, func(o *op) error {
		var err error
		out, err = o.adjustBillsToZero(ctx, billingIDs, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *op) adjustBillsToZero(ctx context.Context, billingIDs []int64, note string) ([]Billing, error) {
	if err := o.requireRequestor(); err != nil {
		return nil, err
	}

	bills, err := o.st.FindBillings(ctx, BillingQuery{IDs: billingIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load billings: %w", err)
	}
	if len(bills) == 0 {
		return nil, nil
	}

	xactID := bills[0].XactID
	xact, err := o.st.GetTransaction(ctx, xactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load xact %d: %w", xactID, err)
	}

	maps, err := BillPaymentMapForXact(ctx, o.st, xactID)
	if err != nil {
		return nil, err
	}
	if len(maps) == 0 {
		return bills, nil
	}

	// What is still owed across the whole transaction after allocation.
	var xactTotal Money
	for _, m := range maps {
		xactTotal += m.Remaining()
	}

	index := make(map[int64]int, len(maps))
	for i, m := range maps {
		index[m.Bill.ID] = i
	}

	for i := range bills {
		bill := &bills[i]
		mi, ok := index[bill.ID]
		if !ok {
			continue
		}
		m := &maps[mi]

		// No double adjustments.
		amount := m.BillAmount - m.AdjustmentAmount
		if !amount.IsPositive() {
			continue
		}
		amount = amount.Min(xactTotal)
		if !amount.IsPositive() {
			continue
		}

		adj, err := o.st.CreateAccountAdjustment(ctx, AccountAdjustment{
			XactID:          xactID,
			BillingID:       bill.ID,
			Amount:          amount,
			AcceptingUserID: o.requestor,
			PaymentTS:       o.now,
			Note:            note,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to adjust billing %d: %w", bill.ID, err)
		}

		m.AdjustmentAmount += amount
		m.Adjustments = append(m.Adjustments, adj)
		bill.Amount -= amount
		xactTotal -= amount

		cents := float64(amount.Cents())
		o.after(func() {
			observability.AdjustmentsCreated.Inc()
			observability.AdjustedCents.Add(cents)
		})
	}

	if err := o.checkOpenXact(ctx, xactID); err != nil {
		return nil, err
	}
	orgID, err := o.xactOrg(ctx, xactID)
	if err != nil {
		return nil, err
	}
	o.touch(xact.UserID, orgID)
	return bills, nil
}

// =============================================================================
// READS
// =============================================================================

// BillPaymentMap allocates the payments of a transaction to its billings.
func (l *Ledger) BillPaymentMap(ctx context.Context, xactID int64) ([]BillPaymentMap, error) {
	if _, err := l.store.GetTransaction(ctx, xactID); err != nil {
		return nil, fmt.Errorf("failed to load xact %d: %w", xactID, err)
	}
	return BillPaymentMapForXact(ctx, l.store, xactID)
}

// TransactionSummary returns the balance view of a transaction.
func (l *Ledger) TransactionSummary(ctx context.Context, xactID int64) (TransactionSummary, error) {
	return l.store.GetTransactionSummary(ctx, xactID)
}
