// Package store provides an in-memory billing.TxStore for tests and dev.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/penalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Org is one node of the org unit tree used for setting inheritance.
type Org struct {
	ID       int64
	ParentID *int64
	Name     string
}

type settingKey struct {
	name  string
	orgID int64
}

type data struct {
	xacts       map[int64]billing.Transaction
	locations   map[int64]int64
	circs       map[int64]billing.Circulation
	billings    map[int64]billing.Billing
	payments    map[int64]billing.Payment
	hours       map[int64]billing.HoursOfOperation
	closedDates []billing.ClosedDate
	penalties   map[int64]penalty.StandingPenalty
	nextXact    int64
	nextBilling int64
	nextPayment int64
	nextClosed  int64
	nextPenalty int64
}

func newData() *data {
	return &data{
		xacts:     make(map[int64]billing.Transaction),
		locations: make(map[int64]int64),
		circs:     make(map[int64]billing.Circulation),
		billings:  make(map[int64]billing.Billing),
		payments:  make(map[int64]billing.Payment),
		hours:     make(map[int64]billing.HoursOfOperation),
		penalties: make(map[int64]penalty.StandingPenalty),
	}
}

// clone deep-copies the maps. Records are values, so copying them is enough.
func (d *data) clone() *data {
	c := newData()
	for k, v := range d.xacts {
		c.xacts[k] = v
	}
	for k, v := range d.locations {
		c.locations[k] = v
	}
	for k, v := range d.circs {
		c.circs[k] = v
	}
	for k, v := range d.billings {
		c.billings[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.hours {
		c.hours[k] = v
	}
	for k, v := range d.penalties {
		c.penalties[k] = v
	}
	c.closedDates = append([]billing.ClosedDate(nil), d.closedDates...)
	c.nextXact = d.nextXact
	c.nextBilling = d.nextBilling
	c.nextPayment = d.nextPayment
	c.nextClosed = d.nextClosed
	c.nextPenalty = d.nextPenalty
	return c
}

// Memory is a billing.TxStore, billing.Settings, billing.CirculationFinder
// and penalty.Store backed by maps. Units of work are serialized by one
// mutex and rolled back from a snapshot on error. Org settings sit under
// their own lock so they can be read from inside a unit.
type Memory struct {
	mu sync.RWMutex
	d  *data

	cfgMu    sync.RWMutex
	orgs     map[int64]Org
	settings map[settingKey]json.RawMessage
}

var (
	_ billing.TxStore           = (*Memory)(nil)
	_ billing.Settings          = (*Memory)(nil)
	_ billing.CirculationFinder = (*Memory)(nil)
	_ penalty.Store             = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		d:        newData(),
		orgs:     make(map[int64]Org),
		settings: make(map[settingKey]json.RawMessage),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(&view{d: m.d}); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *Memory) read() *view {
	return &view{d: m.d}
}

// =============================================================================
// SEEDING
// =============================================================================

// AddOrg registers an org unit. parentID is nil for the root.
func (m *Memory) AddOrg(id int64, parentID *int64, name string) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.orgs[id] = Org{ID: id, ParentID: parentID, Name: name}
}

// SetSetting stores value (JSON-encoded) for name at orgID.
func (m *Memory) SetSetting(orgID int64, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", name, err)
	}
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.settings[settingKey{name: name, orgID: orgID}] = raw
	return nil
}

// AddTransaction stores a transaction billed at billingLocation. A zero ID
// is assigned.
func (m *Memory) AddTransaction(xact billing.Transaction, billingLocation int64) billing.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if xact.ID == 0 {
		m.d.nextXact++
		xact.ID = m.d.nextXact
	} else if xact.ID > m.d.nextXact {
		m.d.nextXact = xact.ID
	}
	if xact.XactType == "" {
		xact.XactType = billing.XactGrocery
	}
	m.d.xacts[xact.ID] = xact
	m.d.locations[xact.ID] = billingLocation
	return xact
}

// AddCirculation stores a circulation and the transaction it shares an ID
// with. A zero ID is assigned.
func (m *Memory) AddCirculation(circ billing.Circulation, start time.Time) billing.Circulation {
	xact := m.AddTransaction(billing.Transaction{
		ID:        circ.ID,
		UserID:    circ.UserID,
		XactType:  billing.XactCirculation,
		XactStart: start,
	}, circ.CircLib)

	m.mu.Lock()
	defer m.mu.Unlock()
	circ.ID = xact.ID
	m.d.circs[circ.ID] = circ
	return circ
}

// AddBilling stores a billing as-is and returns it with its ID.
func (m *Memory) AddBilling(b billing.Billing) billing.Billing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().createBilling(b)
}

// AddPayment stores an ordinary payment and returns it with its ID.
func (m *Memory) AddPayment(p billing.Payment) billing.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.nextPayment++
	p.ID = m.d.nextPayment
	if p.PaymentType == "" {
		p.PaymentType = billing.PaymentTypeCash
	}
	m.d.payments[p.ID] = p
	return p
}

// AddAccountAdjustment stores an adjustment outside any unit of work.
func (m *Memory) AddAccountAdjustment(adj billing.AccountAdjustment) billing.AccountAdjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().createAccountAdjustment(adj)
}

func (m *Memory) SetHours(h billing.HoursOfOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.hours[h.OrgID] = h
}

func (m *Memory) AddClosedDate(c billing.ClosedDate) billing.ClosedDate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.nextClosed++
	c.ID = m.d.nextClosed
	m.d.closedDates = append(m.d.closedDates, c)
	return c
}

// =============================================================================
// billing.Store (locked wrappers)
// =============================================================================

func (m *Memory) GetTransaction(ctx context.Context, id int64) (billing.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetTransaction(ctx, id)
}

func (m *Memory) UpdateTransaction(ctx context.Context, xact billing.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateTransaction(ctx, xact)
}

func (m *Memory) GetTransactionSummary(ctx context.Context, id int64) (billing.TransactionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetTransactionSummary(ctx, id)
}

func (m *Memory) GetCirculation(ctx context.Context, id int64) (billing.Circulation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetCirculation(ctx, id)
}

func (m *Memory) UpdateCirculation(ctx context.Context, circ billing.Circulation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateCirculation(ctx, circ)
}

func (m *Memory) FindBillings(ctx context.Context, q billing.BillingQuery) ([]billing.Billing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindBillings(ctx, q)
}

func (m *Memory) CreateBilling(ctx context.Context, b billing.Billing) (billing.Billing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateBilling(ctx, b)
}

func (m *Memory) UpdateBilling(ctx context.Context, b billing.Billing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateBilling(ctx, b)
}

func (m *Memory) FindPayments(ctx context.Context, q billing.PaymentQuery) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindPayments(ctx, q)
}

func (m *Memory) CreateAccountAdjustment(ctx context.Context, adj billing.AccountAdjustment) (billing.AccountAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateAccountAdjustment(ctx, adj)
}

func (m *Memory) GetHoursOfOperation(ctx context.Context, orgID int64) (billing.HoursOfOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetHoursOfOperation(ctx, orgID)
}

func (m *Memory) FindClosedDates(ctx context.Context, orgID int64, at time.Time) ([]billing.ClosedDate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindClosedDates(ctx, orgID, at)
}

// =============================================================================
// SETTINGS, CIRCULATIONS, PENALTIES
// =============================================================================

// ValueAtOrg walks from orgID up the org tree and returns the first value
// set for name, or nil.
func (m *Memory) ValueAtOrg(_ context.Context, name string, orgID int64) (json.RawMessage, error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()

	seen := make(map[int64]bool)
	for id := orgID; !seen[id]; {
		seen[id] = true
		if v, ok := m.settings[settingKey{name: name, orgID: id}]; ok {
			return v, nil
		}
		org, ok := m.orgs[id]
		if !ok || org.ParentID == nil {
			break
		}
		id = *org.ParentID
	}
	return nil, nil
}

// FindOverdueCirculations returns circulations due before asOf with an open
// transaction and no stop-fines marker, by ID.
func (m *Memory) FindOverdueCirculations(_ context.Context, asOf time.Time) ([]billing.Circulation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []billing.Circulation
	for _, c := range m.d.circs {
		if c.Finalized() || !c.DueDate.Before(asOf) {
			continue
		}
		if x, ok := m.d.xacts[c.ID]; ok && !x.IsOpen() {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UserBalanceOwed(ctx context.Context, userID int64) (billing.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.read()
	var total billing.Money
	for id, x := range m.d.xacts {
		if x.UserID != userID || !x.IsOpen() {
			continue
		}
		s, err := v.GetTransactionSummary(ctx, id)
		if err != nil {
			return 0, err
		}
		total += s.BalanceOwed
	}
	return total, nil
}

func (m *Memory) FindActivePenalties(_ context.Context, userID, orgID int64, name string) ([]penalty.StandingPenalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []penalty.StandingPenalty
	for _, p := range m.d.penalties {
		if p.UserID == userID && p.OrgID == orgID && p.Name == name && p.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreatePenalty(_ context.Context, p penalty.StandingPenalty) (penalty.StandingPenalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.nextPenalty++
	p.ID = m.d.nextPenalty
	m.d.penalties[p.ID] = p
	return p, nil
}

func (m *Memory) ClearPenalty(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.d.penalties[id]
	if !ok {
		return billing.NewNotFound("standing penalty", id)
	}
	p.StopDate = &at
	m.d.penalties[id] = p
	return nil
}

// Penalties returns every penalty row for a user, cleared ones included.
func (m *Memory) Penalties(userID int64) []penalty.StandingPenalty {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []penalty.StandingPenalty
	for _, p := range m.d.penalties {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// VIEW - unlocked access, used inside WithTx and by the locked wrappers
// =============================================================================

type view struct {
	d *data
}

func (v *view) GetTransaction(_ context.Context, id int64) (billing.Transaction, error) {
	x, ok := v.d.xacts[id]
	if !ok {
		return billing.Transaction{}, billing.NewNotFound("transaction", id)
	}
	return x, nil
}

func (v *view) UpdateTransaction(_ context.Context, xact billing.Transaction) error {
	if _, ok := v.d.xacts[xact.ID]; !ok {
		return billing.NewNotFound("transaction", xact.ID)
	}
	v.d.xacts[xact.ID] = xact
	return nil
}

func (v *view) GetTransactionSummary(_ context.Context, id int64) (billing.TransactionSummary, error) {
	x, ok := v.d.xacts[id]
	if !ok {
		return billing.TransactionSummary{}, billing.NewNotFound("transaction", id)
	}

	s := billing.TransactionSummary{XactID: id, UserID: x.UserID, BillingLocation: v.d.locations[id]}
	if c, ok := v.d.circs[id]; ok {
		s.BillingLocation = c.CircLib
	}
	for _, b := range v.d.billings {
		if b.XactID == id && !b.Voided {
			s.TotalOwed += b.Amount
		}
	}
	for _, p := range v.d.payments {
		if p.XactID == id && !p.Voided {
			s.TotalPaid += p.Amount
		}
	}
	s.BalanceOwed = s.TotalOwed - s.TotalPaid
	return s, nil
}

func (v *view) GetCirculation(_ context.Context, id int64) (billing.Circulation, error) {
	c, ok := v.d.circs[id]
	if !ok {
		return billing.Circulation{}, billing.NewNotFound("circulation", id)
	}
	return c, nil
}

func (v *view) UpdateCirculation(_ context.Context, circ billing.Circulation) error {
	if _, ok := v.d.circs[circ.ID]; !ok {
		return billing.NewNotFound("circulation", circ.ID)
	}
	v.d.circs[circ.ID] = circ
	return nil
}

func (v *view) FindBillings(_ context.Context, q billing.BillingQuery) ([]billing.Billing, error) {
	var ids map[int64]bool
	if len(q.IDs) > 0 {
		ids = make(map[int64]bool, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = true
		}
	}

	var out []billing.Billing
	for _, b := range v.d.billings {
		if ids != nil && !ids[b.ID] {
			continue
		}
		if q.XactID != 0 && b.XactID != q.XactID {
			continue
		}
		if q.BillingTypeID != 0 && b.BillingTypeID != q.BillingTypeID {
			continue
		}
		if q.ExcludeVoided && b.Voided {
			continue
		}
		b.Adjustments = nil
		if q.FleshAdjustments {
			b.Adjustments = v.adjustmentsFor(b.ID)
		}
		out = append(out, b)
	}

	sortBillings(out, q.Order)
	return out, nil
}

func (v *view) adjustmentsFor(billingID int64) []billing.AccountAdjustment {
	var out []billing.AccountAdjustment
	for _, p := range v.d.payments {
		if p.IsAdjustment() && p.Adjustment.BillingID == billingID {
			adj := *p.Adjustment
			adj.Voided = p.Voided
			out = append(out, adj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortBillings(bills []billing.Billing, order billing.SortOrder) {
	sort.Slice(bills, func(i, j int) bool {
		a, b := bills[i], bills[j]
		if order != billing.OrderNone && !a.BillingTS.Equal(b.BillingTS) {
			if order == billing.OrderDesc {
				return a.BillingTS.After(b.BillingTS)
			}
			return a.BillingTS.Before(b.BillingTS)
		}
		if order == billing.OrderDesc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
}

func (v *view) CreateBilling(_ context.Context, b billing.Billing) (billing.Billing, error) {
	if _, ok := v.d.xacts[b.XactID]; !ok {
		return billing.Billing{}, billing.NewNotFound("transaction", b.XactID)
	}
	return v.createBilling(b), nil
}

func (v *view) createBilling(b billing.Billing) billing.Billing {
	v.d.nextBilling++
	b.ID = v.d.nextBilling
	b.Adjustments = nil
	v.d.billings[b.ID] = b
	return b
}

func (v *view) UpdateBilling(_ context.Context, b billing.Billing) error {
	if _, ok := v.d.billings[b.ID]; !ok {
		return billing.NewNotFound("billing", b.ID)
	}
	b.Adjustments = nil
	v.d.billings[b.ID] = b
	return nil
}

func (v *view) FindPayments(_ context.Context, q billing.PaymentQuery) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range v.d.payments {
		if q.XactID != 0 && p.XactID != q.XactID {
			continue
		}
		if q.ExcludeVoided && p.Voided {
			continue
		}
		if q.ExcludeType != "" && p.PaymentType == q.ExcludeType {
			continue
		}
		if p.Adjustment != nil {
			adj := *p.Adjustment
			p.Adjustment = &adj
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if q.Order != billing.OrderNone && !a.PaymentTS.Equal(b.PaymentTS) {
			if q.Order == billing.OrderDesc {
				return a.PaymentTS.After(b.PaymentTS)
			}
			return a.PaymentTS.Before(b.PaymentTS)
		}
		if q.Order == billing.OrderDesc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (v *view) CreateAccountAdjustment(_ context.Context, adj billing.AccountAdjustment) (billing.AccountAdjustment, error) {
	if _, ok := v.d.billings[adj.BillingID]; !ok {
		return billing.AccountAdjustment{}, billing.NewNotFound("billing", adj.BillingID)
	}
	return v.createAccountAdjustment(adj), nil
}

func (v *view) createAccountAdjustment(adj billing.AccountAdjustment) billing.AccountAdjustment {
	v.d.nextPayment++
	adj.ID = v.d.nextPayment

	accepting := adj.AcceptingUserID
	stored := adj
	v.d.payments[adj.ID] = billing.Payment{
		ID:              adj.ID,
		XactID:          adj.XactID,
		Amount:          adj.Amount,
		PaymentTS:       adj.PaymentTS,
		PaymentType:     billing.PaymentTypeAccountAdjustment,
		Voided:          adj.Voided,
		Note:            adj.Note,
		AcceptingUserID: &accepting,
		Adjustment:      &stored,
	}
	return adj
}

func (v *view) GetHoursOfOperation(_ context.Context, orgID int64) (billing.HoursOfOperation, error) {
	h, ok := v.d.hours[orgID]
	if !ok {
		return billing.HoursOfOperation{}, billing.NewNotFound("hours of operation", orgID)
	}
	return h, nil
}

func (v *view) FindClosedDates(_ context.Context, orgID int64, at time.Time) ([]billing.ClosedDate, error) {
	var out []billing.ClosedDate
	for _, c := range v.d.closedDates {
		if c.OrgID == orgID && c.Covers(at) {
			out = append(out, c)
		}
	}
	return out, nil
}
