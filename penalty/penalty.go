/*
Package penalty maintains balance-driven standing penalties on patrons.

PURPOSE:
  A patron who owes too much is blocked from further circulation by a
  standing penalty. The billing ledger calls CalculatePenalties once per
  (user, org) pair after every change that can move a balance; this package
  decides whether PATRON_EXCEEDS_FINES should be present.

RULE:
  threshold = setting circ.penalty.max_fines at org (inherited)
  owed      = the user's balance owed across all open transactions

  threshold unset      -> clear any active penalty at org
  owed >= threshold    -> ensure one active penalty at org
  owed <  threshold    -> clear any active penalty at org

  Clearing stamps StopDate; penalty rows are never deleted.

SEE ALSO:
  - billing/ledger.go: Calls CalculatePenalties after each atomic unit
  - billing/store/memory.go, store/sqlite/sqlite.go: Store implementations
*/
package penalty

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/observability"
)

// PatronExceedsFines is the standing penalty applied for excessive balances.
const PatronExceedsFines = "PATRON_EXCEEDS_FINES"

// StandingPenalty is a block placed on a user at an org.
type StandingPenalty struct {
	ID       int64
	UserID   int64
	OrgID    int64
	Name     string
	Note     string
	SetDate  time.Time
	StopDate *time.Time
}

// Active reports whether the penalty has not been cleared.
func (p StandingPenalty) Active() bool { return p.StopDate == nil }

// Store persists standing penalties and exposes user balances.
type Store interface {
	// UserBalanceOwed totals balance owed over the user's open transactions.
	UserBalanceOwed(ctx context.Context, userID int64) (billing.Money, error)

	// FindActivePenalties returns uncleared penalties named name.
	FindActivePenalties(ctx context.Context, userID, orgID int64, name string) ([]StandingPenalty, error)

	CreatePenalty(ctx context.Context, p StandingPenalty) (StandingPenalty, error)

	// ClearPenalty sets the penalty's StopDate.
	ClearPenalty(ctx context.Context, id int64, at time.Time) error
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Calculator implements billing.PenaltyCalculator.
type Calculator struct {
	store    Store
	settings billing.Settings
	logger   *slog.Logger
	now      func() time.Time
}

var _ billing.PenaltyCalculator = (*Calculator)(nil)

// Option configures a Calculator.
type Option func(*Calculator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Calculator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCalculator(store Store, settings billing.Settings, opts ...Option) *Calculator {
	c := &Calculator{
		store:    store,
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculatePenalties applies or clears PATRON_EXCEEDS_FINES for the user at
// orgID.
func (c *Calculator) CalculatePenalties(ctx context.Context, userID, orgID int64) error {
	threshold, ok, err := c.threshold(ctx, orgID)
	if err != nil {
		return err
	}

	active, err := c.store.FindActivePenalties(ctx, userID, orgID, PatronExceedsFines)
	if err != nil {
		return fmt.Errorf("failed to load penalties for user %d: %w", userID, err)
	}

	exceeds := false
	var owed billing.Money
	if ok {
		owed, err = c.store.UserBalanceOwed(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load balance for user %d: %w", userID, err)
		}
		exceeds = owed >= threshold
	}

	switch {
	case exceeds && len(active) == 0:
		_, err := c.store.CreatePenalty(ctx, StandingPenalty{
			UserID:  userID,
			OrgID:   orgID,
			Name:    PatronExceedsFines,
			Note:    fmt.Sprintf("balance %s >= %s", owed, threshold),
			SetDate: c.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to apply penalty to user %d: %w", userID, err)
		}
		c.logger.Info("standing penalty applied",
			"user_id", userID, "org_id", orgID, "penalty", PatronExceedsFines, "owed", owed.String())
		observability.PenaltyChanges.WithLabelValues("applied").Inc()

	case !exceeds && len(active) > 0:
		at := c.now()
		for _, p := range active {
			if err := c.store.ClearPenalty(ctx, p.ID, at); err != nil {
				return fmt.Errorf("failed to clear penalty %d: %w", p.ID, err)
			}
		}
		c.logger.Info("standing penalty cleared",
			"user_id", userID, "org_id", orgID, "penalty", PatronExceedsFines)
		observability.PenaltyChanges.WithLabelValues("cleared").Inc()
	}
	return nil
}

func (c *Calculator) threshold(ctx context.Context, orgID int64) (billing.Money, bool, error) {
	if c.settings == nil {
		return 0, false, nil
	}
	raw, err := c.settings.ValueAtOrg(ctx, billing.SettingPenaltyMaxFines, orgID)
	if err != nil {
		return 0, false, err
	}
	if billing.SettingIsNull(raw) {
		return 0, false, nil
	}
	var m billing.Money
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false, fmt.Errorf("invalid %s at org %d: %w", billing.SettingPenaltyMaxFines, orgID, err)
	}
	return m, true, nil
}
