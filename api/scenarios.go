/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	circulation billing data. Each scenario creates an org tree, operating
	calendar and settings, then the circulations and bills that demonstrate
	one part of the engine.

AVAILABLE SCENARIOS:

	overdue-daily:      One overdue loan accruing a daily fine
	weekend-closed:     Grace period stretched over a closed weekend
	max-fines:          Fines capped at max_fine with a standing penalty
	lost-item-adjust:   Partially paid lost item adjusted to zero

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create consortium and branch org units with settings
 3. Save hours of operation and closed dates
 4. Create circulations, transactions, bills and payments
 5. Fines are not generated: run POST /api/fines/run to see them accrue

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "weekend-closed"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Fine, bill and penalty endpoints
  - billing/fines.go: Fine generation rules the scenarios exercise
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/circ-billing/billing"
)

const (
	scenarioConsortium int64 = 1
	scenarioBranch     int64 = 2
	scenarioPatron     int64 = 1001
	scenarioStaff      int64 = 1
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "overdue-daily",
		Name:        "Overdue Daily",
		Description: "A book five days overdue at 0.25/day with a one day grace period",
		Category:    "fines",
	},
	{
		ID:          "weekend-closed",
		Name:        "Weekend Closed",
		Description: "Branch closed Saturday and Sunday; grace period extends over the weekend and no fines are charged on closed days",
		Category:    "fines",
	},
	{
		ID:          "max-fines",
		Name:        "Max Fines",
		Description: "Long overdue DVD capped at 3.00 with truncation; patron crosses the 2.00 penalty threshold",
		Category:    "penalties",
	},
	{
		ID:          "lost-item-adjust",
		Name:        "Lost Item Adjust",
		Description: "Lost item and processing fee, partially paid in cash, ready to be adjusted to zero",
		Category:    "billing",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.scenarioLoader(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenarioLoader(id string) (func(context.Context) error, bool) {
	switch id {
	case "overdue-daily":
		return h.loadOverdueDailyScenario, true
	case "weekend-closed":
		return h.loadWeekendClosedScenario, true
	case "max-fines":
		return h.loadMaxFinesScenario, true
	case "lost-item-adjust":
		return h.loadLostItemAdjustScenario, true
	}
	return nil, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedOrgs creates the two-level org tree every scenario uses.
func (h *Handler) seedOrgs(ctx context.Context, hours billing.HoursOfOperation) error {
	root := scenarioConsortium
	if err := h.Store.SaveOrg(ctx, scenarioConsortium, nil, "Consortium"); err != nil {
		return err
	}
	if err := h.Store.SaveOrg(ctx, scenarioBranch, &root, "Main Branch"); err != nil {
		return err
	}
	if err := h.Store.SetSetting(ctx, scenarioConsortium, billing.SettingTimezone, "UTC"); err != nil {
		return err
	}
	hours.OrgID = scenarioBranch
	return h.Store.SaveHours(ctx, hours)
}

// today returns midnight UTC of the handler clock's day.
func (h *Handler) today() time.Time {
	return h.now().UTC().Truncate(24 * time.Hour)
}

func strPtr(s string) *string {
	return &s
}

func (h *Handler) loadOverdueDailyScenario(ctx context.Context) error {
	if err := h.seedOrgs(ctx, billing.AlwaysOpen(scenarioBranch)); err != nil {
		return err
	}

	due := h.today().AddDate(0, 0, -5).Add(17 * time.Hour)
	_, err := h.Store.CreateCirculation(ctx, billing.Circulation{
		UserID:        scenarioPatron,
		TargetCopy:    5001,
		CircLib:       scenarioBranch,
		DueDate:       due,
		RecurringFine: billing.MustParseMoney("0.25"),
		FineInterval:  "1 day",
		MaxFine:       billing.MustParseMoney("10.00"),
		GracePeriod:   strPtr("1 day"),
	}, due.AddDate(0, 0, -21))
	return err
}

func (h *Handler) loadWeekendClosedScenario(ctx context.Context) error {
	hours := billing.AlwaysOpen(scenarioBranch)
	closed := billing.DayHours{Open: "00:00:00", Close: "00:00:00"}
	hours.Days[billing.DayIndex(time.Saturday)] = closed
	hours.Days[billing.DayIndex(time.Sunday)] = closed
	if err := h.seedOrgs(ctx, hours); err != nil {
		return err
	}
	if err := h.Store.SetSetting(ctx, scenarioConsortium, billing.SettingGraceExtend, true); err != nil {
		return err
	}
	if err := h.Store.SetSetting(ctx, scenarioConsortium, billing.SettingChargeWhenClosed, false); err != nil {
		return err
	}

	// Due the most recent Thursday at least a week back, so the three day
	// grace period runs into the weekend.
	due := h.today().AddDate(0, 0, -7)
	for due.Weekday() != time.Thursday {
		due = due.AddDate(0, 0, -1)
	}
	due = due.Add(17 * time.Hour)

	_, err := h.Store.CreateCirculation(ctx, billing.Circulation{
		UserID:        scenarioPatron,
		TargetCopy:    5002,
		CircLib:       scenarioBranch,
		DueDate:       due,
		RecurringFine: billing.MustParseMoney("0.10"),
		FineInterval:  "1 day",
		MaxFine:       billing.MustParseMoney("5.00"),
		GracePeriod:   strPtr("3 days"),
	}, due.AddDate(0, 0, -14))
	return err
}

func (h *Handler) loadMaxFinesScenario(ctx context.Context) error {
	if err := h.seedOrgs(ctx, billing.AlwaysOpen(scenarioBranch)); err != nil {
		return err
	}
	if err := h.Store.SetSetting(ctx, scenarioConsortium, billing.SettingTruncateToMaxFine, true); err != nil {
		return err
	}
	if err := h.Store.SetSetting(ctx, scenarioConsortium, billing.SettingPenaltyMaxFines, "2.00"); err != nil {
		return err
	}

	due := h.today().AddDate(0, 0, -30).Add(17 * time.Hour)
	_, err := h.Store.CreateCirculation(ctx, billing.Circulation{
		UserID:        scenarioPatron,
		TargetCopy:    5003,
		CircLib:       scenarioBranch,
		DueDate:       due,
		RecurringFine: billing.MustParseMoney("1.00"),
		FineInterval:  "1 day",
		MaxFine:       billing.MustParseMoney("3.00"),
	}, due.AddDate(0, 0, -7))
	return err
}

func (h *Handler) loadLostItemAdjustScenario(ctx context.Context) error {
	if err := h.seedOrgs(ctx, billing.AlwaysOpen(scenarioBranch)); err != nil {
		return err
	}

	start := h.today().AddDate(0, 0, -10)
	xact, err := h.Store.CreateTransaction(ctx, billing.Transaction{
		UserID:    scenarioPatron,
		XactType:  billing.XactGrocery,
		XactStart: start,
	}, scenarioBranch)
	if err != nil {
		return err
	}

	bills := []billing.Billing{
		{Amount: billing.MustParseMoney("25.00"), BillingTypeID: billing.BtypeLostMaterials},
		{Amount: billing.MustParseMoney("5.00"), BillingTypeID: billing.BtypeLostMaterialsProcessingFee},
	}
	for i, b := range bills {
		b.XactID = xact.ID
		b.BillingType = billing.BillingTypeLabels[b.BillingTypeID]
		b.BillingTS = start.Add(time.Duration(i) * time.Minute)
		b.Note = billing.DefaultBillNote
		if _, err := h.Store.CreateBilling(ctx, b); err != nil {
			return err
		}
	}

	staff := scenarioStaff
	_, err = h.Store.CreatePayment(ctx, billing.Payment{
		XactID:          xact.ID,
		Amount:          billing.MustParseMoney("10.00"),
		PaymentTS:       start.AddDate(0, 0, 2),
		PaymentType:     billing.PaymentTypeCash,
		AcceptingUserID: &staff,
	})
	return err
}
