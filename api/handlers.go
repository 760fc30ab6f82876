/*
handlers.go - HTTP API handlers for the circulation billing engine

PURPOSE:
  Exposes the billing engine via REST API for the surrounding service layer.
  Handles HTTP request/response and JSON serialization, and delegates every
  balance-affecting decision to billing.Ledger.

ENDPOINTS:
  Bills:
    POST   /api/bills                          Create a system billing
    POST   /api/bills/void                     Void billings
    POST   /api/bills/adjust-to-zero           Adjust billings to zero

  Transactions:
    GET    /api/xacts/{id}/summary             Money summary
    GET    /api/xacts/{id}/bill-payment-map    Payment allocation per billing
    GET    /api/xacts/{id}/org                 Billing location
    GET    /api/xacts/{id}/payment-within      Recent payment check (?interval=)
    POST   /api/xacts/{id}/check-open          Re-evaluate open/closed state
    POST   /api/xacts/{id}/void-or-zero        Void or adjust bills of one type

  Fines:
    POST   /api/circulations/{id}/fines        Generate fines for a circulation
    POST   /api/fines/xact                     Generate fines from explicit fields
    POST   /api/grace/extend                   Extend a grace period over closures
    GET    /api/fines/runs                     Scheduler run history
    POST   /api/fines/run                      Trigger a scheduler run

  Penalties:
    GET    /api/users/{id}/penalties           Standing penalties
    POST   /api/users/{id}/penalties/calculate Recompute (?org=)

REQUESTOR:
  Void and adjust operations act on behalf of a staff user named by the
  X-Requestor-ID header. Without it they fail with 400.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid intervals, missing requestor or fields
  - 404: Billing, transaction or circulation not found
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/date"
	"github.com/warp/circ-billing/penalty"
	"github.com/warp/circ-billing/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Ledger    *billing.Ledger
	Penalties *penalty.Calculator
	Scheduler *FineScheduler
	Logger    *slog.Logger

	now func() time.Time

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires the ledger, penalty calculator and fine scheduler over
// store. A nil clock means time.Now.
func NewHandler(store *sqlite.Store, logger *slog.Logger, clock func() time.Time) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}

	calc := penalty.NewCalculator(store, store,
		penalty.WithLogger(logger),
		penalty.WithClock(clock),
	)
	ledger := billing.NewLedger(store, store,
		billing.WithLogger(logger),
		billing.WithClock(clock),
		billing.WithPenalties(calc),
	)
	sched := NewFineScheduler(store, ledger, logger)
	sched.Now = clock

	return &Handler{
		Store:     store,
		Ledger:    ledger,
		Penalties: calc,
		Scheduler: sched,
		Logger:    logger,
		now:       clock,
	}
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// CreateBill creates a billing and re-checks the transaction.
// POST /api/bills
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req CreateBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.XactID == 0 {
		writeError(w, http.StatusBadRequest, "xact_id is required", nil)
		return
	}
	if req.BillingTypeID == 0 {
		writeError(w, http.StatusBadRequest, "btype is required", nil)
		return
	}

	nb := billing.NewBill{
		Amount:        req.Amount,
		BillingTypeID: req.BillingTypeID,
		BillingType:   req.BillingType,
		XactID:        req.XactID,
		Note:          req.Note,
	}
	if nb.BillingType == "" {
		nb.BillingType = billing.BillingTypeLabels[req.BillingTypeID]
	}
	var err error
	if nb.PeriodStart, err = parseOptionalTime(req.PeriodStart); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_start", err)
		return
	}
	if nb.PeriodEnd, err = parseOptionalTime(req.PeriodEnd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_end", err)
		return
	}

	created, err := h.Ledger.CreateBill(r.Context(), nb)
	if err != nil {
		writeDomainError(w, "Failed to create bill", err)
		return
	}

	writeJSON(w, http.StatusCreated, toBillingDTO(created))
}

// VoidBills voids billings by id.
// POST /api/bills/void
func (h *Handler) VoidBills(w http.ResponseWriter, r *http.Request) {
	var req VoidBillsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.BillingIDs) == 0 {
		writeError(w, http.StatusBadRequest, "billing_ids is required", nil)
		return
	}

	if err := h.Ledger.VoidBills(r.Context(), req.BillingIDs, req.Note); err != nil {
		writeDomainError(w, "Failed to void bills", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "voided", "billing_ids": req.BillingIDs})
}

// AdjustBillsToZero adjusts billings down to zero.
// POST /api/bills/adjust-to-zero
func (h *Handler) AdjustBillsToZero(w http.ResponseWriter, r *http.Request) {
	var req AdjustToZeroRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.BillingIDs) == 0 {
		writeError(w, http.StatusBadRequest, "billing_ids is required", nil)
		return
	}

	bills, err := h.Ledger.AdjustBillsToZero(r.Context(), req.BillingIDs, req.Note)
	if err != nil {
		writeDomainError(w, "Failed to adjust bills", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"bills": toBillingDTOs(bills)})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetSummary returns the money summary of a transaction.
// GET /api/xacts/{id}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	summary, err := h.Ledger.TransactionSummary(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get summary", err)
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetBillPaymentMap returns how payments settled each billing.
// GET /api/xacts/{id}/bill-payment-map
func (h *Handler) GetBillPaymentMap(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	maps, err := h.Ledger.BillPaymentMap(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to build bill payment map", err)
		return
	}

	writeJSON(w, http.StatusOK, toBillPaymentMapDTOs(maps))
}

// GetXactOrg returns the transaction's billing location.
// GET /api/xacts/{id}/org
func (h *Handler) GetXactOrg(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	org, err := h.Ledger.XactOrg(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to resolve org", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"xact_id": id, "org_unit": org})
}

// GetPaymentWithin reports whether a payment landed within ?interval=.
// GET /api/xacts/{id}/payment-within
func (h *Handler) GetPaymentWithin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		writeError(w, http.StatusBadRequest, "interval is required", nil)
		return
	}

	within, err := h.Ledger.XactHasPaymentWithin(r.Context(), id, interval)
	if err != nil {
		writeDomainError(w, "Failed to check payments", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"xact_id": id, "interval": interval, "has_payment": within})
}

// CheckOpenXact re-evaluates whether the transaction is open.
// POST /api/xacts/{id}/check-open
func (h *Handler) CheckOpenXact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.Ledger.CheckOpenXact(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to check transaction", err)
		return
	}

	summary, err := h.Ledger.TransactionSummary(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get summary", err)
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// VoidOrZeroBillsOfType voids or adjusts every billing of one type.
// POST /api/xacts/{id}/void-or-zero
func (h *Handler) VoidOrZeroBillsOfType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req VoidOrZeroRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BillingTypeID == 0 {
		writeError(w, http.StatusBadRequest, "btype is required", nil)
		return
	}

	if err := h.Ledger.VoidOrZeroBillsOfType(r.Context(), id, req.ContextOrg, req.BillingTypeID, req.Note); err != nil {
		writeDomainError(w, "Failed to void or zero bills", err)
		return
	}

	summary, err := h.Ledger.TransactionSummary(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get summary", err)
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// =============================================================================
// FINE HANDLERS
// =============================================================================

// GenerateCircFines generates pending fines for a circulation.
// POST /api/circulations/{id}/fines
func (h *Handler) GenerateCircFines(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := h.Ledger.GenerateFinesForCirc(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to generate fines", err)
		return
	}

	writeJSON(w, http.StatusOK, toFineResultDTO(res))
}

// GenerateXactFines generates fines from explicitly supplied fields.
// POST /api/fines/xact
func (h *Handler) GenerateXactFines(w http.ResponseWriter, r *http.Request) {
	var req GenerateFinesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	due, err := date.ParseDatetime(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	res, err := h.Ledger.GenerateFinesForXact(r.Context(), billing.FineRequest{
		XactID:        req.XactID,
		DueDate:       due,
		TargetCopy:    req.TargetCopy,
		CircLib:       req.CircLib,
		RecurringFine: req.RecurringFine,
		FineInterval:  req.FineInterval,
		MaxFine:       req.MaxFine,
		GracePeriod:   req.GracePeriod,
	})
	if err != nil {
		writeDomainError(w, "Failed to generate fines", err)
		return
	}

	writeJSON(w, http.StatusOK, toFineResultDTO(res))
}

// ExtendGracePeriod returns the grace period stretched over closed days.
// POST /api/grace/extend
func (h *Handler) ExtendGracePeriod(w http.ResponseWriter, r *http.Request) {
	var req ExtendGraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	due, err := date.ParseDatetime(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	extended, err := h.Ledger.ExtendGracePeriod(r.Context(), req.ContextOrg, req.GracePeriod, due, nil)
	if err != nil {
		writeDomainError(w, "Failed to extend grace period", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"grace_period": req.GracePeriod, "extended": extended})
}

// ListFineRuns returns recent scheduler runs.
// GET /api/fines/runs
func (h *Handler) ListFineRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.Scheduler.Runs()
	dtos := make([]FineRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toFineRunDTO(run))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":     dtos,
		"next_run": formatTime(h.Scheduler.GetNextRunTime()),
	})
}

// RunFines triggers an immediate scheduler pass.
// POST /api/fines/run
func (h *Handler) RunFines(w http.ResponseWriter, r *http.Request) {
	run := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toFineRunDTO(run))
}

func toFineRunDTO(run FineRun) FineRunDTO {
	return FineRunDTO{
		ID:           run.ID,
		Status:       run.Status,
		StartedAt:    formatTime(run.StartedAt),
		CompletedAt:  formatTimePtr(run.CompletedAt),
		Visited:      run.Visited,
		Generated:    run.Generated,
		FinesCreated: run.FinesCreated,
		Failed:       run.Failed,
		Error:        run.Error,
	}
}

// =============================================================================
// PENALTY HANDLERS
// =============================================================================

// ListPenalties returns every standing penalty for a user.
// GET /api/users/{id}/penalties
func (h *Handler) ListPenalties(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rows, err := h.Store.Penalties(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get penalties", err)
		return
	}

	dtos := make([]PenaltyDTO, 0, len(rows))
	for _, p := range rows {
		dtos = append(dtos, toPenaltyDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CalculatePenalties recomputes the user's penalties at ?org=.
// POST /api/users/{id}/penalties/calculate
func (h *Handler) CalculatePenalties(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	org, err := strconv.ParseInt(r.URL.Query().Get("org"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "org is required", err)
		return
	}

	if err := h.Penalties.CalculatePenalties(r.Context(), id, org); err != nil {
		writeDomainError(w, "Failed to calculate penalties", err)
		return
	}

	h.ListPenalties(w, r)
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the billing error category.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid id %q", raw), err)
		return 0, false
	}
	return id, true
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := date.ParseDatetime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
