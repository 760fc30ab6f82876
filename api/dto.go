/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing records from the external API contract. Amounts are always
  two-place decimal strings ("12.50"); timestamps are ISO-8601 with offset.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Billing:
    BillingDTO, CreateBillRequest, VoidBillsRequest, AdjustToZeroRequest

  Transactions:
    SummaryDTO, BillPaymentMapDTO, PaymentDTO, AdjustmentDTO,
    VoidOrZeroRequest

  Fines:
    FineResultDTO, GenerateFinesRequest, ExtendGraceRequest, FineRunDTO

  Penalties:
    PenaltyDTO

  Scenarios:
    ScenarioDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/warp/circ-billing/billing"
	"github.com/warp/circ-billing/date"
	"github.com/warp/circ-billing/penalty"
)

// =============================================================================
// BILLINGS
// =============================================================================

// BillingDTO represents a billing in API responses.
type BillingDTO struct {
	ID            int64           `json:"id"`
	XactID        int64           `json:"xact_id"`
	Amount        billing.Money   `json:"amount"`
	BillingTypeID int64           `json:"btype"`
	BillingType   string          `json:"billing_type"`
	Note          string          `json:"note,omitempty"`
	Voided        bool            `json:"voided"`
	VoiderID      *int64          `json:"voider,omitempty"`
	VoidTime      string          `json:"void_time,omitempty"`
	BillingTS     string          `json:"billing_ts"`
	PeriodStart   string          `json:"period_start,omitempty"`
	PeriodEnd     string          `json:"period_end,omitempty"`
	Adjustments   []AdjustmentDTO `json:"adjustments,omitempty"`
}

// CreateBillRequest is the request to create a system billing.
type CreateBillRequest struct {
	XactID        int64         `json:"xact_id"`
	Amount        billing.Money `json:"amount"`
	BillingTypeID int64         `json:"btype"`
	BillingType   string        `json:"billing_type"`
	Note          string        `json:"note"`
	PeriodStart   string        `json:"period_start,omitempty"`
	PeriodEnd     string        `json:"period_end,omitempty"`
}

// VoidBillsRequest voids billings by id.
type VoidBillsRequest struct {
	BillingIDs []int64 `json:"billing_ids"`
	Note       string  `json:"note"`
}

// AdjustToZeroRequest adjusts billings down to zero.
type AdjustToZeroRequest struct {
	BillingIDs []int64 `json:"billing_ids"`
	Note       string  `json:"note"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// SummaryDTO is the money view of a transaction.
type SummaryDTO struct {
	XactID          int64         `json:"xact_id"`
	UserID          int64         `json:"usr"`
	BillingLocation int64         `json:"billing_location"`
	TotalOwed       billing.Money `json:"total_owed"`
	TotalPaid       billing.Money `json:"total_paid"`
	BalanceOwed     billing.Money `json:"balance_owed"`
}

// PaymentDTO is a (possibly partial) payment applied to one billing.
type PaymentDTO struct {
	ID          int64         `json:"id"`
	Amount      billing.Money `json:"amount"`
	PaymentType string        `json:"payment_type"`
	PaymentTS   string        `json:"payment_ts"`
	Note        string        `json:"note,omitempty"`
}

// AdjustmentDTO is a (possibly partial) account adjustment.
type AdjustmentDTO struct {
	ID        int64         `json:"id"`
	BillingID int64         `json:"billing"`
	Amount    billing.Money `json:"amount"`
	PaymentTS string        `json:"payment_ts"`
	Note      string        `json:"note,omitempty"`
}

// BillPaymentMapDTO shows how payments settled one billing.
type BillPaymentMapDTO struct {
	Bill             BillingDTO      `json:"bill"`
	BillAmount       billing.Money   `json:"bill_amount"`
	AdjustmentAmount billing.Money   `json:"adjustment_amount"`
	PaidAmount       billing.Money   `json:"paid_amount"`
	Remaining        billing.Money   `json:"remaining"`
	Adjustments      []AdjustmentDTO `json:"adjustments"`
	Payments         []PaymentDTO    `json:"payments"`
}

// VoidOrZeroRequest voids or adjusts every billing of one type.
type VoidOrZeroRequest struct {
	ContextOrg    int64  `json:"context_org"`
	BillingTypeID int64  `json:"btype"`
	Note          string `json:"note"`
}

// =============================================================================
// FINES
// =============================================================================

// GenerateFinesRequest carries the circulation fields used to compute fines
// for a transaction directly.
type GenerateFinesRequest struct {
	XactID        int64         `json:"xact_id"`
	DueDate       string        `json:"due_date"`
	TargetCopy    int64         `json:"target_copy"`
	CircLib       int64         `json:"circ_lib"`
	RecurringFine billing.Money `json:"recurring_fine"`
	FineInterval  string        `json:"fine_interval"`
	MaxFine       billing.Money `json:"max_fine"`
	GracePeriod   *string       `json:"grace_period,omitempty"`
}

// FineResultDTO reports a fine generation call.
type FineResultDTO struct {
	XactID          int64         `json:"xact_id"`
	Outcome         string        `json:"outcome"`
	PendingCount    int64         `json:"pending_count"`
	Created         []BillingDTO  `json:"created"`
	FineTotal       billing.Money `json:"fine_total"`
	GracePeriod     int64         `json:"grace_period_seconds"`
	MaxFinesReached bool          `json:"max_fines_reached"`
}

// ExtendGraceRequest asks how long a grace period becomes once closed days
// after the due date are skipped.
type ExtendGraceRequest struct {
	ContextOrg  int64  `json:"context_org"`
	GracePeriod int64  `json:"grace_period"`
	DueDate     string `json:"due_date"`
}

// FineRunDTO summarizes one fine scheduler run.
type FineRunDTO struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	Visited      int    `json:"visited"`
	Generated    int    `json:"generated"`
	FinesCreated int    `json:"fines_created"`
	Failed       int    `json:"failed"`
	Error        string `json:"error,omitempty"`
}

// =============================================================================
// PENALTIES & SCENARIOS
// =============================================================================

// PenaltyDTO represents a standing penalty.
type PenaltyDTO struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"usr"`
	OrgID    int64  `json:"org_unit"`
	Name     string `json:"name"`
	Note     string `json:"note,omitempty"`
	SetDate  string `json:"set_date"`
	StopDate string `json:"stop_date,omitempty"`
	Active   bool   `json:"active"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return date.ToISO8601(t)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toBillingDTO(b billing.Billing) BillingDTO {
	dto := BillingDTO{
		ID:            b.ID,
		XactID:        b.XactID,
		Amount:        b.Amount,
		BillingTypeID: b.BillingTypeID,
		BillingType:   b.BillingType,
		Note:          b.Note,
		Voided:        b.Voided,
		VoiderID:      b.VoiderID,
		VoidTime:      formatTimePtr(b.VoidTime),
		BillingTS:     formatTime(b.BillingTS),
		PeriodStart:   formatTimePtr(b.PeriodStart),
		PeriodEnd:     formatTimePtr(b.PeriodEnd),
	}
	for _, adj := range b.Adjustments {
		dto.Adjustments = append(dto.Adjustments, toAdjustmentDTO(adj))
	}
	return dto
}

func toBillingDTOs(bills []billing.Billing) []BillingDTO {
	dtos := make([]BillingDTO, 0, len(bills))
	for _, b := range bills {
		dtos = append(dtos, toBillingDTO(b))
	}
	return dtos
}

func toAdjustmentDTO(adj billing.AccountAdjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:        adj.ID,
		BillingID: adj.BillingID,
		Amount:    adj.Amount,
		PaymentTS: formatTime(adj.PaymentTS),
		Note:      adj.Note,
	}
}

func toSummaryDTO(s billing.TransactionSummary) SummaryDTO {
	return SummaryDTO{
		XactID:          s.XactID,
		UserID:          s.UserID,
		BillingLocation: s.BillingLocation,
		TotalOwed:       s.TotalOwed,
		TotalPaid:       s.TotalPaid,
		BalanceOwed:     s.BalanceOwed,
	}
}

func toBillPaymentMapDTOs(maps []billing.BillPaymentMap) []BillPaymentMapDTO {
	dtos := make([]BillPaymentMapDTO, 0, len(maps))
	for _, m := range maps {
		dto := BillPaymentMapDTO{
			Bill:             toBillingDTO(m.Bill),
			BillAmount:       m.BillAmount,
			AdjustmentAmount: m.AdjustmentAmount,
			PaidAmount:       m.PaidAmount(),
			Remaining:        m.Remaining(),
			Adjustments:      make([]AdjustmentDTO, 0, len(m.Adjustments)),
			Payments:         make([]PaymentDTO, 0, len(m.Payments)),
		}
		for _, adj := range m.Adjustments {
			dto.Adjustments = append(dto.Adjustments, toAdjustmentDTO(adj))
		}
		for _, p := range m.Payments {
			dto.Payments = append(dto.Payments, PaymentDTO{
				ID:          p.ID,
				Amount:      p.Amount,
				PaymentType: p.PaymentType,
				PaymentTS:   formatTime(p.PaymentTS),
				Note:        p.Note,
			})
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

func toFineResultDTO(res billing.FineResult) FineResultDTO {
	return FineResultDTO{
		XactID:          res.XactID,
		Outcome:         string(res.Outcome),
		PendingCount:    res.PendingCount,
		Created:         toBillingDTOs(res.Created),
		FineTotal:       res.FineTotal,
		GracePeriod:     res.GracePeriod,
		MaxFinesReached: res.MaxFinesReached,
	}
}

func toPenaltyDTO(p penalty.StandingPenalty) PenaltyDTO {
	return PenaltyDTO{
		ID:       p.ID,
		UserID:   p.UserID,
		OrgID:    p.OrgID,
		Name:     p.Name,
		Note:     p.Note,
		SetDate:  formatTime(p.SetDate),
		StopDate: formatTimePtr(p.StopDate),
		Active:   p.Active(),
	}
}
