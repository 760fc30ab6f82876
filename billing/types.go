/*
Package billing provides the money side of circulation: billings, payments,
account adjustments, and the rules that keep transactions balanced.

PURPOSE:
  A patron transaction ("xact") collects charges (billings) and money applied
  against them (payments, including non-cash account adjustments). This
  package owns the algorithms that decide which payment satisfied which
  charge, when a transaction is open or closed, how overdue fines accrue, and
  how a grace period stretches across days the library is closed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Billing: A single charge line on a transaction
  - Transaction: The financial container; open while money is owed
  - Payment / AccountAdjustment: Money (or a correction) applied to a xact
  - Circulation: The loan that fines are generated for
  - HoursOfOperation / ClosedDate: The library's operating calendar

INVARIANTS:
  1. A voided billing never contributes to balance and is never re-voided
  2. A transaction is finished only when nothing is owed and no open
     circulation is attached; it reopens when the balance moves off zero
  3. An account adjustment is consumed by at most one billing allocation
  4. Billings and adjustments are never deleted, only voided or reduced

SEE ALSO:
  - allocator.go: Payment-to-billing allocation
  - ledger.go: Void, adjust and open/close operations
  - fines.go: Recurring overdue fine generation
  - grace.go: Grace period extension over closed days
*/
package billing

import (
	"time"
)

// =============================================================================
// BILLING TYPES
// =============================================================================

const (
	BtypeOverdueMaterials            int64 = 1
	BtypeLongOverdueCollectionFee    int64 = 2
	BtypeLostMaterials               int64 = 3
	BtypeLostMaterialsProcessingFee  int64 = 4
	BtypeDamagedItem                 int64 = 7
	BtypeDamagedItemProcessingFee    int64 = 8
	BtypeNotificationFee             int64 = 9
	BtypeLongOverdueMaterials        int64 = 10
	BtypeLongOverdueMaterialsProcFee int64 = 11
)

// BillingTypeLabels maps system billing types to their display label.
var BillingTypeLabels = map[int64]string{
	BtypeOverdueMaterials:            "Overdue materials",
	BtypeLongOverdueCollectionFee:    "Long Overdue Collection Fee",
	BtypeLostMaterials:               "Lost Materials",
	BtypeLostMaterialsProcessingFee:  "Lost Materials Processing Fee",
	BtypeDamagedItem:                 "Damaged Item",
	BtypeDamagedItemProcessingFee:    "Damaged Item Processing Fee",
	BtypeNotificationFee:             "Notification Fee",
	BtypeLongOverdueMaterials:        "Long-Overdue Materials",
	BtypeLongOverdueMaterialsProcFee: "Long-Overdue Materials Processing Fee",
}

// =============================================================================
// BILLING - A charge on a transaction
// =============================================================================

type Billing struct {
	ID            int64
	XactID        int64
	Amount        Money
	BillingTypeID int64
	BillingType   string
	Note          string
	Voided        bool
	VoiderID      *int64
	VoidTime      *time.Time
	BillingTS     time.Time
	PeriodStart   *time.Time
	PeriodEnd     *time.Time

	// Adjustments is only populated when a query asks for it.
	Adjustments []AccountAdjustment
}

// NewBill describes a charge to be created.
type NewBill struct {
	Amount        Money
	BillingTypeID int64
	BillingType   string
	XactID        int64
	Note          string
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
}

// =============================================================================
// TRANSACTION - Financial container for one circulation or fee episode
// =============================================================================

type XactType string

const (
	XactCirculation XactType = "circulation"
	XactGrocery     XactType = "grocery"
)

type Transaction struct {
	ID         int64
	UserID     int64
	XactType   XactType
	XactStart  time.Time
	XactFinish *time.Time
}

// IsOpen reports whether the transaction has no finish time.
func (t Transaction) IsOpen() bool { return t.XactFinish == nil }

// TransactionSummary is the derived money view of a transaction.
type TransactionSummary struct {
	XactID          int64
	UserID          int64
	BillingLocation int64
	TotalOwed       Money
	TotalPaid       Money
	BalanceOwed     Money
}

// =============================================================================
// PAYMENTS & ADJUSTMENTS
// =============================================================================

const (
	PaymentTypeAccountAdjustment = "account_adjustment"
	PaymentTypeCash              = "cash_payment"
	PaymentTypeCheck             = "check_payment"
	PaymentTypeCreditCard        = "credit_card_payment"
	PaymentTypeCredit            = "credit_payment"
	PaymentTypeForgive           = "forgive_payment"
	PaymentTypeWork              = "work_payment"
	PaymentTypeGoods             = "goods_payment"
)

type Payment struct {
	ID              int64
	XactID          int64
	Amount          Money
	PaymentTS       time.Time
	PaymentType     string
	Voided          bool
	Note            string
	AcceptingUserID *int64

	// Adjustment is set for account_adjustment payments.
	Adjustment *AccountAdjustment
}

// IsAdjustment reports whether this payment is an account adjustment with
// its adjustment record attached.
func (p Payment) IsAdjustment() bool {
	return p.PaymentType == PaymentTypeAccountAdjustment && p.Adjustment != nil
}

// AccountAdjustment is a non-cash correction against exactly one billing.
// Its ID is the ID of the payment row it is stored as.
type AccountAdjustment struct {
	ID              int64
	XactID          int64
	BillingID       int64
	Amount          Money
	AcceptingUserID int64
	PaymentTS       time.Time
	Note            string
	Voided          bool
}

// =============================================================================
// CIRCULATION - Source event for overdue fines
// =============================================================================

// StopFinesMaxFines marks a circulation whose fines reached max_fine.
const StopFinesMaxFines = "MAXFINES"

type Circulation struct {
	ID            int64 // same as the transaction ID
	UserID        int64
	TargetCopy    int64
	CircLib       int64
	DueDate       time.Time
	RecurringFine Money
	FineInterval  string
	MaxFine       Money
	GracePeriod   *string
	StopFines     *string
	StopFinesTime *time.Time
	CheckinTime   *time.Time
}

// Finalized reports whether a stop-fines reason has been recorded.
func (c Circulation) Finalized() bool { return c.StopFines != nil }

// =============================================================================
// OPERATING CALENDAR
// =============================================================================

// DayHours is one weekday's open and close time of day ("HH:MM:SS").
type DayHours struct {
	Open  string
	Close string
}

// Closed reports the "00:00:00"-"00:00:00" fully closed marker.
func (d DayHours) Closed() bool {
	return d.Open == "00:00:00" && d.Close == "00:00:00"
}

// HoursOfOperation holds weekly hours. Days[0] is Monday, Days[6] is Sunday.
type HoursOfOperation struct {
	OrgID int64
	Days  [7]DayHours
}

// DayIndex converts a time.Weekday to the Monday-first index used by Days.
func DayIndex(wd time.Weekday) int { return (int(wd) + 6) % 7 }

// ClosedOn reports whether the library is closed all day on wd.
func (h HoursOfOperation) ClosedOn(wd time.Weekday) bool {
	return h.Days[DayIndex(wd)].Closed()
}

// ClosedWeekdays returns the set of fully closed weekdays.
func (h HoursOfOperation) ClosedWeekdays() map[time.Weekday]bool {
	closed := make(map[time.Weekday]bool)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if h.ClosedOn(wd) {
			closed[wd] = true
		}
	}
	return closed
}

// AlwaysOpen returns hours with every day open 09:00-17:00.
func AlwaysOpen(orgID int64) HoursOfOperation {
	h := HoursOfOperation{OrgID: orgID}
	for i := range h.Days {
		h.Days[i] = DayHours{Open: "09:00:00", Close: "17:00:00"}
	}
	return h
}

// ClosedDate is an explicit closure (holiday, emergency) that overrides
// the weekly hours.
type ClosedDate struct {
	ID         int64
	OrgID      int64
	CloseStart time.Time
	CloseEnd   time.Time
	Reason     string
}

// Covers reports whether t falls inside [CloseStart, CloseEnd].
func (c ClosedDate) Covers(t time.Time) bool {
	return !t.Before(c.CloseStart) && !t.After(c.CloseEnd)
}
