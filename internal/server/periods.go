package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/httperr"
	"github.com/meadowhr/payrollcore/pkg/reconcile"
)

type PeriodStatus string

const (
	StatusDraft      PeriodStatus = "DRAFT"
	StatusCalculated PeriodStatus = "CALCULATED"
	StatusApproved   PeriodStatus = "APPROVED"
	StatusSending    PeriodStatus = "SENDING"
	StatusSent       PeriodStatus = "SENT"
	StatusPartial    PeriodStatus = "PARTIAL"
	StatusFailed     PeriodStatus = "FAILED"
	StatusLocked     PeriodStatus = "LOCKED"
)

type SourceMode string

const (
	SourceWorkbook     SourceMode = "workbook"
	SourceManual       SourceMode = "manual"
	SourceCarryForward SourceMode = "carry_forward"
)

// editBlocked lists the statuses in which inputs, expenses, and attendance
// are immutable. Everywhere else an edit lands the period back in DRAFT.
func editBlocked(s PeriodStatus) bool {
	switch s {
	case StatusApproved, StatusSending, StatusSent, StatusLocked:
		return true
	}
	return false
}

func recalcAllowed(s PeriodStatus) bool {
	switch s {
	case StatusDraft, StatusCalculated, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// lockAllowed: LOCKED is reachable from any post-calculation state and is
// terminal.
func lockAllowed(s PeriodStatus) bool {
	return s != StatusDraft && s != StatusLocked
}

type Period struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	StartDate  string        `json:"start_date"`
	EndDate    string        `json:"end_date"`
	Status     PeriodStatus  `json:"status"`
	SourceMode SourceMode    `json:"source_mode"`
	CreatedBy  string        `json:"created_by"`
	ApprovedBy string        `json:"approved_by,omitempty"`
	ApprovedAt string        `json:"approved_at,omitempty"`
	Summary    PeriodSummary `json:"summary"`
}

type PeriodSummary struct {
	Identities int             `json:"identities"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Mismatches int             `json:"mismatches"`
	TotalNet   decimal.Decimal `json:"total_net"`
}

type CreatePeriodParams struct {
	Label      string
	StartDate  string
	EndDate    string
	SourceMode SourceMode
	CreatedBy  string
}

type InputValue struct {
	PeriodKey      string          `json:"period_key,omitempty"`
	NameKey        string          `json:"name_key"`
	RawName        string          `json:"raw_name,omitempty"`
	Component      string          `json:"component"`
	Amount         decimal.Decimal `json:"amount"`
	SourceSheet    string          `json:"source_sheet,omitempty"`
	SourceCell     string          `json:"source_cell,omitempty"`
	SourcePriority int             `json:"source_priority,omitempty"`
	Source         string          `json:"source"`
	Overridden     bool            `json:"overridden"`
	Note           string          `json:"note,omitempty"`
}

type ExpenseEntry struct {
	ID          string          `json:"id"`
	NameKey     string          `json:"name_key,omitempty"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
}

type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "PRESENT"
	AttendanceAbsent  AttendanceStatus = "ABSENT"
	AttendanceHoliday AttendanceStatus = "PUBLIC_HOLIDAY"
)

type AttendanceEntry struct {
	NameKey string           `json:"name_key"`
	Date    string           `json:"date"`
	Status  AttendanceStatus `json:"status"`
}

type ComputedValue struct {
	NameKey string          `json:"name_key"`
	Metric  string          `json:"metric"`
	Amount  decimal.Decimal `json:"amount"`
}

type MismatchRecord struct {
	NameKey   string             `json:"name_key"`
	Computed  decimal.Decimal    `json:"computed"`
	Paid      decimal.Decimal    `json:"paid"`
	Delta     decimal.Decimal    `json:"delta"`
	Tolerance decimal.Decimal    `json:"tolerance"`
	Severity  reconcile.Severity `json:"severity"`
}

type ApprovalEvent struct {
	PeriodID    string       `json:"period_id"`
	PriorStatus PeriodStatus `json:"prior_status"`
	NewStatus   PeriodStatus `json:"new_status"`
	Actor       string       `json:"actor"`
	Comment     string       `json:"comment,omitempty"`
	At          string       `json:"at"`
}

type IdentityFailure struct {
	NameKey string `json:"name_key"`
	Reason  string `json:"reason"`
}

// RecalcOutcome is what one engine run produced for a period. The store
// replaces all previously computed values and mismatches with it.
type RecalcOutcome struct {
	Computed   []ComputedValue
	Mismatches []MismatchRecord
	Failures   []IdentityFailure
	Summary    PeriodSummary
	Status     PeriodStatus
}

type ImportPayload struct {
	Values    []InputValue
	Expenses  []ExpenseEntry
	Snapshots []RowSnapshot
}

type ImportStats struct {
	ValuesWritten    int `json:"values_written"`
	ValuesSuperseded int `json:"values_superseded"`
	OverridesKept    int `json:"overrides_kept"`
	Expenses         int `json:"expenses"`
	Snapshots        int `json:"snapshots"`
}

type CarryForwardStats struct {
	BasePeriodID string `json:"base_period_id"`
	Values       int    `json:"values"`
	Expenses     int    `json:"expenses"`
}

type ManualInputParams struct {
	NameKey   string
	Component string
	Amount    decimal.Decimal
	Note      string
	Override  bool
}

type ExpenseParams struct {
	NameKey     string
	Category    string
	Description string
	Amount      decimal.Decimal
}

// PeriodStore owns the period state machine. Every mutating method
// re-validates the current status inside the same transactional boundary as
// its write so concurrent operators cannot race an approve past an edit.
type PeriodStore interface {
	CreatePeriod(ctx context.Context, p CreatePeriodParams) (Period, error)
	GetPeriod(ctx context.Context, periodID string) (Period, error)
	ListPeriods(ctx context.Context) ([]Period, error)

	CarryForward(ctx context.Context, targetID string, baseID string) (CarryForwardStats, error)
	ReplaceImport(ctx context.Context, periodID string, im ImportPayload) (ImportStats, error)

	ListInputValues(ctx context.Context, periodID string) ([]InputValue, error)
	SetInputValue(ctx context.Context, periodID string, p ManualInputParams) error
	ListExpenses(ctx context.Context, periodID string) ([]ExpenseEntry, error)
	AddExpense(ctx context.Context, periodID string, p ExpenseParams) (ExpenseEntry, error)
	ListAttendance(ctx context.Context, periodID string) ([]AttendanceEntry, error)
	SetAttendance(ctx context.Context, periodID string, nameKey string, day string, status AttendanceStatus) error
	ListSnapshots(ctx context.Context, periodID string) ([]RowSnapshot, error)

	BeginRecalculation(ctx context.Context, periodID string) (Period, error)
	FinishRecalculation(ctx context.Context, periodID string, out RecalcOutcome) (Period, error)
	ListComputedValues(ctx context.Context, periodID string) ([]ComputedValue, error)
	ListMismatches(ctx context.Context, periodID string) ([]MismatchRecord, error)

	ApprovePeriod(ctx context.Context, periodID string, approver string, comment string) (Period, error)
	LockPeriod(ctx context.Context, periodID string, actor string, comment string) (Period, error)
	ListApprovalEvents(ctx context.Context, periodID string) ([]ApprovalEvent, error)

	BeginDispatch(ctx context.Context, periodID string) (Period, error)
	FinishDispatch(ctx context.Context, periodID string, succeeded int, failed int) (Period, error)
}

const dateLayout = "2006-01-02"

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, httperr.NewBadRequest("invalid date: " + s)
	}
	return t, nil
}

func validateCreatePeriod(p *CreatePeriodParams) (start, end time.Time, err error) {
	p.Label = strings.TrimSpace(p.Label)
	if p.Label == "" {
		return start, end, httperr.NewBadRequest("label is required")
	}
	start, err = parseDate(p.StartDate)
	if err != nil {
		return start, end, err
	}
	end, err = parseDate(p.EndDate)
	if err != nil {
		return start, end, err
	}
	if end.Before(start) {
		return start, end, httperr.NewBadRequest("end_date must be on or after start_date")
	}
	switch p.SourceMode {
	case SourceWorkbook, SourceManual, SourceCarryForward:
	default:
		return start, end, httperr.NewBadRequest("invalid source_mode")
	}
	p.StartDate = start.Format(dateLayout)
	p.EndDate = end.Format(dateLayout)
	return start, end, nil
}

func validateAttendanceStatus(s AttendanceStatus) error {
	switch s {
	case AttendancePresent, AttendanceAbsent, AttendanceHoliday:
		return nil
	}
	return httperr.NewBadRequest("invalid attendance status")
}

func newID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}
