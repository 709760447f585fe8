package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meadowhr/payrollcore/pkg/httperr"
)

type inputKey struct {
	nameKey   string
	component string
}

type periodState struct {
	period     Period
	inputs     map[inputKey]InputValue
	expenses   []ExpenseEntry
	attendance map[string]AttendanceStatus // nameKey + "|" + date
	snapshots  []RowSnapshot
	computed   []ComputedValue
	mismatches []MismatchRecord
	failures   []IdentityFailure
	events     []ApprovalEvent
}

// memoryPeriodStore backs the engine when no database is configured. It keeps
// the same status-validation discipline as the Postgres store: every mutation
// checks the current status under the lock that also applies the write.
type memoryPeriodStore struct {
	mu      sync.Mutex
	periods map[string]*periodState
	now     func() time.Time
}

func NewMemoryPeriodStore() PeriodStore {
	return &memoryPeriodStore{periods: map[string]*periodState{}, now: time.Now}
}

func (s *memoryPeriodStore) get(periodID string) (*periodState, error) {
	st, ok := s.periods[periodID]
	if !ok {
		return nil, httperr.NewNotFound("period not found")
	}
	return st, nil
}

func (s *memoryPeriodStore) CreatePeriod(_ context.Context, p CreatePeriodParams) (Period, error) {
	if _, _, err := validateCreatePeriod(&p); err != nil {
		return Period{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.periods {
		if st.period.Label == p.Label {
			return Period{}, httperr.NewConflict("period with this label already exists")
		}
	}
	period := Period{
		ID:         newID(),
		Label:      p.Label,
		StartDate:  p.StartDate,
		EndDate:    p.EndDate,
		Status:     StatusDraft,
		SourceMode: p.SourceMode,
		CreatedBy:  p.CreatedBy,
	}
	s.periods[period.ID] = &periodState{
		period:     period,
		inputs:     map[inputKey]InputValue{},
		attendance: map[string]AttendanceStatus{},
	}
	return period, nil
}

func (s *memoryPeriodStore) GetPeriod(_ context.Context, periodID string) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return Period{}, err
	}
	return st.period, nil
}

func (s *memoryPeriodStore) ListPeriods(_ context.Context) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Period, 0, len(s.periods))
	for _, st := range s.periods {
		out = append(out, st.period)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate != out[j].StartDate {
			return out[i].StartDate < out[j].StartDate
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// markEdited resets a mutable period to DRAFT. Callers must hold s.mu and
// have already rejected edit-blocked statuses.
func (st *periodState) markEdited() {
	if st.period.Status != StatusDraft {
		st.period.Status = StatusDraft
		st.period.Summary = PeriodSummary{}
		st.computed = nil
		st.mismatches = nil
		st.failures = nil
	}
}

func (s *memoryPeriodStore) CarryForward(_ context.Context, targetID string, baseID string) (CarryForwardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := s.get(targetID)
	if err != nil {
		return CarryForwardStats{}, err
	}
	if editBlocked(target.period.Status) {
		return CarryForwardStats{}, httperr.NewConflict("period is not editable in status " + string(target.period.Status))
	}

	var base *periodState
	if baseID != "" {
		base, err = s.get(baseID)
		if err != nil {
			return CarryForwardStats{}, err
		}
		if base.period.ID == target.period.ID {
			return CarryForwardStats{}, httperr.NewBadRequest("cannot carry a period forward from itself")
		}
		if base.period.StartDate >= target.period.StartDate {
			return CarryForwardStats{}, httperr.NewBadRequest("base period must start before the target period")
		}
	} else {
		// Nearest earlier period by start date.
		for _, st := range s.periods {
			if st.period.ID == target.period.ID || st.period.StartDate >= target.period.StartDate {
				continue
			}
			if base == nil || st.period.StartDate > base.period.StartDate {
				base = st
			}
		}
		if base == nil {
			return CarryForwardStats{}, httperr.NewBadRequest("no earlier period to carry forward from")
		}
	}

	stats := CarryForwardStats{BasePeriodID: base.period.ID}
	for k, v := range base.inputs {
		if v.Component == componentPaidNet {
			continue // reported payouts never carry forward
		}
		cp := v
		cp.Source = string(SourceCarryForward)
		cp.SourceSheet = ""
		cp.SourceCell = ""
		cp.Overridden = false
		target.inputs[k] = cp
		stats.Values++
	}

	// Expenses travel with the inputs. Previously carried entries are
	// replaced so a repeated carry-forward does not duplicate them.
	kept := target.expenses[:0]
	for _, e := range target.expenses {
		if e.Source != string(SourceCarryForward) {
			kept = append(kept, e)
		}
	}
	target.expenses = kept
	for _, e := range base.expenses {
		cp := e
		cp.ID = newID()
		cp.Source = string(SourceCarryForward)
		target.expenses = append(target.expenses, cp)
		stats.Expenses++
	}

	target.markEdited()
	return stats, nil
}

func (s *memoryPeriodStore) ReplaceImport(_ context.Context, periodID string, im ImportPayload) (ImportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return ImportStats{}, err
	}
	if editBlocked(st.period.Status) {
		return ImportStats{}, httperr.NewConflict("period is not editable in status " + string(st.period.Status))
	}

	stats := ImportStats{Snapshots: len(im.Snapshots)}
	for _, v := range im.Values {
		k := inputKey{nameKey: v.NameKey, component: v.Component}
		if cur, ok := st.inputs[k]; ok && cur.Overridden {
			stats.OverridesKept++
			continue
		}
		if _, ok := st.inputs[k]; ok {
			stats.ValuesSuperseded++
		}
		v.Source = string(SourceWorkbook)
		st.inputs[k] = v
		stats.ValuesWritten++
	}

	// Workbook-sourced expenses are replaced wholesale; manual ones stay.
	kept := st.expenses[:0]
	for _, e := range st.expenses {
		if e.Source != string(SourceWorkbook) {
			kept = append(kept, e)
		}
	}
	st.expenses = kept
	for _, e := range im.Expenses {
		e.ID = newID()
		e.Source = string(SourceWorkbook)
		st.expenses = append(st.expenses, e)
		stats.Expenses++
	}

	st.snapshots = im.Snapshots
	st.markEdited()
	return stats, nil
}

func (s *memoryPeriodStore) ListInputValues(_ context.Context, periodID string) ([]InputValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]InputValue, 0, len(st.inputs))
	for _, v := range st.inputs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NameKey != out[j].NameKey {
			return out[i].NameKey < out[j].NameKey
		}
		return out[i].Component < out[j].Component
	})
	return out, nil
}

func (s *memoryPeriodStore) SetInputValue(_ context.Context, periodID string, p ManualInputParams) error {
	p.NameKey = strings.TrimSpace(p.NameKey)
	p.Component = strings.TrimSpace(strings.ToUpper(p.Component))
	if p.NameKey == "" || p.Component == "" {
		return httperr.NewBadRequest("name_key and component are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return err
	}
	if editBlocked(st.period.Status) {
		return httperr.NewConflict("period is not editable in status " + string(st.period.Status))
	}
	st.inputs[inputKey{nameKey: p.NameKey, component: p.Component}] = InputValue{
		NameKey:    p.NameKey,
		Component:  p.Component,
		Amount:     p.Amount,
		Source:     string(SourceManual),
		Overridden: p.Override,
		Note:       p.Note,
	}
	st.markEdited()
	return nil
}

func (s *memoryPeriodStore) ListExpenses(_ context.Context, periodID string) ([]ExpenseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]ExpenseEntry, len(st.expenses))
	copy(out, st.expenses)
	return out, nil
}

func (s *memoryPeriodStore) AddExpense(_ context.Context, periodID string, p ExpenseParams) (ExpenseEntry, error) {
	if strings.TrimSpace(p.Category) == "" {
		return ExpenseEntry{}, httperr.NewBadRequest("category is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return ExpenseEntry{}, err
	}
	if editBlocked(st.period.Status) {
		return ExpenseEntry{}, httperr.NewConflict("period is not editable in status " + string(st.period.Status))
	}
	e := ExpenseEntry{
		ID:          newID(),
		NameKey:     strings.TrimSpace(p.NameKey),
		Category:    strings.TrimSpace(p.Category),
		Description: strings.TrimSpace(p.Description),
		Amount:      p.Amount,
		Source:      string(SourceManual),
	}
	st.expenses = append(st.expenses, e)
	st.markEdited()
	return e, nil
}

func (s *memoryPeriodStore) ListAttendance(_ context.Context, periodID string) ([]AttendanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]AttendanceEntry, 0, len(st.attendance))
	for k, status := range st.attendance {
		nameKey, date, _ := strings.Cut(k, "|")
		out = append(out, AttendanceEntry{NameKey: nameKey, Date: date, Status: status})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NameKey != out[j].NameKey {
			return out[i].NameKey < out[j].NameKey
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

func (s *memoryPeriodStore) SetAttendance(_ context.Context, periodID string, nameKey string, day string, status AttendanceStatus) error {
	if err := validateAttendanceStatus(status); err != nil {
		return err
	}
	d, err := parseDate(day)
	if err != nil {
		return err
	}
	nameKey = strings.TrimSpace(nameKey)
	if nameKey == "" {
		return httperr.NewBadRequest("name_key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return err
	}
	if editBlocked(st.period.Status) {
		return httperr.NewConflict("period is not editable in status " + string(st.period.Status))
	}
	if day = d.Format(dateLayout); day < st.period.StartDate || day > st.period.EndDate {
		return httperr.NewBadRequest("attendance date outside the period")
	}
	st.attendance[nameKey+"|"+day] = status
	st.markEdited()
	return nil
}

func (s *memoryPeriodStore) ListSnapshots(_ context.Context, periodID string) ([]RowSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]RowSnapshot, len(st.snapshots))
	copy(out, st.snapshots)
	return out, nil
}

func (s *memoryPeriodStore) BeginRecalculation(_ context.Context, periodID string) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return Period{}, err
	}
	if !recalcAllowed(st.period.Status) {
		return Period{}, httperr.NewConflict("cannot recalculate in status " + string(st.period.Status))
	}
	return st.period, nil
}

func (s *memoryPeriodStore) FinishRecalculation(_ context.Context, periodID string, out RecalcOutcome) (Period, error) {
	switch out.Status {
	case StatusCalculated, StatusPartial, StatusFailed:
	default:
		return Period{}, httperr.NewBadRequest("invalid recalculation outcome status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return Period{}, err
	}
	if !recalcAllowed(st.period.Status) {
		return Period{}, httperr.NewConflict("cannot recalculate in status " + string(st.period.Status))
	}
	st.computed = out.Computed
	st.mismatches = out.Mismatches
	st.failures = out.Failures
	st.period.Summary = out.Summary
	st.period.Status = out.Status
	return st.period, nil
}

func (s *memoryPeriodStore) ListComputedValues(_ context.Context, periodID string) ([]ComputedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]ComputedValue, len(st.computed))
	copy(out, st.computed)
	return out, nil
}

func (s *memoryPeriodStore) ListMismatches(_ context.Context, periodID string) ([]MismatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]MismatchRecord, len(st.mismatches))
	copy(out, st.mismatches)
	return out, nil
}

func (s *memoryPeriodStore) transition(periodID string, to PeriodStatus, actor string, comment string, allowed func(PeriodStatus) bool, reason string) (Period, error) {
	st, err := s.get(periodID)
	if err != nil {
		return Period{}, err
	}
	if !allowed(st.period.Status) {
		return Period{}, httperr.NewConflict(reason + " in status " + string(st.period.Status))
	}
	st.events = append(st.events, ApprovalEvent{
		PeriodID:    periodID,
		PriorStatus: st.period.Status,
		NewStatus:   to,
		Actor:       actor,
		Comment:     comment,
		At:          s.now().UTC().Format(time.RFC3339),
	})
	st.period.Status = to
	return st.period, nil
}

func (s *memoryPeriodStore) ApprovePeriod(_ context.Context, periodID string, approver string, comment string) (Period, error) {
	if strings.TrimSpace(approver) == "" {
		return Period{}, httperr.NewBadRequest("approver is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.transition(periodID, StatusApproved, approver, comment, func(st PeriodStatus) bool {
		return st == StatusCalculated
	}, "cannot approve"); err != nil {
		return Period{}, err
	}
	st := s.periods[periodID]
	st.period.ApprovedBy = approver
	st.period.ApprovedAt = s.now().UTC().Format(time.RFC3339)
	return st.period, nil
}

func (s *memoryPeriodStore) LockPeriod(_ context.Context, periodID string, actor string, comment string) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(periodID, StatusLocked, actor, comment, lockAllowed, "cannot lock")
}

func (s *memoryPeriodStore) ListApprovalEvents(_ context.Context, periodID string) ([]ApprovalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return nil, err
	}
	out := make([]ApprovalEvent, len(st.events))
	copy(out, st.events)
	return out, nil
}

func (s *memoryPeriodStore) BeginDispatch(_ context.Context, periodID string) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(periodID, StatusSending, "", "", func(st PeriodStatus) bool {
		return st == StatusApproved || st == StatusPartial || st == StatusFailed
	}, "cannot dispatch")
}

func (s *memoryPeriodStore) FinishDispatch(_ context.Context, periodID string, succeeded int, failed int) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.get(periodID)
	if err != nil {
		return Period{}, err
	}
	if st.period.Status != StatusSending {
		return Period{}, httperr.NewConflict("period is not dispatching")
	}
	switch {
	case failed == 0 && succeeded > 0:
		st.period.Status = StatusSent
	case succeeded > 0:
		st.period.Status = StatusPartial
	default:
		st.period.Status = StatusFailed
	}
	return st.period, nil
}
