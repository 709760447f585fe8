package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/httperr"
	"github.com/meadowhr/payrollcore/pkg/namekey"
)

type MappingStatus string

const (
	MappingAutoMatched   MappingStatus = "AUTO_MATCHED"
	MappingAmbiguous     MappingStatus = "AMBIGUOUS"
	MappingUnresolved    MappingStatus = "UNRESOLVED"
	MappingManualMatched MappingStatus = "MANUAL_MATCHED"
)

type Employee struct {
	ID          string          `json:"id"`
	FullName    string          `json:"full_name"`
	Email       string          `json:"email,omitempty"`
	CommuteMode string          `json:"commute_mode,omitempty"`
	CommuteKM   decimal.Decimal `json:"commute_km"`
	Active      bool            `json:"active"`
}

type IdentityMapping struct {
	NameKey    string        `json:"name_key"`
	RawName    string        `json:"raw_name,omitempty"`
	EmployeeID string        `json:"employee_id,omitempty"`
	Status     MappingStatus `json:"status"`
	MatchedAt  string        `json:"matched_at,omitempty"`
}

type IdentityStore interface {
	ListEmployees(ctx context.Context) ([]Employee, error)
	PutEmployees(ctx context.Context, emps []Employee) error
	GetEmployee(ctx context.Context, id string) (Employee, bool, error)

	ListMappings(ctx context.Context) ([]IdentityMapping, error)
	GetMapping(ctx context.Context, nameKey string) (IdentityMapping, bool, error)
	UpsertMapping(ctx context.Context, m IdentityMapping) error
	BindMapping(ctx context.Context, nameKey string, employeeID string) (IdentityMapping, error)
}

type ResolutionSummary struct {
	Auto       int               `json:"auto_matched"`
	Manual     int               `json:"manual_matched"`
	Ambiguous  int               `json:"ambiguous"`
	Unresolved int               `json:"unresolved"`
	Mappings   []IdentityMapping `json:"mappings"`
}

// ResolveNames matches the raw names of an import against the employee
// register and upserts one mapping per normalized name key. A mapping an
// operator bound by hand stays MANUAL_MATCHED no matter what later imports
// or register changes would have auto-resolved; rebinding is the only way
// to move it.
func ResolveNames(ctx context.Context, store IdentityStore, rawNames []string, now time.Time) (ResolutionSummary, error) {
	emps, err := store.ListEmployees(ctx)
	if err != nil {
		return ResolutionSummary{}, err
	}
	byKey := map[string][]Employee{}
	for _, e := range emps {
		if !e.Active {
			continue
		}
		k := namekey.Normalize(e.FullName)
		if k == "" {
			continue
		}
		byKey[k] = append(byKey[k], e)
	}

	seen := map[string]bool{}
	var sum ResolutionSummary
	for _, raw := range rawNames {
		nk := namekey.Normalize(raw)
		if nk == "" || seen[nk] {
			continue
		}
		seen[nk] = true

		if cur, ok, err := store.GetMapping(ctx, nk); err != nil {
			return ResolutionSummary{}, err
		} else if ok && cur.Status == MappingManualMatched {
			sum.Manual++
			sum.Mappings = append(sum.Mappings, cur)
			continue
		}

		m := IdentityMapping{NameKey: nk, RawName: strings.TrimSpace(raw)}
		switch candidates := byKey[nk]; len(candidates) {
		case 0:
			m.Status = MappingUnresolved
			sum.Unresolved++
		case 1:
			m.Status = MappingAutoMatched
			m.EmployeeID = candidates[0].ID
			m.MatchedAt = now.UTC().Format(time.RFC3339)
			sum.Auto++
		default:
			m.Status = MappingAmbiguous
			sum.Ambiguous++
		}
		if err := store.UpsertMapping(ctx, m); err != nil {
			return ResolutionSummary{}, err
		}
		sum.Mappings = append(sum.Mappings, m)
	}
	sort.Slice(sum.Mappings, func(i, j int) bool { return sum.Mappings[i].NameKey < sum.Mappings[j].NameKey })
	return sum, nil
}

type memoryIdentityStore struct {
	mu        sync.Mutex
	employees map[string]Employee
	mappings  map[string]IdentityMapping
	now       func() time.Time
}

func NewMemoryIdentityStore() IdentityStore {
	return &memoryIdentityStore{
		employees: map[string]Employee{},
		mappings:  map[string]IdentityMapping{},
		now:       time.Now,
	}
}

func (s *memoryIdentityStore) ListEmployees(_ context.Context) ([]Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Employee, 0, len(s.employees))
	for _, e := range s.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryIdentityStore) PutEmployees(_ context.Context, emps []Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range emps {
		if strings.TrimSpace(e.FullName) == "" {
			return httperr.NewBadRequest("employee full_name is required")
		}
		if e.ID == "" {
			e.ID = newID()
		}
		s.employees[e.ID] = e
	}
	return nil
}

func (s *memoryIdentityStore) GetEmployee(_ context.Context, id string) (Employee, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.employees[id]
	return e, ok, nil
}

func (s *memoryIdentityStore) ListMappings(_ context.Context) ([]IdentityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IdentityMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out, nil
}

func (s *memoryIdentityStore) GetMapping(_ context.Context, nameKey string) (IdentityMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[nameKey]
	return m, ok, nil
}

func (s *memoryIdentityStore) UpsertMapping(_ context.Context, m IdentityMapping) error {
	if m.NameKey == "" {
		return httperr.NewBadRequest("name_key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.mappings[m.NameKey]; ok && cur.Status == MappingManualMatched {
		return nil
	}
	s.mappings[m.NameKey] = m
	return nil
}

func (s *memoryIdentityStore) BindMapping(_ context.Context, nameKey string, employeeID string) (IdentityMapping, error) {
	nameKey = strings.TrimSpace(nameKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.employees[employeeID]; !ok {
		return IdentityMapping{}, httperr.NewNotFound("employee not found")
	}
	m, ok := s.mappings[nameKey]
	if !ok {
		m = IdentityMapping{NameKey: nameKey}
	}
	m.EmployeeID = employeeID
	m.Status = MappingManualMatched
	m.MatchedAt = s.now().UTC().Format(time.RFC3339)
	s.mappings[nameKey] = m
	return m, nil
}
