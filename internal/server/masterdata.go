package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/meadowhr/payrollcore/pkg/reconcile"
	"github.com/meadowhr/payrollcore/pkg/taxtable"
	"github.com/meadowhr/payrollcore/pkg/travelband"
)

// MasterDataStore holds the reference data computation reads: tax schedules,
// travel tiers, public holidays, and mismatch severity rules. Writes replace
// the whole set; this data changes a few times a year, by an operator, and
// partial updates would only invite inconsistent tables.
type MasterDataStore interface {
	TaxSchedules(ctx context.Context) ([]taxtable.Schedule, error)
	PutTaxSchedules(ctx context.Context, schedules []taxtable.Schedule) error

	TravelTiers(ctx context.Context) ([]travelband.Tier, error)
	PutTravelTiers(ctx context.Context, tiers []travelband.Tier) error

	Holidays(ctx context.Context) ([]string, error)
	PutHolidays(ctx context.Context, days []string) error

	SeverityRules(ctx context.Context) ([]reconcile.Rule, error)
	PutSeverityRules(ctx context.Context, rules []reconcile.Rule) error
}

type memoryMasterDataStore struct {
	mu        sync.Mutex
	schedules []taxtable.Schedule
	tiers     []travelband.Tier
	holidays  map[string]bool
	rules     []reconcile.Rule
}

func NewMemoryMasterDataStore() MasterDataStore {
	return &memoryMasterDataStore{holidays: map[string]bool{}}
}

func (s *memoryMasterDataStore) TaxSchedules(_ context.Context) ([]taxtable.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]taxtable.Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out, nil
}

func (s *memoryMasterDataStore) PutTaxSchedules(_ context.Context, schedules []taxtable.Schedule) error {
	// Validate as a table before accepting, same checks the engine will run.
	if _, err := taxtable.NewTable(schedules); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = make([]taxtable.Schedule, len(schedules))
	copy(s.schedules, schedules)
	return nil
}

func (s *memoryMasterDataStore) TravelTiers(_ context.Context) ([]travelband.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]travelband.Tier, len(s.tiers))
	copy(out, s.tiers)
	return out, nil
}

func (s *memoryMasterDataStore) PutTravelTiers(_ context.Context, tiers []travelband.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = make([]travelband.Tier, len(tiers))
	copy(s.tiers, tiers)
	return nil
}

func (s *memoryMasterDataStore) Holidays(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.holidays))
	for d := range s.holidays {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryMasterDataStore) PutHolidays(_ context.Context, days []string) error {
	parsed := map[string]bool{}
	for _, d := range days {
		t, err := parseDate(d)
		if err != nil {
			return err
		}
		parsed[t.Format(dateLayout)] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays = parsed
	return nil
}

func (s *memoryMasterDataStore) SeverityRules(_ context.Context) ([]reconcile.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconcile.Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *memoryMasterDataStore) PutSeverityRules(_ context.Context, rules []reconcile.Rule) error {
	if _, err := reconcile.NewClassifier(rules); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make([]reconcile.Rule, len(rules))
	copy(s.rules, rules)
	return nil
}

// --- YAML seed ----------------------------------------------------------

type seedBracket struct {
	Lower string `yaml:"lower"`
	Upper string `yaml:"upper,omitempty"` // empty = unbounded
	Fixed string `yaml:"fixed"`
	Rate  string `yaml:"rate"`
}

type seedTaxSchedule struct {
	Name          string        `yaml:"name"`
	EffectiveFrom string        `yaml:"effective_from"`
	Brackets      []seedBracket `yaml:"brackets"`
}

type seedTravelTier struct {
	Mode          string `yaml:"mode"`
	MinKM         string `yaml:"min_km"`
	MaxKM         string `yaml:"max_km,omitempty"`
	MonthlyRate   string `yaml:"monthly_rate"`
	EffectiveFrom string `yaml:"effective_from"`
	EffectiveTo   string `yaml:"effective_to,omitempty"`
	Active        *bool  `yaml:"active,omitempty"`
}

type seedEmployee struct {
	ID          string `yaml:"id,omitempty"`
	FullName    string `yaml:"full_name"`
	Email       string `yaml:"email,omitempty"`
	CommuteMode string `yaml:"commute_mode,omitempty"`
	CommuteKM   string `yaml:"commute_km,omitempty"`
	Active      *bool  `yaml:"active,omitempty"`
}

type seedSeverityRule struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Expr     string `yaml:"expr"`
	Severity string `yaml:"severity"`
}

type MasterDataSeed struct {
	TaxSchedules  []seedTaxSchedule  `yaml:"tax_schedules"`
	TravelTiers   []seedTravelTier   `yaml:"travel_tiers"`
	Holidays      []string           `yaml:"holidays"`
	Employees     []seedEmployee     `yaml:"employees"`
	SeverityRules []seedSeverityRule `yaml:"severity_rules"`
}

func parseSeedDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("master data seed: %s: %w", field, err)
	}
	return d, nil
}

func parseSeedDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("master data seed: %s: %w", field, err)
	}
	return t, nil
}

// LoadMasterDataSeed parses a YAML seed file and loads it into the master
// data and identity stores. Used at startup when MASTER_DATA_PATH is set
// and by deployments that run without a database.
func LoadMasterDataSeed(ctx context.Context, data []byte, md MasterDataStore, ids IdentityStore) error {
	var seed MasterDataSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("master data seed: %w", err)
	}

	if len(seed.TaxSchedules) > 0 {
		schedules := make([]taxtable.Schedule, 0, len(seed.TaxSchedules))
		for _, ss := range seed.TaxSchedules {
			eff, err := parseSeedDate(ss.Name+".effective_from", ss.EffectiveFrom)
			if err != nil {
				return err
			}
			sched := taxtable.Schedule{Name: ss.Name, EffectiveFrom: eff}
			for i, sb := range ss.Brackets {
				field := fmt.Sprintf("%s.brackets[%d]", ss.Name, i)
				lower, err := parseSeedDecimal(field+".lower", sb.Lower)
				if err != nil {
					return err
				}
				fixed, err := parseSeedDecimal(field+".fixed", sb.Fixed)
				if err != nil {
					return err
				}
				rate, err := parseSeedDecimal(field+".rate", sb.Rate)
				if err != nil {
					return err
				}
				b := taxtable.Bracket{Lower: lower, Fixed: fixed, Rate: rate}
				if sb.Upper != "" {
					upper, err := parseSeedDecimal(field+".upper", sb.Upper)
					if err != nil {
						return err
					}
					b.Upper = &upper
				}
				sched.Brackets = append(sched.Brackets, b)
			}
			schedules = append(schedules, sched)
		}
		if err := md.PutTaxSchedules(ctx, schedules); err != nil {
			return err
		}
	}

	if len(seed.TravelTiers) > 0 {
		tiers := make([]travelband.Tier, 0, len(seed.TravelTiers))
		for i, st := range seed.TravelTiers {
			field := fmt.Sprintf("travel_tiers[%d]", i)
			minKM, err := parseSeedDecimal(field+".min_km", st.MinKM)
			if err != nil {
				return err
			}
			rate, err := parseSeedDecimal(field+".monthly_rate", st.MonthlyRate)
			if err != nil {
				return err
			}
			eff, err := parseSeedDate(field+".effective_from", st.EffectiveFrom)
			if err != nil {
				return err
			}
			t := travelband.Tier{
				Mode:          st.Mode,
				MinKM:         minKM,
				MonthlyRate:   rate,
				EffectiveFrom: eff,
				Active:        st.Active == nil || *st.Active,
			}
			if st.MaxKM != "" {
				maxKM, err := parseSeedDecimal(field+".max_km", st.MaxKM)
				if err != nil {
					return err
				}
				t.MaxKM = &maxKM
			}
			if st.EffectiveTo != "" {
				to, err := parseSeedDate(field+".effective_to", st.EffectiveTo)
				if err != nil {
					return err
				}
				t.EffectiveTo = &to
			}
			tiers = append(tiers, t)
		}
		if err := md.PutTravelTiers(ctx, tiers); err != nil {
			return err
		}
	}

	if len(seed.Holidays) > 0 {
		if err := md.PutHolidays(ctx, seed.Holidays); err != nil {
			return err
		}
	}

	if len(seed.SeverityRules) > 0 {
		rules := make([]reconcile.Rule, 0, len(seed.SeverityRules))
		for _, sr := range seed.SeverityRules {
			rules = append(rules, reconcile.Rule{
				Name:     sr.Name,
				Priority: sr.Priority,
				Expr:     sr.Expr,
				Severity: reconcile.Severity(sr.Severity),
			})
		}
		if err := md.PutSeverityRules(ctx, rules); err != nil {
			return err
		}
	}

	if len(seed.Employees) > 0 {
		emps := make([]Employee, 0, len(seed.Employees))
		for i, se := range seed.Employees {
			e := Employee{
				ID:          se.ID,
				FullName:    se.FullName,
				Email:       se.Email,
				CommuteMode: se.CommuteMode,
				Active:      se.Active == nil || *se.Active,
			}
			if se.CommuteKM != "" {
				km, err := parseSeedDecimal(fmt.Sprintf("employees[%d].commute_km", i), se.CommuteKM)
				if err != nil {
					return err
				}
				e.CommuteKM = km
			}
			emps = append(emps, e)
		}
		if err := ids.PutEmployees(ctx, emps); err != nil {
			return err
		}
	}
	return nil
}
