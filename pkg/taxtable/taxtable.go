// Package taxtable models progressive income-tax schedules as a date-keyed,
// ordered table of bracket sets. Historical law changes are additive data:
// a new schedule with its own effective date, never a new code branch.
package taxtable

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var twelve = decimal.NewFromInt(12)

// Bracket is one progressive slab: income in [Lower, Upper) owes Fixed plus
// Rate on the amount above Lower. A nil Upper means unbounded.
type Bracket struct {
	Lower decimal.Decimal
	Upper *decimal.Decimal
	Fixed decimal.Decimal
	Rate  decimal.Decimal
}

type Schedule struct {
	Name          string
	EffectiveFrom time.Time
	Brackets      []Bracket
}

// Table holds every known schedule ordered by effective date. The schedule
// active on a given date is the latest one effective on or before it.
type Table struct {
	schedules []Schedule
}

func NewTable(schedules []Schedule) (*Table, error) {
	if len(schedules) == 0 {
		return nil, fmt.Errorf("taxtable: at least one schedule is required")
	}
	out := make([]Schedule, len(schedules))
	copy(out, schedules)
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })

	for _, s := range out {
		if err := validateSchedule(s); err != nil {
			return nil, err
		}
	}
	for i := 1; i < len(out); i++ {
		if out[i].EffectiveFrom.Equal(out[i-1].EffectiveFrom) {
			return nil, fmt.Errorf("taxtable: schedules %q and %q share effective date %s",
				out[i-1].Name, out[i].Name, out[i].EffectiveFrom.Format("2006-01-02"))
		}
	}
	return &Table{schedules: out}, nil
}

func validateSchedule(s Schedule) error {
	if s.Name == "" {
		return fmt.Errorf("taxtable: schedule name is required")
	}
	if len(s.Brackets) == 0 {
		return fmt.Errorf("taxtable: schedule %q has no brackets", s.Name)
	}
	for i, b := range s.Brackets {
		if b.Lower.IsNegative() {
			return fmt.Errorf("taxtable: schedule %q bracket %d has negative lower bound", s.Name, i)
		}
		if b.Rate.IsNegative() {
			return fmt.Errorf("taxtable: schedule %q bracket %d has negative rate", s.Name, i)
		}
		if b.Upper != nil && !b.Upper.GreaterThan(b.Lower) {
			return fmt.Errorf("taxtable: schedule %q bracket %d has upper <= lower", s.Name, i)
		}
		if i > 0 {
			prev := s.Brackets[i-1]
			if prev.Upper == nil {
				return fmt.Errorf("taxtable: schedule %q bracket %d follows an unbounded bracket", s.Name, i)
			}
			if !b.Lower.Equal(*prev.Upper) {
				return fmt.Errorf("taxtable: schedule %q bracket %d does not start at previous upper bound", s.Name, i)
			}
		} else if !b.Lower.IsZero() {
			return fmt.Errorf("taxtable: schedule %q first bracket must start at zero", s.Name)
		}
	}
	return nil
}

func (t *Table) Schedules() []Schedule {
	out := make([]Schedule, len(t.schedules))
	copy(out, t.schedules)
	return out
}

// ScheduleOn selects the schedule in force on the given date.
func (t *Table) ScheduleOn(date time.Time) (Schedule, error) {
	var found *Schedule
	for i := range t.schedules {
		if !t.schedules[i].EffectiveFrom.After(date) {
			found = &t.schedules[i]
		}
	}
	if found == nil {
		return Schedule{}, fmt.Errorf("taxtable: no schedule effective on %s", date.Format("2006-01-02"))
	}
	return *found, nil
}

// BracketFor returns the bracket whose [Lower, Upper) range contains the
// annualized taxable figure.
func (s Schedule) BracketFor(annualTaxable decimal.Decimal) (Bracket, error) {
	if annualTaxable.IsNegative() {
		annualTaxable = decimal.Zero
	}
	for _, b := range s.Brackets {
		if annualTaxable.Cmp(b.Lower) >= 0 && (b.Upper == nil || annualTaxable.Cmp(*b.Upper) < 0) {
			return b, nil
		}
	}
	return Bracket{}, fmt.Errorf("taxtable: schedule %q has no bracket for %s", s.Name, annualTaxable.String())
}

// MonthlyTax annualizes the monthly taxable figure, applies the containing
// bracket's fixed tax plus marginal rate, and divides back to a monthly
// amount rounded to 2 places.
func (s Schedule) MonthlyTax(monthlyTaxable decimal.Decimal) (decimal.Decimal, error) {
	if monthlyTaxable.IsNegative() {
		monthlyTaxable = decimal.Zero
	}
	annual := monthlyTaxable.Mul(twelve)
	b, err := s.BracketFor(annual)
	if err != nil {
		return decimal.Zero, err
	}
	annualTax := b.Fixed.Add(b.Rate.Mul(annual.Sub(b.Lower)))
	return annualTax.Div(twelve).Round(2), nil
}
