package server

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/reconcile"
	"github.com/meadowhr/payrollcore/pkg/taxtable"
	"github.com/meadowhr/payrollcore/pkg/travelband"
)

// pgMasterDataStore persists reference tables. Brackets live as jsonb on the
// schedule row: they are only ever read and written as a set.
type pgMasterDataStore struct {
	pool *pgxpool.Pool
}

func NewPGMasterDataStore(pool *pgxpool.Pool) MasterDataStore {
	return &pgMasterDataStore{pool: pool}
}

type pgBracket struct {
	Lower string `json:"lower"`
	Upper string `json:"upper,omitempty"`
	Fixed string `json:"fixed"`
	Rate  string `json:"rate"`
}

func bracketsToJSON(brackets []taxtable.Bracket) []pgBracket {
	out := make([]pgBracket, 0, len(brackets))
	for _, b := range brackets {
		pb := pgBracket{Lower: b.Lower.String(), Fixed: b.Fixed.String(), Rate: b.Rate.String()}
		if b.Upper != nil {
			pb.Upper = b.Upper.String()
		}
		out = append(out, pb)
	}
	return out
}

func bracketsFromJSON(raw []pgBracket) ([]taxtable.Bracket, error) {
	out := make([]taxtable.Bracket, 0, len(raw))
	for _, pb := range raw {
		lower, err := decimal.NewFromString(pb.Lower)
		if err != nil {
			return nil, err
		}
		fixed, err := decimal.NewFromString(pb.Fixed)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(pb.Rate)
		if err != nil {
			return nil, err
		}
		b := taxtable.Bracket{Lower: lower, Fixed: fixed, Rate: rate}
		if pb.Upper != "" {
			upper, err := decimal.NewFromString(pb.Upper)
			if err != nil {
				return nil, err
			}
			b.Upper = &upper
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *pgMasterDataStore) TaxSchedules(ctx context.Context) ([]taxtable.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name, effective_from::text, brackets
FROM payroll.tax_schedules
ORDER BY effective_from ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []taxtable.Schedule
	for rows.Next() {
		var name, eff string
		var raw []pgBracket
		if err := rows.Scan(&name, &eff, &raw); err != nil {
			return nil, err
		}
		effDate, err := time.Parse(dateLayout, eff)
		if err != nil {
			return nil, err
		}
		brackets, err := bracketsFromJSON(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, taxtable.Schedule{Name: name, EffectiveFrom: effDate, Brackets: brackets})
	}
	return out, rows.Err()
}

func (s *pgMasterDataStore) PutTaxSchedules(ctx context.Context, schedules []taxtable.Schedule) error {
	if _, err := taxtable.NewTable(schedules); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `DELETE FROM payroll.tax_schedules`); err != nil {
		return err
	}
	for _, sched := range schedules {
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.tax_schedules (id, name, effective_from, brackets)
VALUES ($1::uuid, $2, $3::date, $4)`,
			newID(), sched.Name, sched.EffectiveFrom.Format(dateLayout), bracketsToJSON(sched.Brackets)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *pgMasterDataStore) TravelTiers(ctx context.Context) ([]travelband.Tier, error) {
	rows, err := s.pool.Query(ctx, `
SELECT mode, min_km::text, COALESCE(max_km::text, ''), monthly_rate::text,
       effective_from::text, COALESCE(effective_to::text, ''), active
FROM payroll.travel_tiers
ORDER BY mode, min_km, effective_from`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []travelband.Tier
	for rows.Next() {
		var t travelband.Tier
		var minKM, maxKM, rate, eff, to string
		if err := rows.Scan(&t.Mode, &minKM, &maxKM, &rate, &eff, &to, &t.Active); err != nil {
			return nil, err
		}
		if t.MinKM, err = decimal.NewFromString(minKM); err != nil {
			return nil, err
		}
		if t.MonthlyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if t.EffectiveFrom, err = time.Parse(dateLayout, eff); err != nil {
			return nil, err
		}
		if maxKM != "" {
			mk, err := decimal.NewFromString(maxKM)
			if err != nil {
				return nil, err
			}
			t.MaxKM = &mk
		}
		if to != "" {
			td, err := time.Parse(dateLayout, to)
			if err != nil {
				return nil, err
			}
			t.EffectiveTo = &td
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgMasterDataStore) PutTravelTiers(ctx context.Context, tiers []travelband.Tier) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `DELETE FROM payroll.travel_tiers`); err != nil {
		return err
	}
	for _, t := range tiers {
		var maxKM, to any
		if t.MaxKM != nil {
			maxKM = t.MaxKM.String()
		}
		if t.EffectiveTo != nil {
			to = t.EffectiveTo.Format(dateLayout)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.travel_tiers (id, mode, min_km, max_km, monthly_rate, effective_from, effective_to, active)
VALUES ($1::uuid, $2, $3::numeric, $4::numeric, $5::numeric, $6::date, $7::date, $8)`,
			newID(), t.Mode, t.MinKM.String(), maxKM, t.MonthlyRate.String(),
			t.EffectiveFrom.Format(dateLayout), to, t.Active); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *pgMasterDataStore) Holidays(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT day::text FROM payroll.holidays ORDER BY day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgMasterDataStore) PutHolidays(ctx context.Context, days []string) error {
	parsed := make([]string, 0, len(days))
	for _, d := range days {
		t, err := parseDate(d)
		if err != nil {
			return err
		}
		parsed = append(parsed, t.Format(dateLayout))
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `DELETE FROM payroll.holidays`); err != nil {
		return err
	}
	for _, d := range parsed {
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.holidays (day) VALUES ($1::date)
ON CONFLICT (day) DO NOTHING`, d); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *pgMasterDataStore) SeverityRules(ctx context.Context) ([]reconcile.Rule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name, priority, expr, severity
FROM payroll.severity_rules
ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reconcile.Rule
	for rows.Next() {
		var r reconcile.Rule
		var severity string
		if err := rows.Scan(&r.Name, &r.Priority, &r.Expr, &severity); err != nil {
			return nil, err
		}
		r.Severity = reconcile.Severity(severity)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgMasterDataStore) PutSeverityRules(ctx context.Context, rules []reconcile.Rule) error {
	if _, err := reconcile.NewClassifier(rules); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `DELETE FROM payroll.severity_rules`); err != nil {
		return err
	}
	for _, r := range rules {
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.severity_rules (id, name, priority, expr, severity)
VALUES ($1::uuid, $2, $3, $4, $5)`,
			newID(), r.Name, r.Priority, r.Expr, r.Severity); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
