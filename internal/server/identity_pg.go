package server

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/httperr"
)

type pgIdentityStore struct {
	pool *pgxpool.Pool
}

func NewPGIdentityStore(pool *pgxpool.Pool) IdentityStore {
	return &pgIdentityStore{pool: pool}
}

func (s *pgIdentityStore) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, full_name, COALESCE(email, ''), COALESCE(commute_mode, ''), commute_km::text, active
FROM payroll.employees
ORDER BY id::text`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		var e Employee
		var km string
		if err := rows.Scan(&e.ID, &e.FullName, &e.Email, &e.CommuteMode, &km, &e.Active); err != nil {
			return nil, err
		}
		if e.CommuteKM, err = decimal.NewFromString(km); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgIdentityStore) PutEmployees(ctx context.Context, emps []Employee) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	for _, e := range emps {
		if e.FullName == "" {
			return httperr.NewBadRequest("employee full_name is required")
		}
		if e.ID == "" {
			e.ID = newID()
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.employees (id, full_name, email, commute_mode, commute_km, active)
VALUES ($1::uuid, $2, NULLIF($3, ''), NULLIF($4, ''), $5::numeric, $6)
ON CONFLICT (id) DO UPDATE
SET full_name = EXCLUDED.full_name,
    email = EXCLUDED.email,
    commute_mode = EXCLUDED.commute_mode,
    commute_km = EXCLUDED.commute_km,
    active = EXCLUDED.active`,
			e.ID, e.FullName, e.Email, e.CommuteMode, e.CommuteKM.String(), e.Active); err != nil {
			return mapPGError(err, "employee not found")
		}
	}
	return tx.Commit(ctx)
}

func (s *pgIdentityStore) GetEmployee(ctx context.Context, id string) (Employee, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id::text, full_name, COALESCE(email, ''), COALESCE(commute_mode, ''), commute_km::text, active
FROM payroll.employees
WHERE id = $1::uuid`, id)
	var e Employee
	var km string
	err := row.Scan(&e.ID, &e.FullName, &e.Email, &e.CommuteMode, &km, &e.Active)
	if err == pgx.ErrNoRows {
		return Employee{}, false, nil
	}
	if err != nil {
		return Employee{}, false, mapPGError(err, "employee not found")
	}
	if e.CommuteKM, err = decimal.NewFromString(km); err != nil {
		return Employee{}, false, err
	}
	return e, true, nil
}

func (s *pgIdentityStore) ListMappings(ctx context.Context) ([]IdentityMapping, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name_key, COALESCE(raw_name, ''), COALESCE(employee_id::text, ''), status, COALESCE(matched_at::text, '')
FROM payroll.identity_mappings
ORDER BY name_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IdentityMapping
	for rows.Next() {
		var m IdentityMapping
		if err := rows.Scan(&m.NameKey, &m.RawName, &m.EmployeeID, &m.Status, &m.MatchedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgIdentityStore) GetMapping(ctx context.Context, nameKey string) (IdentityMapping, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT name_key, COALESCE(raw_name, ''), COALESCE(employee_id::text, ''), status, COALESCE(matched_at::text, '')
FROM payroll.identity_mappings
WHERE name_key = $1`, nameKey)
	var m IdentityMapping
	err := row.Scan(&m.NameKey, &m.RawName, &m.EmployeeID, &m.Status, &m.MatchedAt)
	if err == pgx.ErrNoRows {
		return IdentityMapping{}, false, nil
	}
	if err != nil {
		return IdentityMapping{}, false, err
	}
	return m, true, nil
}

func (s *pgIdentityStore) UpsertMapping(ctx context.Context, m IdentityMapping) error {
	if m.NameKey == "" {
		return httperr.NewBadRequest("name_key is required")
	}
	// Manual bindings win over re-resolution, enforced in the WHERE clause
	// of the upsert so concurrent imports cannot clobber them.
	_, err := s.pool.Exec(ctx, `
INSERT INTO payroll.identity_mappings (name_key, raw_name, employee_id, status, matched_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, '')::uuid, $4, NULLIF($5, '')::timestamptz)
ON CONFLICT (name_key) DO UPDATE
SET raw_name = EXCLUDED.raw_name,
    employee_id = EXCLUDED.employee_id,
    status = EXCLUDED.status,
    matched_at = EXCLUDED.matched_at
WHERE payroll.identity_mappings.status <> 'MANUAL_MATCHED'`,
		m.NameKey, m.RawName, m.EmployeeID, m.Status, m.MatchedAt)
	return err
}

func (s *pgIdentityStore) BindMapping(ctx context.Context, nameKey string, employeeID string) (IdentityMapping, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IdentityMapping{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payroll.employees WHERE id = $1::uuid)`, employeeID).Scan(&exists); err != nil {
		return IdentityMapping{}, mapPGError(err, "employee not found")
	}
	if !exists {
		return IdentityMapping{}, httperr.NewNotFound("employee not found")
	}

	row := tx.QueryRow(ctx, `
INSERT INTO payroll.identity_mappings (name_key, employee_id, status, matched_at)
VALUES ($1, $2::uuid, $3, now())
ON CONFLICT (name_key) DO UPDATE
SET employee_id = EXCLUDED.employee_id,
    status = EXCLUDED.status,
    matched_at = EXCLUDED.matched_at
RETURNING name_key, COALESCE(raw_name, ''), employee_id::text, status, matched_at::text`,
		nameKey, employeeID, MappingManualMatched)
	var m IdentityMapping
	if err := row.Scan(&m.NameKey, &m.RawName, &m.EmployeeID, &m.Status, &m.MatchedAt); err != nil {
		return IdentityMapping{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return IdentityMapping{}, err
	}
	return m, nil
}
