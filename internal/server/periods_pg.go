package server

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/httperr"
	"github.com/meadowhr/payrollcore/pkg/reconcile"
)

// pgPeriodStore keeps every mutation in one transaction that first re-reads
// the period status FOR UPDATE, so the lifecycle checks hold under
// concurrent operators.
type pgPeriodStore struct {
	pool *pgxpool.Pool
}

func NewPGPeriodStore(pool *pgxpool.Pool) PeriodStore {
	return &pgPeriodStore{pool: pool}
}

const periodColumns = `
  id::text,
  label,
  start_date::text,
  end_date::text,
  status,
  source_mode,
  COALESCE(created_by, ''),
  COALESCE(approved_by, ''),
  COALESCE(approved_at::text, ''),
  summary_identities,
  summary_succeeded,
  summary_failed,
  summary_mismatches,
  summary_total_net::text`

type periodRowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row periodRowScanner) (Period, error) {
	var p Period
	var totalNet string
	err := row.Scan(
		&p.ID, &p.Label, &p.StartDate, &p.EndDate, &p.Status, &p.SourceMode,
		&p.CreatedBy, &p.ApprovedBy, &p.ApprovedAt,
		&p.Summary.Identities, &p.Summary.Succeeded, &p.Summary.Failed,
		&p.Summary.Mismatches, &totalNet,
	)
	if err != nil {
		return Period{}, err
	}
	p.Summary.TotalNet, err = decimal.NewFromString(totalNet)
	if err != nil {
		return Period{}, err
	}
	return p, nil
}

// lockPeriodRow reads the period row FOR UPDATE inside tx.
func lockPeriodRow(ctx context.Context, tx pgx.Tx, periodID string) (Period, error) {
	row := tx.QueryRow(ctx, `
SELECT`+periodColumns+`
FROM payroll.periods
WHERE id = $1::uuid
FOR UPDATE`, periodID)
	p, err := scanPeriod(row)
	if err != nil {
		return Period{}, mapPGError(err, "period not found")
	}
	return p, nil
}

func (s *pgPeriodStore) CreatePeriod(ctx context.Context, p CreatePeriodParams) (Period, error) {
	if _, _, err := validateCreatePeriod(&p); err != nil {
		return Period{}, err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO payroll.periods (id, label, start_date, end_date, status, source_mode, created_by)
VALUES ($1::uuid, $2, $3::date, $4::date, $5, $6, NULLIF($7, ''))
RETURNING`+periodColumns,
		newID(), p.Label, p.StartDate, p.EndDate, StatusDraft, p.SourceMode, p.CreatedBy)
	period, err := scanPeriod(row)
	if err != nil {
		if isPgUniqueViolation(err) {
			return Period{}, httperr.NewConflict("period with this label already exists")
		}
		return Period{}, mapPGError(err, "period not found")
	}
	return period, nil
}

func (s *pgPeriodStore) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	row := s.pool.QueryRow(ctx, `
SELECT`+periodColumns+`
FROM payroll.periods
WHERE id = $1::uuid`, periodID)
	p, err := scanPeriod(row)
	if err != nil {
		return Period{}, mapPGError(err, "period not found")
	}
	return p, nil
}

func (s *pgPeriodStore) ListPeriods(ctx context.Context) ([]Period, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+periodColumns+`
FROM payroll.periods
ORDER BY start_date ASC, id::text ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// resetAfterEdit clears computed state and drops the period back to DRAFT.
func resetAfterEdit(ctx context.Context, tx pgx.Tx, period Period) error {
	if period.Status == StatusDraft {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM payroll.computed_values WHERE period_id = $1::uuid`, period.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM payroll.mismatches WHERE period_id = $1::uuid`, period.ID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
UPDATE payroll.periods
SET status = $2,
    summary_identities = 0, summary_succeeded = 0, summary_failed = 0,
    summary_mismatches = 0, summary_total_net = 0
WHERE id = $1::uuid`, period.ID, StatusDraft)
	return err
}

func (s *pgPeriodStore) withEditableTx(ctx context.Context, periodID string, fn func(tx pgx.Tx, period Period) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	period, err := lockPeriodRow(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if editBlocked(period.Status) {
		return httperr.NewConflict("period is not editable in status " + string(period.Status))
	}
	if err := fn(tx, period); err != nil {
		return err
	}
	if err := resetAfterEdit(ctx, tx, period); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgPeriodStore) CarryForward(ctx context.Context, targetID string, baseID string) (CarryForwardStats, error) {
	var stats CarryForwardStats
	err := s.withEditableTx(ctx, targetID, func(tx pgx.Tx, target Period) error {
		if baseID == "" {
			row := tx.QueryRow(ctx, `
SELECT id::text FROM payroll.periods
WHERE id <> $1::uuid AND start_date < $2::date
ORDER BY start_date DESC
LIMIT 1`, target.ID, target.StartDate)
			if err := row.Scan(&baseID); err != nil {
				return httperr.NewBadRequest("no earlier period to carry forward from")
			}
		} else {
			var baseStart string
			row := tx.QueryRow(ctx, `SELECT start_date::text FROM payroll.periods WHERE id = $1::uuid`, baseID)
			if err := row.Scan(&baseStart); err != nil {
				return mapPGError(err, "base period not found")
			}
			if baseID == target.ID || baseStart >= target.StartDate {
				return httperr.NewBadRequest("base period must start before the target period")
			}
		}
		stats.BasePeriodID = baseID

		tag, err := tx.Exec(ctx, `
INSERT INTO payroll.input_values
  (period_id, name_key, raw_name, component, amount, source, source_priority, overridden)
SELECT $1::uuid, name_key, raw_name, component, amount, $3, 0, false
FROM payroll.input_values
WHERE period_id = $2::uuid AND component <> $4
ON CONFLICT (period_id, name_key, component) DO UPDATE
SET amount = EXCLUDED.amount,
    raw_name = EXCLUDED.raw_name,
    source = EXCLUDED.source,
    source_sheet = NULL,
    source_cell = NULL,
    source_priority = 0,
    overridden = false,
    note = NULL`, target.ID, baseID, SourceCarryForward, componentPaidNet)
		if err != nil {
			return err
		}
		stats.Values = int(tag.RowsAffected())

		if _, err := tx.Exec(ctx, `
DELETE FROM payroll.expense_entries
WHERE period_id = $1::uuid AND source = $2`, target.ID, SourceCarryForward); err != nil {
			return err
		}
		tag, err = tx.Exec(ctx, `
INSERT INTO payroll.expense_entries (id, period_id, name_key, category, description, amount, source)
SELECT gen_random_uuid(), $1::uuid, name_key, category, description, amount, $3
FROM payroll.expense_entries
WHERE period_id = $2::uuid`, target.ID, baseID, SourceCarryForward)
		if err != nil {
			return err
		}
		stats.Expenses = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return CarryForwardStats{}, err
	}
	return stats, nil
}

func (s *pgPeriodStore) ReplaceImport(ctx context.Context, periodID string, im ImportPayload) (ImportStats, error) {
	var stats ImportStats
	err := s.withEditableTx(ctx, periodID, func(tx pgx.Tx, period Period) error {
		for _, v := range im.Values {
			var overridden bool
			err := tx.QueryRow(ctx, `
SELECT overridden FROM payroll.input_values
WHERE period_id = $1::uuid AND name_key = $2 AND component = $3`,
				period.ID, v.NameKey, v.Component).Scan(&overridden)
			switch {
			case err == nil && overridden:
				stats.OverridesKept++
				continue
			case err == nil:
				stats.ValuesSuperseded++
			case err != pgx.ErrNoRows:
				return err
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO payroll.input_values
  (period_id, name_key, raw_name, component, amount, source, source_sheet, source_cell, source_priority, overridden)
VALUES ($1::uuid, $2, NULLIF($3, ''), $4, $5::numeric, $6, NULLIF($7, ''), NULLIF($8, ''), $9, false)
ON CONFLICT (period_id, name_key, component) DO UPDATE
SET amount = EXCLUDED.amount,
    raw_name = EXCLUDED.raw_name,
    source = EXCLUDED.source,
    source_sheet = EXCLUDED.source_sheet,
    source_cell = EXCLUDED.source_cell,
    source_priority = EXCLUDED.source_priority,
    overridden = false,
    note = NULL`,
				period.ID, v.NameKey, v.RawName, v.Component, v.Amount.String(),
				SourceWorkbook, v.SourceSheet, v.SourceCell, v.SourcePriority); err != nil {
				return err
			}
			stats.ValuesWritten++
		}

		if _, err := tx.Exec(ctx, `
DELETE FROM payroll.expense_entries
WHERE period_id = $1::uuid AND source = $2`, period.ID, SourceWorkbook); err != nil {
			return err
		}
		for _, e := range im.Expenses {
			if _, err := tx.Exec(ctx, `
INSERT INTO payroll.expense_entries (id, period_id, name_key, category, description, amount, source)
VALUES ($1::uuid, $2::uuid, NULLIF($3, ''), $4, $5, $6::numeric, $7)`,
				newID(), period.ID, e.NameKey, e.Category, e.Description, e.Amount.String(), SourceWorkbook); err != nil {
				return err
			}
			stats.Expenses++
		}

		if _, err := tx.Exec(ctx, `DELETE FROM payroll.row_snapshots WHERE period_id = $1::uuid`, period.ID); err != nil {
			return err
		}
		for _, snap := range im.Snapshots {
			if _, err := tx.Exec(ctx, `
INSERT INTO payroll.row_snapshots (id, period_id, sheet, row_number, raw_name, name_key, cells)
VALUES ($1::uuid, $2::uuid, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
				newID(), period.ID, snap.Sheet, snap.Row, snap.RawName, snap.NameKey, snap.Cells); err != nil {
				return err
			}
			stats.Snapshots++
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}
	return stats, nil
}

func (s *pgPeriodStore) ListInputValues(ctx context.Context, periodID string) ([]InputValue, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT name_key, COALESCE(raw_name, ''), component, amount::text,
       source, COALESCE(source_sheet, ''), COALESCE(source_cell, ''),
       source_priority, overridden, COALESCE(note, '')
FROM payroll.input_values
WHERE period_id = $1::uuid
ORDER BY name_key, component`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InputValue
	for rows.Next() {
		var v InputValue
		var amount string
		if err := rows.Scan(&v.NameKey, &v.RawName, &v.Component, &amount,
			&v.Source, &v.SourceSheet, &v.SourceCell, &v.SourcePriority, &v.Overridden, &v.Note); err != nil {
			return nil, err
		}
		if v.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) SetInputValue(ctx context.Context, periodID string, p ManualInputParams) error {
	if p.NameKey == "" || p.Component == "" {
		return httperr.NewBadRequest("name_key and component are required")
	}
	return s.withEditableTx(ctx, periodID, func(tx pgx.Tx, period Period) error {
		_, err := tx.Exec(ctx, `
INSERT INTO payroll.input_values
  (period_id, name_key, component, amount, source, source_priority, overridden, note)
VALUES ($1::uuid, $2, $3, $4::numeric, $5, 0, $6, NULLIF($7, ''))
ON CONFLICT (period_id, name_key, component) DO UPDATE
SET amount = EXCLUDED.amount,
    source = EXCLUDED.source,
    source_sheet = NULL,
    source_cell = NULL,
    overridden = EXCLUDED.overridden,
    note = EXCLUDED.note`,
			period.ID, p.NameKey, p.Component, p.Amount.String(), SourceManual, p.Override, p.Note)
		return err
	})
}

func (s *pgPeriodStore) ListExpenses(ctx context.Context, periodID string) ([]ExpenseEntry, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT id::text, COALESCE(name_key, ''), category, COALESCE(description, ''), amount::text, source
FROM payroll.expense_entries
WHERE period_id = $1::uuid
ORDER BY id::text`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExpenseEntry
	for rows.Next() {
		var e ExpenseEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.NameKey, &e.Category, &e.Description, &amount, &e.Source); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) AddExpense(ctx context.Context, periodID string, p ExpenseParams) (ExpenseEntry, error) {
	if p.Category == "" {
		return ExpenseEntry{}, httperr.NewBadRequest("category is required")
	}
	entry := ExpenseEntry{
		ID:          newID(),
		NameKey:     p.NameKey,
		Category:    p.Category,
		Description: p.Description,
		Amount:      p.Amount,
		Source:      string(SourceManual),
	}
	err := s.withEditableTx(ctx, periodID, func(tx pgx.Tx, period Period) error {
		_, err := tx.Exec(ctx, `
INSERT INTO payroll.expense_entries (id, period_id, name_key, category, description, amount, source)
VALUES ($1::uuid, $2::uuid, NULLIF($3, ''), $4, $5, $6::numeric, $7)`,
			entry.ID, period.ID, entry.NameKey, entry.Category, entry.Description, entry.Amount.String(), entry.Source)
		return err
	})
	if err != nil {
		return ExpenseEntry{}, err
	}
	return entry, nil
}

func (s *pgPeriodStore) ListAttendance(ctx context.Context, periodID string) ([]AttendanceEntry, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT name_key, day::text, status
FROM payroll.attendance_entries
WHERE period_id = $1::uuid
ORDER BY name_key, day`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttendanceEntry
	for rows.Next() {
		var a AttendanceEntry
		if err := rows.Scan(&a.NameKey, &a.Date, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) SetAttendance(ctx context.Context, periodID string, nameKey string, day string, status AttendanceStatus) error {
	if err := validateAttendanceStatus(status); err != nil {
		return err
	}
	d, err := parseDate(day)
	if err != nil {
		return err
	}
	if nameKey == "" {
		return httperr.NewBadRequest("name_key is required")
	}
	day = d.Format(dateLayout)
	return s.withEditableTx(ctx, periodID, func(tx pgx.Tx, period Period) error {
		if day < period.StartDate || day > period.EndDate {
			return httperr.NewBadRequest("attendance date outside the period")
		}
		_, err := tx.Exec(ctx, `
INSERT INTO payroll.attendance_entries (period_id, name_key, day, status)
VALUES ($1::uuid, $2, $3::date, $4)
ON CONFLICT (period_id, name_key, day) DO UPDATE SET status = EXCLUDED.status`,
			period.ID, nameKey, day, status)
		return err
	})
}

func (s *pgPeriodStore) ListSnapshots(ctx context.Context, periodID string) ([]RowSnapshot, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT sheet, row_number, COALESCE(raw_name, ''), COALESCE(name_key, ''), cells
FROM payroll.row_snapshots
WHERE period_id = $1::uuid
ORDER BY sheet, row_number`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RowSnapshot
	for rows.Next() {
		var snap RowSnapshot
		if err := rows.Scan(&snap.Sheet, &snap.Row, &snap.RawName, &snap.NameKey, &snap.Cells); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) BeginRecalculation(ctx context.Context, periodID string) (Period, error) {
	p, err := s.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if !recalcAllowed(p.Status) {
		return Period{}, httperr.NewConflict("cannot recalculate in status " + string(p.Status))
	}
	return p, nil
}

func (s *pgPeriodStore) FinishRecalculation(ctx context.Context, periodID string, out RecalcOutcome) (Period, error) {
	switch out.Status {
	case StatusCalculated, StatusPartial, StatusFailed:
	default:
		return Period{}, httperr.NewBadRequest("invalid recalculation outcome status")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Period{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	period, err := lockPeriodRow(ctx, tx, periodID)
	if err != nil {
		return Period{}, err
	}
	if !recalcAllowed(period.Status) {
		return Period{}, httperr.NewConflict("cannot recalculate in status " + string(period.Status))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM payroll.computed_values WHERE period_id = $1::uuid`, periodID); err != nil {
		return Period{}, err
	}
	for _, cv := range out.Computed {
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.computed_values (period_id, name_key, metric, amount)
VALUES ($1::uuid, $2, $3, $4::numeric)`, periodID, cv.NameKey, cv.Metric, cv.Amount.String()); err != nil {
			return Period{}, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM payroll.mismatches WHERE period_id = $1::uuid`, periodID); err != nil {
		return Period{}, err
	}
	for _, m := range out.Mismatches {
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.mismatches (period_id, name_key, computed, paid, delta, tolerance, severity)
VALUES ($1::uuid, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)`,
			periodID, m.NameKey, m.Computed.String(), m.Paid.String(), m.Delta.String(), m.Tolerance.String(), m.Severity); err != nil {
			return Period{}, err
		}
	}

	row := tx.QueryRow(ctx, `
UPDATE payroll.periods
SET status = $2,
    summary_identities = $3, summary_succeeded = $4, summary_failed = $5,
    summary_mismatches = $6, summary_total_net = $7::numeric
WHERE id = $1::uuid
RETURNING`+periodColumns,
		periodID, out.Status,
		out.Summary.Identities, out.Summary.Succeeded, out.Summary.Failed,
		out.Summary.Mismatches, out.Summary.TotalNet.String())
	period, err = scanPeriod(row)
	if err != nil {
		return Period{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Period{}, err
	}
	return period, nil
}

func (s *pgPeriodStore) ListComputedValues(ctx context.Context, periodID string) ([]ComputedValue, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT name_key, metric, amount::text
FROM payroll.computed_values
WHERE period_id = $1::uuid
ORDER BY name_key, metric`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ComputedValue
	for rows.Next() {
		var cv ComputedValue
		var amount string
		if err := rows.Scan(&cv.NameKey, &cv.Metric, &amount); err != nil {
			return nil, err
		}
		if cv.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) ListMismatches(ctx context.Context, periodID string) ([]MismatchRecord, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT name_key, computed::text, paid::text, delta::text, tolerance::text, severity
FROM payroll.mismatches
WHERE period_id = $1::uuid
ORDER BY name_key`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MismatchRecord
	for rows.Next() {
		var m MismatchRecord
		var computed, paid, delta, tolerance string
		var severity string
		if err := rows.Scan(&m.NameKey, &computed, &paid, &delta, &tolerance, &severity); err != nil {
			return nil, err
		}
		if m.Computed, err = decimal.NewFromString(computed); err != nil {
			return nil, err
		}
		if m.Paid, err = decimal.NewFromString(paid); err != nil {
			return nil, err
		}
		if m.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		if m.Tolerance, err = decimal.NewFromString(tolerance); err != nil {
			return nil, err
		}
		m.Severity = reconcile.Severity(severity)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) recordTransition(ctx context.Context, tx pgx.Tx, periodID string, prior, next PeriodStatus, actor, comment string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO payroll.approval_events (id, period_id, prior_status, new_status, actor, comment, at)
VALUES ($1::uuid, $2::uuid, $3, $4, NULLIF($5, ''), NULLIF($6, ''), now())`,
		newID(), periodID, prior, next, actor, comment)
	return err
}

func (s *pgPeriodStore) ApprovePeriod(ctx context.Context, periodID string, approver string, comment string) (Period, error) {
	if approver == "" {
		return Period{}, httperr.NewBadRequest("approver is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Period{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	period, err := lockPeriodRow(ctx, tx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusCalculated {
		return Period{}, httperr.NewConflict("cannot approve in status " + string(period.Status))
	}
	if err := s.recordTransition(ctx, tx, periodID, period.Status, StatusApproved, approver, comment); err != nil {
		return Period{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE payroll.periods
SET status = $2, approved_by = $3, approved_at = now()
WHERE id = $1::uuid
RETURNING`+periodColumns, periodID, StatusApproved, approver)
	period, err = scanPeriod(row)
	if err != nil {
		return Period{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Period{}, err
	}
	return period, nil
}

func (s *pgPeriodStore) LockPeriod(ctx context.Context, periodID string, actor string, comment string) (Period, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Period{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	period, err := lockPeriodRow(ctx, tx, periodID)
	if err != nil {
		return Period{}, err
	}
	if !lockAllowed(period.Status) {
		return Period{}, httperr.NewConflict("cannot lock in status " + string(period.Status))
	}
	if err := s.recordTransition(ctx, tx, periodID, period.Status, StatusLocked, actor, comment); err != nil {
		return Period{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE payroll.periods SET status = $2 WHERE id = $1::uuid
RETURNING`+periodColumns, periodID, StatusLocked)
	period, err = scanPeriod(row)
	if err != nil {
		return Period{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Period{}, err
	}
	return period, nil
}

func (s *pgPeriodStore) ListApprovalEvents(ctx context.Context, periodID string) ([]ApprovalEvent, error) {
	if _, err := s.GetPeriod(ctx, periodID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT period_id::text, prior_status, new_status, COALESCE(actor, ''), COALESCE(comment, ''), at::text
FROM payroll.approval_events
WHERE period_id = $1::uuid
ORDER BY at ASC, id::text ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ApprovalEvent
	for rows.Next() {
		var ev ApprovalEvent
		if err := rows.Scan(&ev.PeriodID, &ev.PriorStatus, &ev.NewStatus, &ev.Actor, &ev.Comment, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *pgPeriodStore) BeginDispatch(ctx context.Context, periodID string) (Period, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Period{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	period, err := lockPeriodRow(ctx, tx, periodID)
	if err != nil {
		return Period{}, err
	}
	switch period.Status {
	case StatusApproved, StatusPartial, StatusFailed:
	default:
		return Period{}, httperr.NewConflict("cannot dispatch in status " + string(period.Status))
	}
	if err := s.recordTransition(ctx, tx, periodID, period.Status, StatusSending, "", ""); err != nil {
		return Period{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE payroll.periods SET status = $2 WHERE id = $1::uuid
RETURNING`+periodColumns, periodID, StatusSending)
	period, err = scanPeriod(row)
	if err != nil {
		return Period{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Period{}, err
	}
	return period, nil
}

func (s *pgPeriodStore) FinishDispatch(ctx context.Context, periodID string, succeeded int, failed int) (Period, error) {
	next := StatusFailed
	switch {
	case failed == 0 && succeeded > 0:
		next = StatusSent
	case succeeded > 0:
		next = StatusPartial
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Period{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	period, err := lockPeriodRow(ctx, tx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusSending {
		return Period{}, httperr.NewConflict("period is not dispatching")
	}
	row := tx.QueryRow(ctx, `
UPDATE payroll.periods SET status = $2 WHERE id = $1::uuid
RETURNING`+periodColumns, periodID, next)
	period, err = scanPeriod(row)
	if err != nil {
		return Period{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Period{}, err
	}
	return period, nil
}
