package server

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgReceiptStore struct {
	pool *pgxpool.Pool
}

func NewPGReceiptStore(pool *pgxpool.Pool) ReceiptStore {
	return &pgReceiptStore{pool: pool}
}

const receiptColumns = `
  id::text,
  period_id::text,
  name_key,
  COALESCE(employee_id::text, ''),
  status,
  COALESCE(error, ''),
  COALESCE(provider_envelope_id, ''),
  updated_at::text`

func scanReceipt(row periodRowScanner) (Receipt, error) {
	var r Receipt
	err := row.Scan(&r.ID, &r.PeriodID, &r.NameKey, &r.EmployeeID, &r.Status, &r.Error, &r.ProviderEnvelopeID, &r.UpdatedAt)
	return r, err
}

func (s *pgReceiptStore) EnsureReceipts(ctx context.Context, periodID string, recipients []ReceiptRecipient) ([]Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	for _, rec := range recipients {
		if _, err := tx.Exec(ctx, `
INSERT INTO payroll.receipts (id, period_id, name_key, employee_id, status, updated_at)
VALUES ($1::uuid, $2::uuid, $3, NULLIF($4, '')::uuid, $5, now())
ON CONFLICT (period_id, name_key) DO UPDATE
SET employee_id = COALESCE(payroll.receipts.employee_id, EXCLUDED.employee_id)`,
			newID(), periodID, rec.NameKey, rec.EmployeeID, ReceiptReady); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.ListReceipts(ctx, periodID)
}

func (s *pgReceiptStore) ListReceipts(ctx context.Context, periodID string) ([]Receipt, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+receiptColumns+`
FROM payroll.receipts
WHERE period_id = $1::uuid
ORDER BY name_key`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgReceiptStore) MarkReceiptFailed(ctx context.Context, receiptID string, reason string) (Receipt, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE payroll.receipts
SET status = $2, error = $3, updated_at = now()
WHERE id = $1::uuid
RETURNING`+receiptColumns, receiptID, ReceiptFailed, reason)
	r, err := scanReceipt(row)
	if err != nil {
		return Receipt{}, mapPGError(err, "receipt not found")
	}
	return r, nil
}

func (s *pgReceiptStore) RecordEnvelope(ctx context.Context, receiptID string, env EnvelopeRecord, status ReceiptStatus) (Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO payroll.envelopes (id, receipt_id, provider_envelope_id, provider_status, error, created_at)
VALUES ($1::uuid, $2::uuid, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), now())`,
		newID(), receiptID, env.ProviderEnvelopeID, env.ProviderStatus, env.Error); err != nil {
		return Receipt{}, err
	}

	row := tx.QueryRow(ctx, `
UPDATE payroll.receipts
SET status = $2,
    error = NULLIF($3, ''),
    provider_envelope_id = COALESCE(NULLIF($4, ''), provider_envelope_id),
    updated_at = now()
WHERE id = $1::uuid
RETURNING`+receiptColumns, receiptID, status, env.Error, env.ProviderEnvelopeID)
	r, err := scanReceipt(row)
	if err != nil {
		return Receipt{}, mapPGError(err, "receipt not found")
	}
	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (s *pgReceiptStore) ListEnvelopes(ctx context.Context, periodID string) ([]EnvelopeRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT e.id::text, e.receipt_id::text, COALESCE(e.provider_envelope_id, ''),
       COALESCE(e.provider_status, ''), COALESCE(e.error, ''), e.created_at::text
FROM payroll.envelopes e
JOIN payroll.receipts r ON r.id = e.receipt_id
WHERE r.period_id = $1::uuid
ORDER BY e.created_at ASC, e.id::text ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EnvelopeRecord
	for rows.Next() {
		var env EnvelopeRecord
		if err := rows.Scan(&env.ID, &env.ReceiptID, &env.ProviderEnvelopeID, &env.ProviderStatus, &env.Error, &env.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *pgReceiptStore) ApplyProviderEvent(ctx context.Context, providerEnvelopeID string, providerStatus string, mapped ReceiptStatus) (WebhookApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	row := tx.QueryRow(ctx, `
SELECT`+receiptColumns+`
FROM payroll.receipts
WHERE provider_envelope_id = $1
FOR UPDATE`, providerEnvelopeID)
	r, err := scanReceipt(row)
	if err == pgx.ErrNoRows {
		return WebhookUnknownTarget, nil
	}
	if err != nil {
		return "", err
	}
	if receiptTerminal(r.Status) || receiptRank(mapped) <= receiptRank(r.Status) {
		return WebhookIgnoredKnown, nil
	}

	errMsg := ""
	if mapped == ReceiptFailed {
		errMsg = providerStatus
	}
	if _, err := tx.Exec(ctx, `
UPDATE payroll.receipts
SET status = $2, error = NULLIF($3, ''), updated_at = now()
WHERE id = $1::uuid`, r.ID, mapped, errMsg); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return WebhookApplied, nil
}
