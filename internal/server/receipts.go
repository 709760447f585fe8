package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meadowhr/payrollcore/pkg/httperr"
)

type ReceiptStatus string

const (
	ReceiptReady           ReceiptStatus = "READY"
	ReceiptEnvelopeCreated ReceiptStatus = "ENVELOPE_CREATED"
	ReceiptSent            ReceiptStatus = "SENT"
	ReceiptCompleted       ReceiptStatus = "COMPLETED"
	ReceiptFailed          ReceiptStatus = "FAILED"
)

// receiptRank orders statuses by how far along the signature flow they are.
// Provider events may arrive out of order or repeated; a status only ever
// moves forward through this ranking.
func receiptRank(s ReceiptStatus) int {
	switch s {
	case ReceiptReady:
		return 0
	case ReceiptEnvelopeCreated:
		return 1
	case ReceiptSent:
		return 2
	case ReceiptCompleted, ReceiptFailed:
		return 3
	}
	return 0
}

func receiptTerminal(s ReceiptStatus) bool {
	return s == ReceiptCompleted || s == ReceiptFailed
}

type Receipt struct {
	ID                 string        `json:"id"`
	PeriodID           string        `json:"period_id"`
	NameKey            string        `json:"name_key"`
	EmployeeID         string        `json:"employee_id,omitempty"`
	Status             ReceiptStatus `json:"status"`
	Error              string        `json:"error,omitempty"`
	ProviderEnvelopeID string        `json:"provider_envelope_id,omitempty"`
	UpdatedAt          string        `json:"updated_at"`
}

type EnvelopeRecord struct {
	ID                 string `json:"id"`
	ReceiptID          string `json:"receipt_id"`
	ProviderEnvelopeID string `json:"provider_envelope_id,omitempty"`
	ProviderStatus     string `json:"provider_status,omitempty"`
	Error              string `json:"error,omitempty"`
	CreatedAt          string `json:"created_at"`
}

type ReceiptRecipient struct {
	NameKey    string
	EmployeeID string
}

type WebhookApplyResult string

const (
	WebhookApplied       WebhookApplyResult = "applied"
	WebhookIgnoredKnown  WebhookApplyResult = "ignored_stale"
	WebhookUnknownTarget WebhookApplyResult = "unknown_envelope"
)

type ReceiptStore interface {
	// EnsureReceipts creates a READY receipt per recipient that does not
	// already have one for the period. Existing receipts keep their status.
	EnsureReceipts(ctx context.Context, periodID string, recipients []ReceiptRecipient) ([]Receipt, error)
	ListReceipts(ctx context.Context, periodID string) ([]Receipt, error)
	MarkReceiptFailed(ctx context.Context, receiptID string, reason string) (Receipt, error)
	RecordEnvelope(ctx context.Context, receiptID string, env EnvelopeRecord, status ReceiptStatus) (Receipt, error)
	ListEnvelopes(ctx context.Context, periodID string) ([]EnvelopeRecord, error)
	// ApplyProviderEvent advances the receipt owning the provider envelope.
	// Repeat deliveries and stale events are acknowledged without change.
	ApplyProviderEvent(ctx context.Context, providerEnvelopeID string, providerStatus string, mapped ReceiptStatus) (WebhookApplyResult, error)
}

type memoryReceiptStore struct {
	mu        sync.Mutex
	receipts  map[string]*Receipt        // by receipt ID
	envelopes map[string][]EnvelopeRecord // by receipt ID
	now       func() time.Time
}

func NewMemoryReceiptStore() ReceiptStore {
	return &memoryReceiptStore{
		receipts:  map[string]*Receipt{},
		envelopes: map[string][]EnvelopeRecord{},
		now:       time.Now,
	}
}

func (s *memoryReceiptStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *memoryReceiptStore) EnsureReceipts(_ context.Context, periodID string, recipients []ReceiptRecipient) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := map[string]*Receipt{}
	for _, r := range s.receipts {
		if r.PeriodID == periodID {
			existing[r.NameKey] = r
		}
	}
	var out []Receipt
	for _, rec := range recipients {
		if cur, ok := existing[rec.NameKey]; ok {
			if cur.EmployeeID == "" && rec.EmployeeID != "" {
				cur.EmployeeID = rec.EmployeeID
			}
			out = append(out, *cur)
			continue
		}
		r := &Receipt{
			ID:         newID(),
			PeriodID:   periodID,
			NameKey:    rec.NameKey,
			EmployeeID: rec.EmployeeID,
			Status:     ReceiptReady,
			UpdatedAt:  s.stamp(),
		}
		s.receipts[r.ID] = r
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out, nil
}

func (s *memoryReceiptStore) ListReceipts(_ context.Context, periodID string) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Receipt
	for _, r := range s.receipts {
		if r.PeriodID == periodID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out, nil
}

func (s *memoryReceiptStore) MarkReceiptFailed(_ context.Context, receiptID string, reason string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return Receipt{}, httperr.NewNotFound("receipt not found")
	}
	r.Status = ReceiptFailed
	r.Error = reason
	r.UpdatedAt = s.stamp()
	return *r, nil
}

func (s *memoryReceiptStore) RecordEnvelope(_ context.Context, receiptID string, env EnvelopeRecord, status ReceiptStatus) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return Receipt{}, httperr.NewNotFound("receipt not found")
	}
	env.ID = newID()
	env.ReceiptID = receiptID
	env.CreatedAt = s.stamp()
	s.envelopes[receiptID] = append(s.envelopes[receiptID], env)

	r.Status = status
	r.Error = env.Error
	if env.ProviderEnvelopeID != "" {
		r.ProviderEnvelopeID = env.ProviderEnvelopeID
	}
	r.UpdatedAt = s.stamp()
	return *r, nil
}

func (s *memoryReceiptStore) ListEnvelopes(_ context.Context, periodID string) ([]EnvelopeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EnvelopeRecord
	for receiptID, envs := range s.envelopes {
		r, ok := s.receipts[receiptID]
		if !ok || r.PeriodID != periodID {
			continue
		}
		out = append(out, envs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memoryReceiptStore) ApplyProviderEvent(_ context.Context, providerEnvelopeID string, providerStatus string, mapped ReceiptStatus) (WebhookApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r *Receipt
	for _, cand := range s.receipts {
		if cand.ProviderEnvelopeID == providerEnvelopeID {
			r = cand
			break
		}
	}
	if r == nil {
		return WebhookUnknownTarget, nil
	}
	if receiptTerminal(r.Status) || receiptRank(mapped) <= receiptRank(r.Status) {
		return WebhookIgnoredKnown, nil
	}
	r.Status = mapped
	if mapped == ReceiptFailed {
		r.Error = providerStatus
	} else {
		r.Error = ""
	}
	r.UpdatedAt = s.stamp()
	return WebhookApplied, nil
}
