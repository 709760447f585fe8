package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/meadowhr/payrollcore/pkg/httperr"
)

// SignatureClient creates e-signature envelopes at the provider. The
// dispatcher only needs envelope creation; status flows back over the
// webhook.
type SignatureClient interface {
	CreateEnvelope(ctx context.Context, req EnvelopeRequest) (EnvelopeResponse, error)
}

type EnvelopeRequest struct {
	TemplateID     string `json:"template_id"`
	RoleName       string `json:"role_name"`
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email"`
	Reference      string `json:"reference"`
}

type EnvelopeResponse struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
}

// ESignAPIError is a non-2xx answer from the provider. It marks the
// individual receipt failed, never the whole batch.
type ESignAPIError struct {
	StatusCode int
	Code       string
	Msg        string
}

func (e *ESignAPIError) Error() string {
	return fmt.Sprintf("esign api: status=%d code=%s msg=%s", e.StatusCode, e.Code, e.Msg)
}

type ESignClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewESignClientFromEnv() (*ESignClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("ESIGN_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("esign: ESIGN_BASE_URL is required")
	}
	return &ESignClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     strings.TrimSpace(os.Getenv("ESIGN_API_KEY")),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *ESignClient) CreateEnvelope(ctx context.Context, req EnvelopeRequest) (EnvelopeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return EnvelopeResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/envelopes", bytes.NewReader(body))
	if err != nil {
		return EnvelopeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return EnvelopeResponse{}, fmt.Errorf("esign: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return EnvelopeResponse{}, fmt.Errorf("esign: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &ESignAPIError{StatusCode: resp.StatusCode}
		var parsed struct {
			Code string `json:"code"`
			Msg  string `json:"message"`
		}
		if json.Unmarshal(raw, &parsed) == nil {
			apiErr.Code = parsed.Code
			apiErr.Msg = parsed.Msg
		}
		return EnvelopeResponse{}, apiErr
	}
	var out EnvelopeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return EnvelopeResponse{}, fmt.Errorf("esign: decode response: %w", err)
	}
	if out.EnvelopeID == "" {
		return EnvelopeResponse{}, fmt.Errorf("esign: response missing envelope_id")
	}
	return out, nil
}

type Dispatcher struct {
	Periods    PeriodStore
	Identities IdentityStore
	Receipts   ReceiptStore
	Client     SignatureClient
	TemplateID string
	RoleName   string
}

// DispatchSelection narrows a batch. Empty means the default set: READY
// plus FAILED receipts.
type DispatchSelection struct {
	ReceiptIDs       []string `json:"receipt_ids,omitempty"`
	ResendFailedOnly bool     `json:"resend_failed_only,omitempty"`
}

type DispatchSummary struct {
	Period   Period    `json:"period"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Receipts []Receipt `json:"receipts"`
}

// DispatchPeriod sends signature envelopes for a period's receipts.
// Configuration problems abort before any receipt is touched; per-receipt
// problems (missing email, provider rejection) fail that receipt only.
// The period moves APPROVED -> SENDING and lands in SENT, PARTIAL, or
// FAILED according to the batch outcome.
func (d *Dispatcher) DispatchPeriod(ctx context.Context, periodID string, sel DispatchSelection) (DispatchSummary, error) {
	if d.Client == nil {
		return DispatchSummary{}, httperr.NewConflict("e-signature provider is not configured")
	}
	if strings.TrimSpace(d.TemplateID) == "" || strings.TrimSpace(d.RoleName) == "" {
		return DispatchSummary{}, httperr.NewConflict("dispatch template is not configured")
	}

	recipients, err := d.recipients(ctx, periodID)
	if err != nil {
		return DispatchSummary{}, err
	}
	if len(recipients) == 0 {
		return DispatchSummary{}, httperr.NewBadRequest("period has no computed identities to dispatch")
	}

	receipts, err := d.Receipts.EnsureReceipts(ctx, periodID, recipients)
	if err != nil {
		return DispatchSummary{}, err
	}
	selected := selectReceipts(receipts, sel)
	// An empty batch must not move the period; a PARTIAL period whose
	// failures have since completed over the webhook stays PARTIAL.
	if len(selected) == 0 {
		return DispatchSummary{}, httperr.NewConflict("no receipts match the dispatch selection")
	}

	period, err := d.Periods.BeginDispatch(ctx, periodID)
	if err != nil {
		return DispatchSummary{}, err
	}

	succeeded, failed := 0, 0
	for _, rec := range selected {
		updated, ok := d.sendOne(ctx, period, rec)
		if ok {
			succeeded++
		} else {
			failed++
		}
		for i := range receipts {
			if receipts[i].ID == updated.ID {
				receipts[i] = updated
			}
		}
	}

	period, err = d.Periods.FinishDispatch(ctx, periodID, succeeded, failed)
	if err != nil {
		return DispatchSummary{}, err
	}
	return DispatchSummary{Period: period, Sent: succeeded, Failed: failed, Receipts: receipts}, nil
}

// recipients lists the identities with a computed net salary in the period,
// joined to their bound employees.
func (d *Dispatcher) recipients(ctx context.Context, periodID string) ([]ReceiptRecipient, error) {
	computed, err := d.Periods.ListComputedValues(ctx, periodID)
	if err != nil {
		return nil, err
	}
	var out []ReceiptRecipient
	seen := map[string]bool{}
	for _, cv := range computed {
		if cv.Metric != MetricNetSalary || seen[cv.NameKey] {
			continue
		}
		seen[cv.NameKey] = true
		rec := ReceiptRecipient{NameKey: cv.NameKey}
		if m, ok, err := d.Identities.GetMapping(ctx, cv.NameKey); err != nil {
			return nil, err
		} else if ok {
			rec.EmployeeID = m.EmployeeID
		}
		out = append(out, rec)
	}
	return out, nil
}

func selectReceipts(receipts []Receipt, sel DispatchSelection) []Receipt {
	if len(sel.ReceiptIDs) > 0 {
		wanted := map[string]bool{}
		for _, id := range sel.ReceiptIDs {
			wanted[id] = true
		}
		var out []Receipt
		for _, r := range receipts {
			if wanted[r.ID] {
				out = append(out, r)
			}
		}
		return out
	}
	var out []Receipt
	for _, r := range receipts {
		switch {
		case sel.ResendFailedOnly && r.Status == ReceiptFailed:
			out = append(out, r)
		case !sel.ResendFailedOnly && (r.Status == ReceiptReady || r.Status == ReceiptFailed):
			out = append(out, r)
		}
	}
	return out
}

// sendOne reports ok=false when the receipt failed.
func (d *Dispatcher) sendOne(ctx context.Context, period Period, rec Receipt) (Receipt, bool) {
	if rec.EmployeeID == "" {
		updated, err := d.Receipts.MarkReceiptFailed(ctx, rec.ID, "identity is not bound to an employee")
		if err != nil {
			updated = rec
		}
		return updated, false
	}
	emp, ok, err := d.Identities.GetEmployee(ctx, rec.EmployeeID)
	if err != nil || !ok {
		updated, ferr := d.Receipts.MarkReceiptFailed(ctx, rec.ID, "employee record not found")
		if ferr != nil {
			updated = rec
		}
		return updated, false
	}
	if strings.TrimSpace(emp.Email) == "" {
		// Skipped before any provider call so one bad record costs nothing.
		updated, ferr := d.Receipts.MarkReceiptFailed(ctx, rec.ID, "missing email")
		if ferr != nil {
			updated = rec
		}
		return updated, false
	}

	resp, err := d.Client.CreateEnvelope(ctx, EnvelopeRequest{
		TemplateID:     d.TemplateID,
		RoleName:       d.RoleName,
		RecipientName:  emp.FullName,
		RecipientEmail: emp.Email,
		Reference:      period.ID + ":" + rec.NameKey,
	})
	if err != nil {
		updated, ferr := d.Receipts.RecordEnvelope(ctx, rec.ID, EnvelopeRecord{Error: err.Error()}, ReceiptFailed)
		if ferr != nil {
			updated = rec
		}
		return updated, false
	}

	status := ReceiptEnvelopeCreated
	if s := strings.ToLower(resp.Status); s == "sent" || s == "delivered" {
		status = ReceiptSent
	}
	updated, err := d.Receipts.RecordEnvelope(ctx, rec.ID, EnvelopeRecord{
		ProviderEnvelopeID: resp.EnvelopeID,
		ProviderStatus:     resp.Status,
	}, status)
	if err != nil {
		return rec, false
	}
	return updated, true
}
