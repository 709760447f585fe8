package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/meadowhr/payrollcore/internal/routing"
)

const webhookSignatureHeader = "X-Esign-Signature"

// esignEvent is the provider callback payload. Providers disagree on field
// names, so the common aliases are all accepted.
type esignEvent struct {
	EnvelopeID  string `json:"envelope_id"`
	EnvelopeID2 string `json:"envelopeId"`
	RequestID   string `json:"request_id"`
	Event       string `json:"event"`
	Status      string `json:"status"`
}

func (e esignEvent) envelopeID() string {
	for _, id := range []string{e.EnvelopeID, e.EnvelopeID2, e.RequestID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (e esignEvent) eventName() string {
	if e.Event != "" {
		return strings.ToLower(strings.TrimSpace(e.Event))
	}
	return strings.ToLower(strings.TrimSpace(e.Status))
}

// mapProviderEvent folds the provider vocabulary onto receipt statuses.
// Unknown events return ok=false and are acknowledged without effect, so a
// provider adding event types never turns into a retry storm.
func mapProviderEvent(event string) (ReceiptStatus, bool) {
	switch event {
	case "completed", "fully_signed", "signed":
		return ReceiptCompleted, true
	case "sent", "delivered", "viewed", "opened":
		return ReceiptSent, true
	case "declined", "voided", "invalid", "expired", "failed":
		return ReceiptFailed, true
	}
	return "", false
}

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body. An
// empty secret disables verification (local development only).
func verifyWebhookSignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// decodeWebhookBody accepts either a raw JSON body or a form-encoded body
// carrying the JSON in a payload field, which is how some providers deliver
// callbacks.
func decodeWebhookBody(contentType string, body []byte) (esignEvent, error) {
	raw := body
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return esignEvent{}, err
		}
		raw = []byte(form.Get("payload"))
	}
	var ev esignEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return esignEvent{}, err
	}
	return ev, nil
}

func handleESignWebhook(w http.ResponseWriter, r *http.Request, receipts ReceiptStore, secret string) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "invalid_body", "cannot read body")
		return
	}
	if !verifyWebhookSignature(secret, body, r.Header.Get(webhookSignatureHeader)) {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
		return
	}
	// Past the signature check the caller is the provider; malformed or
	// irrelevant payloads are acknowledged without effect so the provider
	// does not retry them forever.
	ev, err := decodeWebhookBody(r.Header.Get("Content-Type"), body)
	if err != nil || ev.envelopeID() == "" {
		writeWebhookAck(w, "ignored_malformed")
		return
	}

	result := WebhookApplyResult("ignored_unknown_event")
	if mapped, known := mapProviderEvent(ev.eventName()); known {
		result, err = receipts.ApplyProviderEvent(r.Context(), ev.envelopeID(), ev.eventName(), mapped)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "internal", "cannot apply event")
			return
		}
	}

	writeWebhookAck(w, string(result))
}

func writeWebhookAck(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "result": result})
}
