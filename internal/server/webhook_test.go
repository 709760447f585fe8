package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func seedReceiptWithEnvelope(t *testing.T, store ReceiptStore, envelopeID string) Receipt {
	t.Helper()
	ctx := context.Background()
	receipts, err := store.EnsureReceipts(ctx, "period-1", []ReceiptRecipient{{NameKey: "ali raza", EmployeeID: newID()}})
	if err != nil || len(receipts) != 1 {
		t.Fatalf("receipts=%v err=%v", receipts, err)
	}
	r, err := store.RecordEnvelope(ctx, receipts[0].ID, EnvelopeRecord{ProviderEnvelopeID: envelopeID, ProviderStatus: "created"}, ReceiptEnvelopeCreated)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return r
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, store ReceiptStore, secret, contentType, signature string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payroll/webhooks/esign", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", contentType)
	if signature != "" {
		req.Header.Set(webhookSignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	handleESignWebhook(w, req, store, secret)
	return w
}

func webhookResult(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
	return out["result"]
}

func TestWebhookAppliesSignedEvent(t *testing.T) {
	store := NewMemoryReceiptStore()
	rec := seedReceiptWithEnvelope(t, store, "env-1")
	secret := "hush"

	body := []byte(`{"envelope_id":"env-1","event":"completed"}`)
	w := postWebhook(t, store, secret, "application/json", "sha256="+signBody(secret, body), body)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if got := webhookResult(t, w); got != string(WebhookApplied) {
		t.Fatalf("result=%s", got)
	}

	receipts, err := store.ListReceipts(context.Background(), rec.PeriodID)
	if err != nil || receipts[0].Status != ReceiptCompleted {
		t.Fatalf("receipts=%+v err=%v", receipts, err)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := NewMemoryReceiptStore()
	seedReceiptWithEnvelope(t, store, "env-1")

	body := []byte(`{"envelope_id":"env-1","event":"completed"}`)
	w := postWebhook(t, store, "hush", "application/json", signBody("wrong", body), body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	receipts, _ := store.ListReceipts(context.Background(), "period-1")
	if receipts[0].Status != ReceiptEnvelopeCreated {
		t.Fatalf("receipt advanced on bad signature: %+v", receipts[0])
	}
}

func TestWebhookAcceptsFormEncodedPayload(t *testing.T) {
	store := NewMemoryReceiptStore()
	seedReceiptWithEnvelope(t, store, "env-1")
	secret := "hush"

	form := url.Values{}
	form.Set("payload", `{"envelopeId":"env-1","status":"delivered"}`)
	body := []byte(form.Encode())
	w := postWebhook(t, store, secret, "application/x-www-form-urlencoded", signBody(secret, body), body)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	receipts, _ := store.ListReceipts(context.Background(), "period-1")
	if receipts[0].Status != ReceiptSent {
		t.Fatalf("receipt=%+v", receipts[0])
	}
}

func TestWebhookReplayIsIgnored(t *testing.T) {
	store := NewMemoryReceiptStore()
	seedReceiptWithEnvelope(t, store, "env-1")

	body := []byte(`{"envelope_id":"env-1","event":"completed"}`)
	if w := postWebhook(t, store, "", "application/json", "", body); webhookResult(t, w) != string(WebhookApplied) {
		t.Fatalf("first delivery not applied")
	}
	if w := postWebhook(t, store, "", "application/json", "", body); webhookResult(t, w) != string(WebhookIgnoredKnown) {
		t.Fatalf("replay applied twice")
	}
}

func TestWebhookNeverRegressesTerminalStatus(t *testing.T) {
	store := NewMemoryReceiptStore()
	seedReceiptWithEnvelope(t, store, "env-1")

	completed := []byte(`{"envelope_id":"env-1","event":"completed"}`)
	postWebhook(t, store, "", "application/json", "", completed)

	// A late "sent" must not pull the receipt back.
	late := []byte(`{"envelope_id":"env-1","event":"sent"}`)
	if w := postWebhook(t, store, "", "application/json", "", late); webhookResult(t, w) != string(WebhookIgnoredKnown) {
		t.Fatalf("stale event applied")
	}
	receipts, _ := store.ListReceipts(context.Background(), "period-1")
	if receipts[0].Status != ReceiptCompleted {
		t.Fatalf("receipt=%+v", receipts[0])
	}

	// Same for a late failure after completion.
	failed := []byte(`{"envelope_id":"env-1","event":"declined"}`)
	postWebhook(t, store, "", "application/json", "", failed)
	receipts, _ = store.ListReceipts(context.Background(), "period-1")
	if receipts[0].Status != ReceiptCompleted {
		t.Fatalf("receipt=%+v", receipts[0])
	}
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	store := NewMemoryReceiptStore()
	seedReceiptWithEnvelope(t, store, "env-1")

	body := []byte(`{"envelope_id":"env-1","event":"recipient_reassigned"}`)
	w := postWebhook(t, store, "", "application/json", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	if got := webhookResult(t, w); got != "ignored_unknown_event" {
		t.Fatalf("result=%s", got)
	}
}

func TestWebhookUnknownEnvelopeAcknowledged(t *testing.T) {
	store := NewMemoryReceiptStore()

	body := []byte(`{"envelope_id":"nope","event":"completed"}`)
	w := postWebhook(t, store, "", "application/json", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	if got := webhookResult(t, w); got != string(WebhookUnknownTarget) {
		t.Fatalf("result=%s", got)
	}
}

// Once the signature checks out the sender is the provider; a body the
// handler cannot use is acknowledged so the provider stops retrying it.
func TestWebhookMalformedPayloadAcknowledged(t *testing.T) {
	store := NewMemoryReceiptStore()
	seedReceiptWithEnvelope(t, store, "env-1")
	secret := "hush"

	for _, body := range [][]byte{
		[]byte("this is not json"),
		[]byte(`{"event":"completed"}`), // no envelope id
	} {
		w := postWebhook(t, store, secret, "application/json", signBody(secret, body), body)
		if w.Code != http.StatusOK {
			t.Fatalf("body=%q code=%d", body, w.Code)
		}
		if got := webhookResult(t, w); got != "ignored_malformed" {
			t.Fatalf("body=%q result=%s", body, got)
		}
	}

	receipts, _ := store.ListReceipts(context.Background(), "period-1")
	if receipts[0].Status != ReceiptEnvelopeCreated {
		t.Fatalf("receipt mutated by malformed payload: %+v", receipts[0])
	}
}
