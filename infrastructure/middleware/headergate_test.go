package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestMiddleware_HealthExempt(t *testing.T) {
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_MetricsExempt(t *testing.T) {
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_MissingSourceID(t *testing.T) {
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"balance_updated"}`)
	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign("test-secret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_MissingSignature(t *testing.T) {
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"balance_updated"}`)
	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Source", "plaidlike")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_WrongSecret(t *testing.T) {
	handler := WebhookGateMiddleware("correct-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"balance_updated"}`)
	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Source", "plaidlike")
	req.Header.Set("X-Webhook-Signature", sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_TamperedBody(t *testing.T) {
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	signed := []byte(`{"event":"balance_updated","amount":100}`)
	tampered := []byte(`{"event":"balance_updated","amount":999999}`)
	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(tampered))
	req.Header.Set("X-Webhook-Source", "plaidlike")
	req.Header.Set("X-Webhook-Signature", sign("test-secret", signed))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_CorrectSignature(t *testing.T) {
	var seenBody []byte
	handler := WebhookGateMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		seenBody = b
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"balance_updated"}`)
	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Source", "plaidlike")
	req.Header.Set("X-Webhook-Signature", sign("test-secret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(seenBody, body) {
		t.Errorf("downstream handler saw body %q, want the body restored after verification", seenBody)
	}
}

func TestMiddleware_ConstantTimeCompareDifferentLengths(t *testing.T) {
	// A signature of the wrong length must not short-circuit into an early
	// match or a panic from subtle.ConstantTimeCompare.
	handler := WebhookGateMiddleware("short")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"ping"}`)
	req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Source", "plaidlike")
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func BenchmarkMiddleware(b *testing.B) {
	handler := WebhookGateMiddleware("benchmark-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"ping"}`)
	signature := sign("benchmark-secret", body)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/webhooks/custodian/plaidlike", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Source", "bench-app")
		req.Header.Set("X-Webhook-Signature", signature)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
}
