package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"sync"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/httputil"
	sllogging "github.com/r3e-network/investment-core/infrastructure/logging"
)

type auditEvent struct {
	ctx       context.Context
	reason    string
	method    string
	path      string
	sourceID  string
	clientIP  string
	userAgent string
}

var (
	auditLogger = sllogging.NewFromEnv("webhook-gateway")
	auditOnce   sync.Once
	auditQueue  chan *auditEvent
)

func enqueueAudit(event *auditEvent) {
	if event == nil {
		return
	}
	auditOnce.Do(func() {
		auditQueue = make(chan *auditEvent, 256)
		go func() {
			for auditEvent := range auditQueue {
				if auditEvent == nil {
					continue
				}
				fields := map[string]interface{}{
					"audit":      true,
					"event_type": "webhook_gate_reject",
					"reason":     auditEvent.reason,
					"method":     auditEvent.method,
					"path":       auditEvent.path,
					"source_id":  auditEvent.sourceID,
					"client_ip":  auditEvent.clientIP,
					"user_agent": auditEvent.userAgent,
				}
				auditLogger.WithContext(auditEvent.ctx).WithFields(fields).Warn("webhook gate rejected request")
			}
		}()
	})

	select {
	case auditQueue <- event:
	default:
		// Never block request processing for audit logging.
	}
}

// WebhookGateMiddleware guards custodian/broker webhook endpoints by
// recomputing an HMAC-SHA256 over the raw request body, keyed by the
// per-custodian shared secret, and rejecting any request whose
// X-Webhook-Signature (hex-encoded) doesn't match. The body is restored
// onto the request after verification so downstream handlers can still
// read it.
func WebhookGateMiddleware(sharedSecret string) func(http.Handler) http.Handler {
	key := []byte(sharedSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip health/metrics.
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			sourceID := r.Header.Get("X-Webhook-Source")
			signatureHex := r.Header.Get("X-Webhook-Signature")

			if sourceID == "" || signatureHex == "" {
				enqueueAudit(&auditEvent{
					ctx:       r.Context(),
					reason:    "missing_headers",
					method:    r.Method,
					path:      r.URL.Path,
					sourceID:  sourceID,
					clientIP:  httputil.ClientIP(r),
					userAgent: r.UserAgent(),
				})
				writeInvalidSignature(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				enqueueAudit(&auditEvent{
					ctx:       r.Context(),
					reason:    "unreadable_body",
					method:    r.Method,
					path:      r.URL.Path,
					sourceID:  sourceID,
					clientIP:  httputil.ClientIP(r),
					userAgent: r.UserAgent(),
				})
				writeInvalidSignature(w, r)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, key)
			mac.Write(body)
			expected := mac.Sum(nil)

			received, err := hex.DecodeString(signatureHex)
			if err != nil || len(received) != len(expected) || subtle.ConstantTimeCompare(received, expected) != 1 {
				enqueueAudit(&auditEvent{
					ctx:       r.Context(),
					reason:    "invalid_signature",
					method:    r.Method,
					path:      r.URL.Path,
					sourceID:  sourceID,
					clientIP:  httputil.ClientIP(r),
					userAgent: r.UserAgent(),
				})
				writeInvalidSignature(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeInvalidSignature(w http.ResponseWriter, r *http.Request) {
	se := apperrors.InvalidSignature(nil)
	se.RequestID = requestIDFromRequest(r)
	httputil.WriteJSON(w, se.HTTPStatus, se)
}
