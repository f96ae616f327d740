// Package api wires the HTTP surface: routing, middleware chain, and
// request/response handlers for orders, account linking, reconciliation,
// job status, and streaming.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/httputil"
	"github.com/r3e-network/investment-core/infrastructure/logging"
	"github.com/r3e-network/investment-core/infrastructure/metrics"
	"github.com/r3e-network/investment-core/infrastructure/middleware"
	"github.com/r3e-network/investment-core/infrastructure/security"
	"github.com/r3e-network/investment-core/internal/aggregation"
	"github.com/r3e-network/investment-core/internal/custodian"
	"github.com/r3e-network/investment-core/internal/idempotency"
	"github.com/r3e-network/investment-core/internal/orders"
	"github.com/r3e-network/investment-core/internal/scheduler"
	"github.com/r3e-network/investment-core/internal/store"
	"github.com/r3e-network/investment-core/internal/streaming"
)

// Config wires the API layer's dependencies.
type Config struct {
	Store       store.Store
	Orders      *orders.Engine
	Aggregation *aggregation.Engine
	Scheduler   *scheduler.Scheduler
	Hub         *streaming.Hub
	PriceCache  *store.PriceCache
	Custodians  map[string]custodian.Adapter
	Idempotency idempotency.Store
	Logger      *logging.Logger
	Metrics     *metrics.Metrics

	ServiceName    string
	CORSOrigins    []string
	WebhookSecrets map[string]string // custodian/broker name -> shared secret
	JWTSigningKey  string
	RateLimitRPS   int
	RateLimitBurst int
	MaxBodyBytes   int64
}

// NewRouter builds the complete route table with the full middleware
// chain: tracing, then logging, metrics, panic recovery, rate limiting,
// body-size limiting, CORS, and security headers, applied in that order
// so every request is correlated and measured regardless of where it
// fails downstream.
func NewRouter(cfg Config) *mux.Router {
	h := &handlers{cfg: cfg}

	router := mux.NewRouter()
	router.Use(middleware.NewTracingMiddleware(cfg.Logger).Handler)
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(cfg.ServiceName, cfg.Metrics))
	}
	router.Use(middleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	router.Use(middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Logger).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(cfg.MaxBodyBytes).Handler)
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.JWTClaimsMiddleware(cfg.JWTSigningKey, cfg.Logger))

	health := middleware.NewHealthChecker(cfg.ServiceName)
	if cfg.Store != nil {
		health.RegisterCheck("store", func() error { return nil })
	}
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	router.Handle("/health/detailed", health.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/orders", h.submitOrder).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}", h.getOrder).Methods(http.MethodGet)
	router.HandleFunc("/orders/{id}/cancel", h.cancelOrder).Methods(http.MethodPost)

	router.HandleFunc("/portfolio/link/token", h.createLinkToken).Methods(http.MethodPost)
	router.HandleFunc("/portfolio/link/exchange", h.exchangeLinkToken).Methods(http.MethodPost)
	router.HandleFunc("/portfolio/accounts", h.listAccounts).Methods(http.MethodGet)

	router.HandleFunc("/reconcile", h.reconcile).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}", h.getTask).Methods(http.MethodGet)

	router.HandleFunc("/ws/portfolio/{user}", h.streamPortfolio).Methods(http.MethodGet)

	// Each custodian/broker webhook source is gated by its own shared
	// secret, registered as a dedicated route so the gate middleware
	// never has to branch on the URL variable. A replay guard sits in
	// front of the secret check so a captured-and-resent delivery is
	// rejected even if the secret leaks.
	replay := security.NewReplayProtection(5*time.Minute, cfg.Logger)
	for name, secret := range cfg.WebhookSecrets {
		route := router.Path("/webhooks/" + name).Subrouter()
		route.Use(replayGuard(replay))
		route.Use(middleware.WebhookGateMiddleware(secret))
		route.HandleFunc("", h.webhookFor(name)).Methods(http.MethodPost)
	}

	if cfg.Metrics != nil {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	return router
}

// replayGuard rejects a webhook delivery whose X-Webhook-Delivery-Id has
// already been seen within the replay window. Deliveries without the
// header are let through unchecked rather than rejected, since not every
// custodian sends one.
func replayGuard(rp *security.ReplayProtection) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deliveryID := r.Header.Get("X-Webhook-Delivery-Id")
			if deliveryID != "" && !rp.ValidateAndMark(deliveryID) {
				httputil.WriteJSON(w, http.StatusConflict, map[string]string{"error": "duplicate delivery"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeServiceError maps a *errors.ServiceError to its declared HTTP
// status and JSON body; any other error falls back to a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	if logger != nil {
		logger.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	if se, ok := err.(*errors.ServiceError); ok {
		se.WithRequestID(logging.GetTraceID(r.Context()))
		w.Header().Set("X-Request-ID", se.RequestID)
		httputil.WriteJSON(w, se.HTTPStatus, se)
		return
	}
	httputil.InternalError(w, "internal server error")
}
