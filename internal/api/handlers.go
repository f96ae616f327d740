package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/httputil"
	"github.com/r3e-network/investment-core/internal/custodian"
	"github.com/r3e-network/investment-core/internal/orders"
	"github.com/r3e-network/investment-core/internal/scheduler"
	"github.com/r3e-network/investment-core/internal/store"
)

type handlers struct {
	cfg Config
}

// submitOrderRequest is the wire shape of POST /orders.
type submitOrderRequest struct {
	AccountID            string          `json:"account_id"`
	Symbol               string          `json:"symbol"`
	Side                 store.OrderSide `json:"side"`
	Quantity             decimal.Decimal `json:"quantity"`
	Type                 store.OrderType `json:"type"`
	LimitPrice           *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice            *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce          store.TimeInForce `json:"time_in_force"`
	ClientIdempotencyKey string          `json:"client_idempotency_key,omitempty"`
}

func (h *handlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req submitOrderRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if req.ClientIdempotencyKey != "" && h.cfg.Idempotency != nil {
		fresh, err := h.cfg.Idempotency.Reserve(r.Context(), "order:"+req.ClientIdempotencyKey, 10*time.Minute)
		if err != nil {
			writeServiceError(w, r, h.cfg.Logger, err)
			return
		}
		if !fresh {
			// A duplicate submission within the window still resolves to the
			// same order via the store's own idempotency-key lookup below.
			if existing, err := h.cfg.Store.GetOrderByIdempotencyKey(r.Context(), req.ClientIdempotencyKey); err == nil {
				httputil.WriteJSON(w, http.StatusOK, existing)
				return
			}
		}
	}

	price, _ := h.cfg.PriceCache.Get(store.NormalizeSymbol(req.Symbol))
	order, err := h.cfg.Orders.SubmitOrder(r.Context(), userID, req.AccountID, orders.OrderSpec{
		Symbol:               req.Symbol,
		Side:                 req.Side,
		Quantity:             req.Quantity,
		Type:                 req.Type,
		LimitPrice:           req.LimitPrice,
		StopPrice:            req.StopPrice,
		TimeInForce:          req.TimeInForce,
		ClientIdempotencyKey: req.ClientIdempotencyKey,
	}, price)
	if err != nil {
		writeServiceError(w, r, h.cfg.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, order)
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := h.cfg.Orders.GetOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.cfg.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (h *handlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := h.cfg.Orders.CancelOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.cfg.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

type linkTokenRequest struct {
	Custodian string `json:"custodian"`
}

func (h *handlers) createLinkToken(w http.ResponseWriter, r *http.Request) {
	httputil.HandleJSONWithUserAuth(h.cfg.Logger, func(ctx context.Context, userID string, req *linkTokenRequest) (custodian.LinkSession, error) {
		adapter, ok := h.cfg.Custodians[req.Custodian]
		if !ok {
			return custodian.LinkSession{}, apperrors.InvalidInput("custodian", "unknown custodian")
		}
		return adapter.LinkFlow(ctx, userID)
	})(w, r)
}

type linkExchangeRequest struct {
	Custodian      string `json:"custodian"`
	SessionID      string `json:"session_id"`
	PublicToken    string `json:"public_token"`
	AccountKind    store.AccountKind `json:"account_kind"`
	Currency       string `json:"currency"`
}

func (h *handlers) exchangeLinkToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req linkExchangeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	adapter, ok := h.cfg.Custodians[req.Custodian]
	if !ok {
		httputil.BadRequest(w, "unknown custodian")
		return
	}
	handle, err := adapter.ExchangePublicCredential(r.Context(), custodian.LinkSession{SessionID: req.SessionID}, req.PublicToken)
	if err != nil {
		writeServiceError(w, r, h.cfg.Logger, err)
		return
	}

	custodianRecord, err := h.resolveCustodian(r.Context(), req.Custodian)
	if err != nil {
		writeServiceError(w, r, h.cfg.Logger, err)
		return
	}

	account := &store.Account{
		UserID:      userID,
		CustodianID: &custodianRecord.ID,
		Kind:        req.AccountKind,
		AccessHandle: string(handle),
		Currency:    req.Currency,
		IsActive:    true,
	}
	if err := h.cfg.Store.CreateAccount(r.Context(), account); err != nil {
		writeServiceError(w, r, h.cfg.Logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, account)
}

func (h *handlers) resolveCustodian(ctx context.Context, name string) (*store.Custodian, error) {
	custodians, err := h.cfg.Store.ListCustodians(ctx)
	if err != nil {
		return nil, err
	}
	for i := range custodians {
		if custodians[i].Name == name {
			return &custodians[i], nil
		}
	}
	c := &store.Custodian{Name: name, Healthy: true}
	if err := h.cfg.Store.UpsertCustodian(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	httputil.HandleNoBodyWithUserAuth(h.cfg.Logger, func(ctx context.Context, userID string) ([]store.Account, error) {
		return h.cfg.Store.ListAccountsByUser(ctx, userID)
	})(w, r)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	runID := h.cfg.Scheduler.RunNow(r.Context(), "sync_user_accounts:"+userID)
	if runID == "" {
		// Fall back to registering a one-off reentrant job bound to this user.
		h.cfg.Scheduler.Register("sync_user_accounts:"+userID, func(ctx context.Context, _ string) (interface{}, error) {
			accounts, err := h.cfg.Store.ListAccountsByUser(ctx, userID)
			if err != nil {
				return nil, err
			}
			results := make([]interface{}, 0, len(accounts))
			for _, a := range accounts {
				results = append(results, h.cfg.Aggregation.SyncAccount(ctx, a.ID))
			}
			return results, nil
		}, true)
		runID = h.cfg.Scheduler.RunNow(r.Context(), "sync_user_accounts:"+userID)
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"task_id": runID})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	httputil.HandleNoBody(h.cfg.Logger, func(ctx context.Context) (scheduler.Run, error) {
		run, ok := h.cfg.Scheduler.Get(id)
		if !ok {
			return scheduler.Run{}, apperrors.NotFound("task", id)
		}
		return run, nil
	})(w, r)
}

func (h *handlers) streamPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	if userID == "" {
		httputil.BadRequest(w, "user is required")
		return
	}
	h.cfg.Hub.ServeWS(w, r, userID)
}

// webhookFor returns a handler bound to one custodian/broker name; the
// route's gate middleware has already verified the shared-secret header
// by the time this runs.
func (h *handlers) webhookFor(custodianName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.cfg.Custodians[custodianName]; !ok {
			httputil.NotFound(w, "unknown custodian")
			return
		}
		// The webhook only signals that new data is available; the next
		// scheduled or on-demand reconcile pulls it through the adapter.
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
