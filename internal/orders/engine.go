// Package orders implements the order lifecycle engine: validation,
// broker routing, fill reconciliation, expiry, and the state machine
// described by the order's State field.
package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/logging"
	"github.com/r3e-network/investment-core/infrastructure/resilience"
	"github.com/r3e-network/investment-core/internal/broker"
	"github.com/r3e-network/investment-core/internal/eventbus"
	"github.com/r3e-network/investment-core/internal/store"
)

// FillEvent is published on eventbus.TopicFill whenever Δfilled > 0.
type FillEvent struct {
	OrderID        string
	AccountID      string
	Symbol         string
	DeltaFilled    decimal.Decimal
	AveragePrice   decimal.Decimal
	State          store.OrderState
}

// OrderSpec is the caller-facing request to SubmitOrder.
type OrderSpec struct {
	Symbol      string
	Side        store.OrderSide
	Quantity    decimal.Decimal
	Type        store.OrderType
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce store.TimeInForce
	// ClientIdempotencyKey, if empty, is generated by SubmitOrder.
	ClientIdempotencyKey string
}

// Engine is the order lifecycle engine. One Engine instance is shared by
// every account; order and account mutation is serialized per-row by the
// Store, not by the Engine itself.
type Engine struct {
	store   store.Store
	brk     broker.Broker
	breaker *resilience.CircuitBreaker
	bus     *eventbus.Bus
	logger  *logging.Logger
	retry   resilience.RetryConfig
}

// Config wires an Engine's dependencies.
type Config struct {
	Store         store.Store
	Broker        broker.Broker
	Bus           *eventbus.Bus
	Logger        *logging.Logger
	CircuitBreaker *resilience.CircuitBreaker
	Retry         resilience.RetryConfig
}

// New constructs an Engine. If CircuitBreaker is nil, resilience.DefaultConfig
// is used; if Retry.MaxAttempts is zero, a policy of 5 attempts starting at
// 250ms, doubling up to 8s, with full jitter is used.
func New(cfg Config) *Engine {
	cb := cfg.CircuitBreaker
	if cb == nil {
		cb = resilience.New(resilience.DefaultConfig())
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			Multiplier:   2.0,
			Jitter:       1.0,
		}
	}
	return &Engine{
		store:   cfg.Store,
		brk:     cfg.Broker,
		breaker: cb,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		retry:   retry,
	}
}

// validate applies the validation rules in order, returning the first
// violation as an InvalidOrder error, or nil plus a list of non-fatal
// warnings.
func validate(spec OrderSpec, buyingPower decimal.Decimal, availablePosition decimal.Decimal, referencePrice decimal.Decimal) ([]string, error) {
	if spec.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.InvalidOrder("quantity must be positive")
	}
	symbol := store.NormalizeSymbol(spec.Symbol)
	if symbol == "" {
		return nil, apperrors.InvalidOrder("symbol must not be empty")
	}
	if (spec.Type == store.OrderTypeLimit || spec.Type == store.OrderTypeStopLimit) &&
		(spec.LimitPrice == nil || spec.LimitPrice.LessThanOrEqual(decimal.Zero)) {
		return nil, apperrors.InvalidOrder("limit price must be positive for LIMIT/STOP_LIMIT orders")
	}
	if (spec.Type == store.OrderTypeStop || spec.Type == store.OrderTypeStopLimit) &&
		(spec.StopPrice == nil || spec.StopPrice.LessThanOrEqual(decimal.Zero)) {
		return nil, apperrors.InvalidOrder("stop price must be positive for STOP/STOP_LIMIT orders")
	}

	estimatePrice := referencePrice
	if spec.LimitPrice != nil {
		estimatePrice = *spec.LimitPrice
	}
	notional := estimatePrice.Mul(spec.Quantity)

	if spec.Side == store.OrderSideBuy {
		if notional.GreaterThan(buyingPower) {
			return nil, apperrors.InsufficientFunds(notional.String(), buyingPower.String())
		}
	} else {
		if availablePosition.LessThan(spec.Quantity) {
			return nil, apperrors.InsufficientShares(symbol, spec.Quantity.String(), availablePosition.String())
		}
	}

	if (spec.TimeInForce == store.TimeInForceIOC || spec.TimeInForce == store.TimeInForceFOK) &&
		spec.Type != store.OrderTypeLimit && spec.Type != store.OrderTypeMarket {
		return nil, apperrors.InvalidOrder("IOC/FOK require LIMIT or MARKET order type")
	}

	var warnings []string
	if spec.LimitPrice != nil && !referencePrice.IsZero() {
		diff := spec.LimitPrice.Sub(referencePrice).Div(referencePrice).Abs()
		if diff.GreaterThan(decimal.NewFromFloat(0.05)) {
			warnings = append(warnings, "limit price is more than 5% away from current market price")
		}
	}
	return warnings, nil
}

// availablePosition returns the account's current holding quantity in
// symbol minus the quantity reserved by its own open SELL orders.
func availablePosition(ctx context.Context, s store.Store, accountID, symbol string) (decimal.Decimal, error) {
	holdings, err := s.ListHoldingsByAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	qty := decimal.Zero
	norm := store.NormalizeSymbol(symbol)
	for _, h := range holdings {
		if h.Symbol == norm {
			qty = h.Quantity
			break
		}
	}

	open, err := s.ListOpenOrdersByAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, o := range open {
		if o.Symbol == norm && o.Side == store.OrderSideSell {
			qty = qty.Sub(o.Quantity.Sub(o.FilledQuantity))
		}
	}
	if qty.IsNegative() {
		qty = decimal.Zero
	}
	return qty, nil
}

// SubmitOrder pre-validates, atomically creates an order in PENDING, and
// attempts broker submission through the breaker and retry policy.
func (e *Engine) SubmitOrder(ctx context.Context, userID, accountID string, spec OrderSpec, referencePrice decimal.Decimal) (*store.Order, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pos, err := availablePosition(ctx, e.store, accountID, spec.Symbol)
	if err != nil {
		return nil, err
	}
	if _, err := validate(spec, account.AvailableBalance, pos, referencePrice); err != nil {
		return nil, err
	}

	key := spec.ClientIdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	order := &store.Order{
		UserID:               userID,
		AccountID:            accountID,
		Symbol:               store.NormalizeSymbol(spec.Symbol),
		Side:                 spec.Side,
		Quantity:             spec.Quantity,
		Type:                 spec.Type,
		LimitPrice:           spec.LimitPrice,
		StopPrice:            spec.StopPrice,
		TimeInForce:          spec.TimeInForce,
		State:                store.OrderStatePending,
		ClientIdempotencyKey: key,
		FilledQuantity:       decimal.Zero,
		AverageFillPrice:     decimal.Zero,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	if order.State != store.OrderStatePending {
		// CreateOrder returned a pre-existing order for this idempotency key.
		return order, nil
	}

	status, submitErr := e.submitToBroker(ctx, order)
	if submitErr != nil {
		if submitErr == resilience.ErrCircuitOpen {
			return order, apperrors.BrokerUnavailable()
		}
		_ = e.store.MutateOrder(ctx, order.ID, func(o *store.Order) error {
			o.State = store.OrderStateRejected
			o.LastError = submitErr.Error()
			return nil
		})
		return order, nil
	}

	_ = e.store.MutateOrder(ctx, order.ID, func(o *store.Order) error {
		o.BrokerID = status.BrokerOrderID
		now := time.Now().UTC()
		o.SubmittedAt = &now
		o.State = status.State
		if status.Reason == broker.UnreachableReasonLimit {
			o.LastError = broker.UnreachableReasonLimit
		}
		return nil
	})

	order, err = e.store.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if status.Reason == broker.UnreachableReasonLimit {
		return order, apperrors.UnreachableLimit(order.ID)
	}
	if !status.FilledQuantity.IsZero() {
		if err := e.ingestFill(ctx, order.ID, status); err != nil {
			return order, err
		}
		order, _ = e.store.GetOrder(ctx, order.ID)
	}

	// IOC/FOK must terminate within the broker round trip that just
	// happened; a venue that still reports it live (PENDING/SUBMITTED/
	// PARTIALLY_FILLED) violates the time-in-force contract, so any resting
	// remainder is cancelled at the broker and the order is rejected
	// outright rather than left resting.
	if spec.TimeInForce == store.TimeInForceIOC || spec.TimeInForce == store.TimeInForceFOK {
		if !order.State.IsTerminal() {
			if order.BrokerID != "" {
				_, _ = e.brk.CancelOrder(ctx, order.BrokerID)
			}
			if err := e.store.MutateOrder(ctx, order.ID, func(o *store.Order) error {
				if o.State.IsTerminal() {
					return nil
				}
				o.State = store.OrderStateRejected
				o.LastError = "time_in_force: not immediately terminal after broker round trip"
				return nil
			}); err != nil {
				return order, err
			}
			order, err = e.store.GetOrder(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			return order, apperrors.InvalidOrderState(string(status.State), string(store.OrderStateRejected))
		}
	}

	return order, nil
}

func (e *Engine) submitToBroker(ctx context.Context, order *store.Order) (broker.Status, error) {
	var status broker.Status
	err := e.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, e.retry, func() error {
			s, err := e.brk.PlaceOrder(ctx, broker.OrderSpec{
				ClientOrderID: order.ClientIdempotencyKey,
				Symbol:        order.Symbol,
				Side:          order.Side,
				Quantity:      order.Quantity,
				Type:          order.Type,
				LimitPrice:    order.LimitPrice,
				StopPrice:     order.StopPrice,
				TimeInForce:   order.TimeInForce,
			})
			if err != nil {
				return err
			}
			status = s
			return nil
		})
	})
	return status, err
}

// CancelOrder attempts a broker cancel; only legal from PENDING,
// SUBMITTED, PARTIALLY_FILLED.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*store.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.State {
	case store.OrderStatePending, store.OrderStateSubmitted, store.OrderStatePartiallyFilled:
	default:
		return nil, apperrors.IllegalTransition(string(order.State), string(store.OrderStateCancelled))
	}

	if order.BrokerID != "" {
		if _, err := e.brk.CancelOrder(ctx, order.BrokerID); err != nil {
			return nil, apperrors.BrokerError("cancel_order", err)
		}
	}

	err = e.store.MutateOrder(ctx, orderID, func(o *store.Order) error {
		if o.State.IsTerminal() {
			return apperrors.IllegalTransition(string(o.State), string(store.OrderStateCancelled))
		}
		o.State = store.OrderStateCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetOrder(ctx, orderID)
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (*store.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

func (e *Engine) ListOrders(ctx context.Context, filter store.OrderFilter) ([]store.Order, error) {
	return e.store.ListOrders(ctx, filter)
}

// ingestFill is the idempotent fill-reconciliation entrypoint: it computes
// Δfilled = snapshot.filled − order.filled and, if positive, mutates the
// order and the account's available balance and emits a fill event.
// Duplicate or regressive snapshots are no-ops (the latter logged at WARN).
func (e *Engine) ingestFill(ctx context.Context, orderID string, status broker.Status) error {
	var delta decimal.Decimal
	var accountID, symbol string
	var side store.OrderSide

	err := e.store.MutateOrder(ctx, orderID, func(o *store.Order) error {
		accountID = o.AccountID
		symbol = o.Symbol
		side = o.Side

		delta = status.FilledQuantity.Sub(o.FilledQuantity)
		if delta.IsNegative() {
			if e.logger != nil {
				e.logger.WithFields(map[string]interface{}{
					"order_id":       orderID,
					"recorded_filled": o.FilledQuantity.String(),
					"snapshot_filled": status.FilledQuantity.String(),
				}).Warn("fill snapshot reports lower filled quantity than recorded; protocol violation ignored")
			}
			delta = decimal.Zero
			return nil
		}
		if delta.IsZero() && o.State == status.State {
			return nil
		}

		o.FilledQuantity = status.FilledQuantity
		o.AverageFillPrice = status.AverageFillPrice
		if status.State != "" {
			o.State = status.State
		}
		return nil
	})
	if err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}

	err = e.store.MutateAccountBalance(ctx, accountID, func(a *store.Account) error {
		change := delta.Mul(status.AverageFillPrice)
		if side == store.OrderSideBuy {
			a.AvailableBalance = a.AvailableBalance.Sub(change)
		} else {
			a.AvailableBalance = a.AvailableBalance.Add(change)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicFill,
			Payload: FillEvent{
				OrderID:      orderID,
				AccountID:    accountID,
				Symbol:       symbol,
				DeltaFilled:  delta,
				AveragePrice: status.AverageFillPrice,
				State:        status.State,
			},
		})
	}
	return nil
}

// IngestFillSnapshot is the public, idempotent entrypoint used by webhook
// handlers and the reconcile scheduler to apply a broker status snapshot.
func (e *Engine) IngestFillSnapshot(ctx context.Context, orderID string, status broker.Status) error {
	return e.ingestFill(ctx, orderID, status)
}

// Reconcile forces a broker poll for a single order, applying whatever
// snapshot the broker returns through the same idempotent ingest path.
//
// An order can reach here with BrokerID == "" when submitToBroker's round
// trip succeeded at the broker but the local MutateOrder that records the
// broker order id never committed (crash, deadline, lost connection). That
// order is neither confirmed nor safely retryable, so before giving up it
// searches the broker's open orders for one carrying this order's client
// idempotency key: if found, the order is adopted by recording the broker
// id and ingesting its current snapshot; if the broker genuinely never saw
// it, the order is transitioned to REJECTED rather than left PENDING
// forever.
func (e *Engine) Reconcile(ctx context.Context, orderID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State.IsTerminal() {
		return nil
	}
	if order.BrokerID == "" {
		return e.reconcileOrphan(ctx, order)
	}

	status, err := e.brk.GetOrder(ctx, order.BrokerID)
	if err != nil {
		return apperrors.BrokerError("get_order", err)
	}
	return e.ingestFill(ctx, orderID, status)
}

// reconcileOrphan resolves an order whose broker round trip never recorded
// a broker order id locally.
func (e *Engine) reconcileOrphan(ctx context.Context, order *store.Order) error {
	open, err := e.brk.GetOpenOrders(ctx)
	if err != nil {
		return apperrors.BrokerError("get_open_orders", err)
	}

	for _, status := range open {
		if status.ClientOrderID != order.ClientIdempotencyKey {
			continue
		}

		// Guard against adopting a broker order id some other local row has
		// already claimed (e.g. a prior reconcile pass already adopted it).
		if existing, err := e.store.FindOrderByClientID(ctx, order.AccountID, order.Symbol, status.BrokerOrderID); err == nil && existing.ID != order.ID {
			if e.logger != nil {
				e.logger.WithFields(map[string]interface{}{
					"order_id":        order.ID,
					"broker_order_id": status.BrokerOrderID,
					"claimed_by":      existing.ID,
				}).Warn("broker order already claimed by another local order; skipping adoption")
			}
			return nil
		}

		if adoptErr := e.store.MutateOrder(ctx, order.ID, func(o *store.Order) error {
			o.BrokerID = status.BrokerOrderID
			now := time.Now().UTC()
			o.SubmittedAt = &now
			return nil
		}); adoptErr != nil {
			return adoptErr
		}
		return e.ingestFill(ctx, order.ID, status)
	}

	// The broker has no open order for this client key: it never received
	// the order, so the partial-failure contract requires a terminal
	// REJECTED rather than leaving it PENDING indefinitely.
	return e.store.MutateOrder(ctx, order.ID, func(o *store.Order) error {
		if o.State.IsTerminal() {
			return nil
		}
		o.State = store.OrderStateRejected
		o.LastError = "reconcile: broker has no record of this order"
		return nil
	})
}

// ExpireDayOrders transitions every DAY order not yet terminal to EXPIRED,
// attempting a broker cancel first.
func (e *Engine) ExpireDayOrders(ctx context.Context, userID string) (int, error) {
	orders, err := e.store.ListOrders(ctx, store.OrderFilter{UserID: userID})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range orders {
		if o.State.IsTerminal() || o.TimeInForce != store.TimeInForceDay {
			continue
		}
		if o.BrokerID != "" {
			_, _ = e.brk.CancelOrder(ctx, o.BrokerID)
		}
		err := e.store.MutateOrder(ctx, o.ID, func(ord *store.Order) error {
			if ord.State.IsTerminal() {
				return nil
			}
			ord.State = store.OrderStateExpired
			return nil
		})
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
