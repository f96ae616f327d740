// Package simbroker is a deterministic, configurable paper-trading broker
// used for integration tests and local runs. It implements broker.Broker
// so swapping in a live venue is a constructor-level change.
package simbroker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/internal/broker"
	"github.com/r3e-network/investment-core/internal/store"
)

// Config seeds the simulated broker's starting state.
type Config struct {
	// ReferencePrices is the starting price book, symbol -> price.
	ReferencePrices map[string]decimal.Decimal
	// BuyingPower is the account's initial buying power.
	BuyingPower decimal.Decimal
	Currency    string
	// FillLatency delays PlaceOrder's reported fill to simulate a venue
	// round-trip. Zero fills synchronously.
	FillLatency time.Duration
	// UnreachableLimitSymbols marks symbols whose STOP_LIMIT orders always
	// report UnreachableReasonLimit once the stop triggers, for exercising
	// that error path deterministically in tests.
	UnreachableLimitSymbols map[string]bool
}

type order struct {
	spec   broker.OrderSpec
	status broker.Status
}

// Broker is the in-memory simulated execution venue.
type Broker struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	power  decimal.Decimal
	currency string
	latency time.Duration
	unreachable map[string]bool

	orders map[string]*order
	subs   []chan broker.Status
}

// New constructs a Broker from cfg.
func New(cfg Config) *Broker {
	prices := make(map[string]decimal.Decimal, len(cfg.ReferencePrices))
	for k, v := range cfg.ReferencePrices {
		prices[store.NormalizeSymbol(k)] = v
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "USD"
	}
	return &Broker{
		prices:      prices,
		power:       cfg.BuyingPower,
		currency:    currency,
		latency:     cfg.FillLatency,
		unreachable: cfg.UnreachableLimitSymbols,
		orders:      map[string]*order{},
	}
}

func (b *Broker) Connect(ctx context.Context) error { return nil }
func (b *Broker) Close() error                       { return nil }

func (b *Broker) referencePrice(symbol string) decimal.Decimal {
	if p, ok := b.prices[store.NormalizeSymbol(symbol)]; ok {
		return p
	}
	return decimal.NewFromInt(100)
}

// PlaceOrder fills MARKET orders immediately at the reference price, fills
// LIMIT orders immediately if the reference price already satisfies the
// limit, and otherwise leaves the order SUBMITTED (unfilled) for a later
// Subscribe push or GetOrder poll to resolve. STOP_LIMIT orders for a
// symbol listed in UnreachableLimitSymbols always report
// UnreachableReasonLimit once the simulated stop triggers.
func (b *Broker) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (broker.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return broker.Status{}, ctx.Err()
		}
	}

	brokerID := uuid.NewString()
	ref := b.referencePrice(spec.Symbol)

	status := broker.Status{
		BrokerOrderID: brokerID,
		ClientOrderID: spec.ClientOrderID,
		State:         store.OrderStateSubmitted,
		AsOf:          time.Now().UTC(),
	}

	switch spec.Type {
	case store.OrderTypeStopLimit:
		if b.unreachable[store.NormalizeSymbol(spec.Symbol)] {
			status.Reason = broker.UnreachableReasonLimit
			b.orders[brokerID] = &order{spec: spec, status: status}
			return status, nil
		}
		fallthrough
	case store.OrderTypeMarket:
		status.State = store.OrderStateFilled
		status.FilledQuantity = spec.Quantity
		status.AverageFillPrice = ref
	case store.OrderTypeLimit:
		if spec.LimitPrice != nil && limitSatisfied(spec.Side, *spec.LimitPrice, ref) {
			status.State = store.OrderStateFilled
			status.FilledQuantity = spec.Quantity
			status.AverageFillPrice = ref
		}
	case store.OrderTypeStop:
		// Stays SUBMITTED until the reference price crosses the stop; the
		// simulator does not model live ticking, so tests drive fills via
		// InjectFill.
	}

	b.orders[brokerID] = &order{spec: spec, status: status}
	if status.State == store.OrderStateFilled {
		b.broadcast(status)
	}
	return status, nil
}

func limitSatisfied(side store.OrderSide, limit, ref decimal.Decimal) bool {
	if side == store.OrderSideBuy {
		return ref.LessThanOrEqual(limit)
	}
	return ref.GreaterThanOrEqual(limit)
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) (broker.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.Status{}, broker.ErrOrderNotKnown
	}
	if o.status.State.IsTerminal() {
		return o.status, nil
	}
	o.status.State = store.OrderStateCancelled
	o.status.AsOf = time.Now().UTC()
	return o.status, nil
}

func (b *Broker) GetOrder(ctx context.Context, brokerOrderID string) (broker.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.Status{}, broker.ErrOrderNotKnown
	}
	return o.status, nil
}

func (b *Broker) GetOpenOrders(ctx context.Context) ([]broker.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.Status
	for _, o := range b.orders {
		if !o.status.State.IsTerminal() {
			out = append(out, o.status)
		}
	}
	return out, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	totals := map[string]decimal.Decimal{}
	for _, o := range b.orders {
		if o.status.FilledQuantity.IsZero() {
			continue
		}
		sym := store.NormalizeSymbol(o.spec.Symbol)
		qty := o.status.FilledQuantity
		if o.spec.Side == store.OrderSideSell {
			qty = qty.Neg()
		}
		totals[sym] = totals[sym].Add(qty)
	}
	out := make([]broker.Position, 0, len(totals))
	for sym, qty := range totals {
		out = append(out, broker.Position{Symbol: sym, Quantity: qty})
	}
	return out, nil
}

func (b *Broker) GetBalance(ctx context.Context) (broker.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.Balance{Currency: b.currency, BuyingPower: b.power, CashBalance: b.power}, nil
}

// Subscribe returns a channel fed by InjectFill calls; it is closed when
// ctx is done.
func (b *Broker) Subscribe(ctx context.Context) (<-chan broker.Status, error) {
	ch := make(chan broker.Status, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *Broker) broadcast(status broker.Status) {
	for _, ch := range b.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// InjectFill drives a partial or complete fill for a SUBMITTED/
// PARTIALLY_FILLED order, for deterministic test scenarios (e.g. the
// "partial fill then cancel" scenario). It pushes the update to Subscribe
// listeners.
func (b *Broker) InjectFill(brokerOrderID string, filledQuantity, avgPrice decimal.Decimal, terminal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerOrderID]
	if !ok {
		return
	}
	o.status.FilledQuantity = filledQuantity
	o.status.AverageFillPrice = avgPrice
	o.status.AsOf = time.Now().UTC()
	if terminal {
		o.status.State = store.OrderStateFilled
	} else {
		o.status.State = store.OrderStatePartiallyFilled
	}
	b.broadcast(o.status)
}

// SetReferencePrice updates the simulated market price for symbol.
func (b *Broker) SetReferencePrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[store.NormalizeSymbol(symbol)] = price
}

var _ broker.Broker = (*Broker)(nil)
