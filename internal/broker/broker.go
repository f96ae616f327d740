// Package broker defines the contract the order lifecycle engine uses to
// route orders to an execution venue. Exactly one concrete adapter
// (simbroker) ships in this repo; a live broker is a constructor-level
// swap behind the same interface, never a core-engine change.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/internal/store"
)

// ErrOrderNotKnown is returned by adapter methods when the broker has no
// record of the given broker order id.
var ErrOrderNotKnown = errors.New("broker: order not known")

// OrderSpec is the broker-facing representation of an order submission.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          store.OrderSide
	Quantity      decimal.Decimal
	Type          store.OrderType
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   store.TimeInForce
}

// UnreachableReasonLimit is set on a Status when the broker cannot currently
// satisfy the order's constraint (e.g. a STOP_LIMIT whose limit price is
// unreachable after the stop triggers).
const UnreachableReasonLimit = "unreachable_limit"

// Status is a point-in-time broker-side snapshot of an order, returned
// from PlaceOrder, GetOrder, or pushed via Subscribe.
type Status struct {
	BrokerOrderID   string
	ClientOrderID   string
	State           store.OrderState
	FilledQuantity  decimal.Decimal
	AverageFillPrice decimal.Decimal
	Reason          string
	AsOf            time.Time
}

// Position is a broker-reported holding, used to validate SELL orders
// against the broker's view of available shares.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
}

// Balance is a broker-reported buying-power snapshot.
type Balance struct {
	Currency     string
	BuyingPower  decimal.Decimal
	CashBalance  decimal.Decimal
}

// Broker is the execution-venue contract. All methods are expected to be
// called through a circuit breaker keyed by broker identity; Broker itself
// does not implement retry or breaking.
type Broker interface {
	// Connect establishes (or verifies) connectivity. Implementations that
	// are stateless may treat this as a no-op health check.
	Connect(ctx context.Context) error
	Close() error

	PlaceOrder(ctx context.Context, spec OrderSpec) (Status, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (Status, error)
	GetOrder(ctx context.Context, brokerOrderID string) (Status, error)
	GetOpenOrders(ctx context.Context) ([]Status, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (Balance, error)

	// Subscribe returns a channel of asynchronous order status pushes
	// (fills, rejections). The channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Status, error)
}
