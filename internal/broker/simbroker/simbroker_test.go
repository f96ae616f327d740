package simbroker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/internal/broker"
	"github.com/r3e-network/investment-core/internal/store"
)

func TestPlaceOrder_MarketFillsImmediately(t *testing.T) {
	b := New(Config{
		ReferencePrices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)},
		BuyingPower:     decimal.NewFromInt(5000),
	})

	status, err := b.PlaceOrder(context.Background(), broker.OrderSpec{
		ClientOrderID: "c1",
		Symbol:        "AAPL",
		Side:          store.OrderSideBuy,
		Quantity:      decimal.NewFromInt(10),
		Type:          store.OrderTypeMarket,
		TimeInForce:   store.TimeInForceDay,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if status.State != store.OrderStateFilled {
		t.Errorf("State = %v, want FILLED", status.State)
	}
	if !status.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("FilledQuantity = %v, want 10", status.FilledQuantity)
	}
}

func TestPlaceOrder_LimitUnmetStaysSubmitted(t *testing.T) {
	b := New(Config{ReferencePrices: map[string]decimal.Decimal{"TSLA": decimal.NewFromInt(220)}})

	limit := decimal.NewFromInt(200)
	status, err := b.PlaceOrder(context.Background(), broker.OrderSpec{
		ClientOrderID: "c2",
		Symbol:        "TSLA",
		Side:          store.OrderSideBuy,
		Quantity:      decimal.NewFromInt(100),
		Type:          store.OrderTypeLimit,
		LimitPrice:    &limit,
		TimeInForce:   store.TimeInForceGTC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if status.State != store.OrderStateSubmitted {
		t.Errorf("State = %v, want SUBMITTED", status.State)
	}
}

func TestPlaceOrder_StopLimitUnreachable(t *testing.T) {
	b := New(Config{
		ReferencePrices:         map[string]decimal.Decimal{"GME": decimal.NewFromInt(20)},
		UnreachableLimitSymbols: map[string]bool{"GME": true},
	})

	stop := decimal.NewFromInt(15)
	limit := decimal.NewFromInt(14)
	status, err := b.PlaceOrder(context.Background(), broker.OrderSpec{
		ClientOrderID: "c3",
		Symbol:        "GME",
		Side:          store.OrderSideSell,
		Quantity:      decimal.NewFromInt(5),
		Type:          store.OrderTypeStopLimit,
		StopPrice:     &stop,
		LimitPrice:    &limit,
		TimeInForce:   store.TimeInForceGTC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if status.Reason != broker.UnreachableReasonLimit {
		t.Errorf("Reason = %q, want %q", status.Reason, broker.UnreachableReasonLimit)
	}
}

func TestCancelOrder(t *testing.T) {
	b := New(Config{ReferencePrices: map[string]decimal.Decimal{"TSLA": decimal.NewFromInt(220)}})
	limit := decimal.NewFromInt(200)

	placed, _ := b.PlaceOrder(context.Background(), broker.OrderSpec{
		ClientOrderID: "c4",
		Symbol:        "TSLA",
		Side:          store.OrderSideBuy,
		Quantity:      decimal.NewFromInt(100),
		Type:          store.OrderTypeLimit,
		LimitPrice:    &limit,
		TimeInForce:   store.TimeInForceGTC,
	})

	cancelled, err := b.CancelOrder(context.Background(), placed.BrokerOrderID)
	if err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if cancelled.State != store.OrderStateCancelled {
		t.Errorf("State = %v, want CANCELLED", cancelled.State)
	}
}

func TestInjectFillPartial(t *testing.T) {
	b := New(Config{ReferencePrices: map[string]decimal.Decimal{"TSLA": decimal.NewFromInt(220)}})
	limit := decimal.NewFromInt(200)

	placed, _ := b.PlaceOrder(context.Background(), broker.OrderSpec{
		ClientOrderID: "c5",
		Symbol:        "TSLA",
		Side:          store.OrderSideBuy,
		Quantity:      decimal.NewFromInt(100),
		Type:          store.OrderTypeLimit,
		LimitPrice:    &limit,
		TimeInForce:   store.TimeInForceGTC,
	})

	b.InjectFill(placed.BrokerOrderID, decimal.NewFromInt(40), decimal.NewFromInt(200), false)

	got, err := b.GetOrder(context.Background(), placed.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.State != store.OrderStatePartiallyFilled {
		t.Errorf("State = %v, want PARTIALLY_FILLED", got.State)
	}
	if !got.FilledQuantity.Equal(decimal.NewFromInt(40)) {
		t.Errorf("FilledQuantity = %v, want 40", got.FilledQuantity)
	}
}
