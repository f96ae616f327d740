// Package store defines the canonical entities of the investment backend
// (users, custodians, accounts, portfolios, holdings, transactions, orders,
// strategies) and the persistence contract they are stored behind.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind enumerates the supported account types.
type AccountKind string

const (
	AccountKindChecking   AccountKind = "checking"
	AccountKindSavings    AccountKind = "savings"
	AccountKindInvestment AccountKind = "investment"
	AccountKindCredit     AccountKind = "credit"
	AccountKindLoan       AccountKind = "loan"
	AccountKindMortgage   AccountKind = "mortgage"
	AccountKindRetirement AccountKind = "retirement"
)

// TransactionKind enumerates ledger entry types.
type TransactionKind string

const (
	TransactionDeposit    TransactionKind = "deposit"
	TransactionWithdrawal TransactionKind = "withdrawal"
	TransactionTransfer   TransactionKind = "transfer"
	TransactionPurchase   TransactionKind = "purchase"
	TransactionSale       TransactionKind = "sale"
	TransactionDividend   TransactionKind = "dividend"
	TransactionInterest   TransactionKind = "interest"
	TransactionFee        TransactionKind = "fee"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the order's pricing strategy.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order remains workable.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	OrderStatePending         OrderState = "PENDING"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// IsTerminal reports whether the state machine has reached a terminal node.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// SyncStatus describes the outcome of an account reconciliation sync.
type SyncStatus string

const (
	SyncStatusOK      SyncStatus = "ok"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// User owns portfolios, accounts, orders, and strategies. Destroying a user
// cascades to all owned rows.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Custodian is reference data describing a financial institution adapter.
type Custodian struct {
	ID           string   `db:"id" json:"id"`
	Name         string   `db:"name" json:"name"`
	Capabilities []string `db:"-" json:"capabilities"`
	Healthy      bool     `db:"healthy" json:"healthy"`
}

// Account belongs to one user and optionally one portfolio and one custodian.
type Account struct {
	ID               string          `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"user_id"`
	PortfolioID      *string         `db:"portfolio_id" json:"portfolio_id,omitempty"`
	CustodianID      *string         `db:"custodian_id" json:"custodian_id,omitempty"`
	Kind             AccountKind     `db:"kind" json:"kind"`
	ExternalID       string          `db:"external_id" json:"external_id,omitempty"`
	AccessHandle     string          `db:"access_handle" json:"-"`
	CurrentBalance   decimal.Decimal `db:"current_balance" json:"current_balance"`
	AvailableBalance decimal.Decimal `db:"available_balance" json:"available_balance"`
	Currency         string          `db:"currency" json:"currency"`
	IsManual         bool            `db:"is_manual" json:"is_manual"`
	IsActive         bool            `db:"is_active" json:"is_active"`
	LastSyncedAt     *time.Time      `db:"last_synced_at" json:"last_synced_at,omitempty"`
	LastSyncStatus   SyncStatus      `db:"last_sync_status" json:"last_sync_status,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// Portfolio is a user-owned grouping of accounts.
type Portfolio struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	IsPrimary bool      `db:"is_primary" json:"is_primary"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Holding is a position in one security within one account.
type Holding struct {
	ID              string          `db:"id" json:"id"`
	AccountID       string          `db:"account_id" json:"account_id"`
	Symbol          string          `db:"symbol" json:"symbol"`
	Quantity        decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
	MarketValue     decimal.Decimal `db:"market_value" json:"market_value"`
	CostBasis       decimal.Decimal `db:"cost_basis" json:"cost_basis"`
	UnrealizedPL    decimal.Decimal `db:"unrealized_pl" json:"unrealized_pl"`
	LastUpdated     time.Time       `db:"last_updated" json:"last_updated"`
}

// Recompute refreshes MarketValue and UnrealizedPL from Quantity, UnitPrice,
// and CostBasis. Symbols are normalized to uppercase on every write.
func (h *Holding) Recompute() {
	h.Symbol = NormalizeSymbol(h.Symbol)
	h.MarketValue = h.Quantity.Mul(h.UnitPrice)
	h.UnrealizedPL = h.MarketValue.Sub(h.CostBasis)
}

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return upperTrim(symbol)
}

func upperTrim(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	s = s[start:end]
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// Transaction is a ledger entry belonging to one account and user.
type Transaction struct {
	ID         string          `db:"id" json:"id"`
	AccountID  string          `db:"account_id" json:"account_id"`
	UserID     string          `db:"user_id" json:"user_id"`
	Kind       TransactionKind `db:"kind" json:"kind"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Date       time.Time       `db:"date" json:"date"`
	Symbol     *string         `db:"symbol" json:"symbol,omitempty"`
	Quantity   *decimal.Decimal `db:"quantity" json:"quantity,omitempty"`
	UnitPrice  *decimal.Decimal `db:"unit_price" json:"unit_price,omitempty"`
	Fee        *decimal.Decimal `db:"fee" json:"fee,omitempty"`
	ExternalID *string         `db:"external_id" json:"external_id,omitempty"`
	DedupKey   string          `db:"dedup_key" json:"-"`
	Pending    bool            `db:"pending" json:"pending"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Order belongs to one user and one account and is the unit tracked by the
// order lifecycle state machine.
type Order struct {
	ID                  string          `db:"id" json:"id"`
	UserID              string          `db:"user_id" json:"user_id"`
	AccountID           string          `db:"account_id" json:"account_id"`
	Symbol              string          `db:"symbol" json:"symbol"`
	Side                OrderSide       `db:"side" json:"side"`
	Quantity            decimal.Decimal `db:"quantity" json:"quantity"`
	Type                OrderType       `db:"type" json:"type"`
	LimitPrice          *decimal.Decimal `db:"limit_price" json:"limit_price,omitempty"`
	StopPrice           *decimal.Decimal `db:"stop_price" json:"stop_price,omitempty"`
	TimeInForce         TimeInForce     `db:"time_in_force" json:"time_in_force"`
	State               OrderState      `db:"state" json:"state"`
	BrokerID            string          `db:"broker_id" json:"broker_id,omitempty"`
	ClientIdempotencyKey string         `db:"client_idempotency_key" json:"client_idempotency_key"`
	FilledQuantity      decimal.Decimal `db:"filled_quantity" json:"filled_quantity"`
	AverageFillPrice    decimal.Decimal `db:"average_fill_price" json:"average_fill_price"`
	RetryCount          int             `db:"retry_count" json:"retry_count"`
	LastError           string          `db:"last_error" json:"last_error,omitempty"`
	SubmittedAt         *time.Time      `db:"submitted_at" json:"submitted_at,omitempty"`
	LastUpdatedAt       time.Time       `db:"last_updated_at" json:"last_updated_at"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// Strategy is a user-defined target allocation.
type Strategy struct {
	ID              string    `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Name            string    `db:"name" json:"name"`
	DriftThresholdPP decimal.Decimal `db:"drift_threshold_pp" json:"drift_threshold_pp"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// StrategyHolding is one symbol's target weight within a Strategy.
type StrategyHolding struct {
	StrategyID   string          `db:"strategy_id" json:"strategy_id"`
	Symbol       string          `db:"symbol" json:"symbol"`
	TargetWeight decimal.Decimal `db:"target_weight" json:"target_weight"`
}
