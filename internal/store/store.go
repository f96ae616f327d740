package store

import (
	"context"
	"time"
)

// OrderFilter narrows ListOrders results. Zero values are unconstrained.
type OrderFilter struct {
	UserID    string
	AccountID string
	State     OrderState
	Symbol    string
}

// Store is the canonical persistence contract for every entity in the data
// model. Implementations must guard order and account mutation with
// row-level locks so concurrent writers serialize per-order and
// per-account, never globally.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Custodians
	UpsertCustodian(ctx context.Context, c *Custodian) error
	GetCustodian(ctx context.Context, id string) (*Custodian, error)
	ListCustodians(ctx context.Context) ([]Custodian, error)

	// Portfolios
	CreatePortfolio(ctx context.Context, p *Portfolio) error
	GetPortfolio(ctx context.Context, id string) (*Portfolio, error)
	ListPortfoliosByUser(ctx context.Context, userID string) ([]Portfolio, error)

	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccountsByUser(ctx context.Context, userID string) ([]Account, error)
	ListActiveNonManualAccounts(ctx context.Context) ([]Account, error)

	// MutateAccountBalance runs fn with the account row locked for the
	// duration of the transaction (SELECT ... FOR UPDATE), persisting
	// whatever mutation fn performs on the returned copy.
	MutateAccountBalance(ctx context.Context, accountID string, fn func(a *Account) error) error

	// Holdings
	UpsertHolding(ctx context.Context, h *Holding) error
	DeleteHolding(ctx context.Context, accountID, symbol string) error
	ListHoldingsByAccount(ctx context.Context, accountID string) ([]Holding, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]Holding, error)

	// Transactions
	UpsertTransactionByExternalID(ctx context.Context, t *Transaction) (created bool, err error)
	UpsertTransactionByDedupKey(ctx context.Context, t *Transaction) (created bool, err error)
	ListTransactionsByAccount(ctx context.Context, accountID string, since time.Time) ([]Transaction, error)

	// Orders
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	FindOrderByClientID(ctx context.Context, accountID, symbol, brokerClientID string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]Order, error)

	// MutateOrder runs fn with the order row locked for the duration of
	// the transaction (SELECT ... FOR UPDATE), persisting the result.
	MutateOrder(ctx context.Context, orderID string, fn func(o *Order) error) error

	// Strategies
	CreateStrategy(ctx context.Context, s *Strategy, holdings []StrategyHolding) error
	GetStrategy(ctx context.Context, id string) (*Strategy, error)
	ListStrategyHoldings(ctx context.Context, strategyID string) ([]StrategyHolding, error)
}
