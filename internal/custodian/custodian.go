// Package custodian defines the adapter contract the aggregation engine
// uses to pull balances, holdings, and transactions from external
// financial institutions. Adapters are stateless with respect to the
// core; the access handle they return is opaque. The core stores it as
// given; it is not encrypted at rest.
package custodian

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LinkSession represents an in-progress account-linking handshake.
type LinkSession struct {
	SessionID string
	ExpiresAt time.Time
}

// AccessHandle is an opaque, custodian-specific credential the core
// persists as given (without encryption) and passes back on every
// subsequent call.
type AccessHandle string

// AccountSnapshot is a custodian-reported account.
type AccountSnapshot struct {
	ExternalID string
	Kind       string
	Balance    decimal.Decimal
	Currency   string
}

// HoldingSnapshot is a custodian-reported position within one account.
type HoldingSnapshot struct {
	AccountExternalID string
	Symbol            string
	Quantity          decimal.Decimal
	UnitPrice         decimal.Decimal
	CostBasis         decimal.Decimal
}

// TransactionSnapshot is a custodian-reported ledger entry.
type TransactionSnapshot struct {
	AccountExternalID string
	ExternalID        string
	Kind              string
	Amount            decimal.Decimal
	Date              time.Time
	Symbol            string
	Quantity          *decimal.Decimal
	UnitPrice         *decimal.Decimal
	Fee               *decimal.Decimal
}

// Adapter is the closed set of operations every custodian integration
// implements. New custodians require a new adapter module, not runtime
// dispatch.
type Adapter interface {
	Name() string

	LinkFlow(ctx context.Context, userID string) (LinkSession, error)
	ExchangePublicCredential(ctx context.Context, session LinkSession, publicToken string) (AccessHandle, error)

	ListAccounts(ctx context.Context, handle AccessHandle) ([]AccountSnapshot, error)
	ListHoldings(ctx context.Context, handle AccessHandle) ([]HoldingSnapshot, error)
	ListTransactions(ctx context.Context, handle AccessHandle, since time.Time) ([]TransactionSnapshot, error)
}
