// Package manual implements a no-op custodian.Adapter for is_manual
// accounts, used only to satisfy the interface where no sync is ever
// attempted.
package manual

import (
	"context"
	"time"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/internal/custodian"
)

// Adapter never talks to an external institution. LinkFlow and
// ExchangePublicCredential fail with a business-logic error describing why;
// the List* methods return no data and no error.
type Adapter struct{}

// New constructs the manual adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "manual" }

func (a *Adapter) LinkFlow(ctx context.Context, userID string) (custodian.LinkSession, error) {
	return custodian.LinkSession{}, apperrors.InvalidOrder("manual accounts cannot be linked")
}

func (a *Adapter) ExchangePublicCredential(ctx context.Context, session custodian.LinkSession, publicToken string) (custodian.AccessHandle, error) {
	return "", apperrors.InvalidOrder("manual accounts cannot be linked")
}

func (a *Adapter) ListAccounts(ctx context.Context, handle custodian.AccessHandle) ([]custodian.AccountSnapshot, error) {
	return nil, nil
}

func (a *Adapter) ListHoldings(ctx context.Context, handle custodian.AccessHandle) ([]custodian.HoldingSnapshot, error) {
	return nil, nil
}

func (a *Adapter) ListTransactions(ctx context.Context, handle custodian.AccessHandle, since time.Time) ([]custodian.TransactionSnapshot, error) {
	return nil, nil
}

var _ custodian.Adapter = (*Adapter)(nil)
