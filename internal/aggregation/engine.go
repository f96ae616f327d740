// Package aggregation implements the account aggregation and
// reconciliation engine: it pulls balances, holdings, and transactions
// from custodian adapters, merges them into the canonical store, and
// produces a unified cross-custodian portfolio view.
package aggregation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/logging"
	"github.com/r3e-network/investment-core/infrastructure/resilience"
	"github.com/r3e-network/investment-core/internal/custodian"
	"github.com/r3e-network/investment-core/internal/eventbus"
	"github.com/r3e-network/investment-core/internal/store"
)

// Engine syncs external custodian state into the canonical store.
type Engine struct {
	store     store.Store
	adapters  map[string]custodian.Adapter
	breakers  map[string]*resilience.CircuitBreaker
	bus       *eventbus.Bus
	logger    *logging.Logger

	mu         sync.Mutex
	inFlight   map[string]chan struct{} // accountID -> done signal, for sync coalescing
}

// Config wires an Engine's dependencies. Adapters is keyed by custodian
// name (matching store.Custodian.Name).
type Config struct {
	Store    store.Store
	Adapters map[string]custodian.Adapter
	Bus      *eventbus.Bus
	Logger   *logging.Logger
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	breakers := make(map[string]*resilience.CircuitBreaker, len(cfg.Adapters))
	for name := range cfg.Adapters {
		breakers[name] = resilience.New(resilience.DefaultConfig())
	}
	return &Engine{
		store:    cfg.Store,
		adapters: cfg.Adapters,
		breakers: breakers,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		inFlight: map[string]chan struct{}{},
	}
}

// SyncResult summarizes the outcome of one account's sync attempt.
type SyncResult struct {
	AccountID string
	Status    store.SyncStatus
	Err       error
}

// SyncAccount syncs a single account. At most one sync per account is
// in flight at a time; concurrent callers coalesce onto the in-flight
// result.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) SyncResult {
	e.mu.Lock()
	if done, ok := e.inFlight[accountID]; ok {
		e.mu.Unlock()
		<-done
		return SyncResult{AccountID: accountID, Status: store.SyncStatusOK}
	}
	done := make(chan struct{})
	e.inFlight[accountID] = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, accountID)
		e.mu.Unlock()
		close(done)
	}()

	return e.doSync(ctx, accountID)
}

func (e *Engine) doSync(ctx context.Context, accountID string) SyncResult {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusFailed, Err: err}
	}
	if account.IsManual || account.CustodianID == nil {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusOK}
	}

	custodianRecord, err := e.store.GetCustodian(ctx, *account.CustodianID)
	if err != nil {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusFailed, Err: err}
	}
	adapter, ok := e.adapters[custodianRecord.Name]
	if !ok {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusFailed, Err: fmt.Errorf("no adapter registered for custodian %q", custodianRecord.Name)}
	}
	breaker := e.breakers[custodianRecord.Name]
	handle := custodian.AccessHandle(account.AccessHandle)

	var accounts []custodian.AccountSnapshot
	var holdings []custodian.HoldingSnapshot
	var transactions []custodian.TransactionSnapshot

	syncErr := breaker.Execute(ctx, func() error {
		var err error
		accounts, err = adapter.ListAccounts(ctx, handle)
		if err != nil {
			return err
		}
		holdings, err = adapter.ListHoldings(ctx, handle)
		if err != nil {
			return err
		}
		since := time.Time{}
		if account.LastSyncedAt != nil {
			since = *account.LastSyncedAt
		}
		transactions, err = adapter.ListTransactions(ctx, handle, since)
		return err
	})
	if syncErr != nil {
		if e.logger != nil {
			e.logger.WithFields(map[string]interface{}{"account_id": accountID, "custodian": custodianRecord.Name}).
				WithError(syncErr).Warn("custodian sync failed; last known good snapshot retained")
		}
		_ = e.store.MutateAccountBalance(ctx, accountID, func(a *store.Account) error {
			a.LastSyncStatus = store.SyncStatusFailed
			return nil
		})
		return SyncResult{AccountID: accountID, Status: store.SyncStatusFailed, Err: syncErr}
	}

	if err := e.upsertHoldings(ctx, accountID, holdings); err != nil {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusPartial, Err: err}
	}
	if err := e.upsertTransactions(ctx, accountID, account.UserID, transactions); err != nil {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusPartial, Err: err}
	}

	now := time.Now().UTC()
	err = e.store.MutateAccountBalance(ctx, accountID, func(a *store.Account) error {
		// Open Question (a): only investment-kind accounts refresh
		// current_balance from the custodian snapshot; other kinds retain
		// their balance as last reported, updated only via the ledger.
		if a.Kind == store.AccountKindInvestment {
			for _, snap := range accounts {
				if snap.ExternalID == a.ExternalID {
					a.CurrentBalance = snap.Balance
					a.AvailableBalance = snap.Balance
					break
				}
			}
		}
		a.LastSyncedAt = &now
		a.LastSyncStatus = store.SyncStatusOK
		return nil
	})
	if err != nil {
		return SyncResult{AccountID: accountID, Status: store.SyncStatusFailed, Err: err}
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Topic: eventbus.TopicAccountUpdated, UserID: account.UserID, Payload: accountID})
	}
	return SyncResult{AccountID: accountID, Status: store.SyncStatusOK}
}

// upsertHoldings upserts by (account, symbol), creating new rows, updating
// existing ones, and deleting those missing from the snapshot.
func (e *Engine) upsertHoldings(ctx context.Context, accountID string, snapshot []custodian.HoldingSnapshot) error {
	existing, err := e.store.ListHoldingsByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(snapshot))

	for _, snap := range snapshot {
		h := store.Holding{
			AccountID: accountID,
			Symbol:    snap.Symbol,
			Quantity:  snap.Quantity,
			UnitPrice: snap.UnitPrice,
			CostBasis: snap.CostBasis,
		}
		h.Recompute()
		if err := e.store.UpsertHolding(ctx, &h); err != nil {
			return err
		}
		seen[h.Symbol] = true

		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Topic: eventbus.TopicHoldingUpdated, Payload: h})
		}
	}

	for _, h := range existing {
		if !seen[h.Symbol] {
			if err := e.store.DeleteHolding(ctx, accountID, h.Symbol); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertTransactions upserts by external_id when present, falling back to
// a (account, date, amount, kind) content-hash dedup key. No description
// is part of the key; snapshots carry none.
func (e *Engine) upsertTransactions(ctx context.Context, accountID, userID string, snapshot []custodian.TransactionSnapshot) error {
	for _, snap := range snapshot {
		t := store.Transaction{
			AccountID: accountID,
			UserID:    userID,
			Kind:      store.TransactionKind(snap.Kind),
			Amount:    snap.Amount,
			Date:      snap.Date,
		}
		if snap.Symbol != "" {
			symbol := store.NormalizeSymbol(snap.Symbol)
			t.Symbol = &symbol
		}

		var err error
		if snap.ExternalID != "" {
			t.ExternalID = &snap.ExternalID
			_, err = e.store.UpsertTransactionByExternalID(ctx, &t)
		} else {
			t.DedupKey = contentHash(accountID, snap.Date, snap.Amount, snap.Kind)
			_, err = e.store.UpsertTransactionByDedupKey(ctx, &t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func contentHash(accountID string, date time.Time, amount decimal.Decimal, description string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", accountID, date.Format(time.RFC3339), amount.String(), description)))
	return hex.EncodeToString(h[:])
}

// UnifiedView is the per-user aggregation across all accounts and
// custodians.
type UnifiedView struct {
	TotalValue         decimal.Decimal
	HoldingsBySymbol   map[string]AggregatedHolding
	CustodianBreakdown map[string]decimal.Decimal
}

// AggregatedHolding is one symbol's merged position across accounts.
type AggregatedHolding struct {
	Symbol               string
	Quantity             decimal.Decimal
	WeightedAverageCost  decimal.Decimal
	AllocationPercentage decimal.Decimal
}

// UnifiedView aggregates a user's accounts, holdings, and custodian
// breakdown into a single consistent view.
func (e *Engine) UnifiedView(ctx context.Context, userID string) (*UnifiedView, error) {
	accounts, err := e.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := e.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &UnifiedView{
		TotalValue:         decimal.Zero,
		HoldingsBySymbol:   map[string]AggregatedHolding{},
		CustodianBreakdown: map[string]decimal.Decimal{},
	}

	accountsByID := make(map[string]store.Account, len(accounts))
	for _, a := range accounts {
		accountsByID[a.ID] = a
		view.TotalValue = view.TotalValue.Add(a.CurrentBalance)

		custodianName := "manual"
		if a.CustodianID != nil {
			if c, err := e.store.GetCustodian(ctx, *a.CustodianID); err == nil {
				custodianName = c.Name
			}
		}
		view.CustodianBreakdown[custodianName] = view.CustodianBreakdown[custodianName].Add(a.CurrentBalance)
	}

	type accum struct {
		quantity decimal.Decimal
		marketValue decimal.Decimal
		costBasis decimal.Decimal
	}
	bySymbol := map[string]*accum{}
	investedTotal := decimal.Zero

	for _, h := range holdings {
		a, ok := bySymbol[h.Symbol]
		if !ok {
			a = &accum{quantity: decimal.Zero, marketValue: decimal.Zero, costBasis: decimal.Zero}
			bySymbol[h.Symbol] = a
		}
		a.quantity = a.quantity.Add(h.Quantity)
		a.marketValue = a.marketValue.Add(h.MarketValue)
		a.costBasis = a.costBasis.Add(h.CostBasis)
		investedTotal = investedTotal.Add(h.MarketValue)
	}

	for symbol, a := range bySymbol {
		var avgCost decimal.Decimal
		if !a.quantity.IsZero() {
			avgCost = a.costBasis.Div(a.quantity)
		}
		var allocation decimal.Decimal
		if !investedTotal.IsZero() {
			allocation = a.marketValue.Div(investedTotal).Mul(decimal.NewFromInt(100))
		}
		view.HoldingsBySymbol[symbol] = AggregatedHolding{
			Symbol:               symbol,
			Quantity:             a.quantity,
			WeightedAverageCost:  avgCost,
			AllocationPercentage: allocation,
		}
	}

	return view, nil
}

// SyncAll syncs every active, non-manual account, continuing past
// individual custodian failures so the overall sweep completes.
func (e *Engine) SyncAll(ctx context.Context) ([]SyncResult, error) {
	accounts, err := e.store.ListActiveNonManualAccounts(ctx)
	if err != nil {
		return nil, apperrors.DatabaseError("list_active_accounts", err)
	}
	results := make([]SyncResult, 0, len(accounts))
	for _, a := range accounts {
		results = append(results, e.SyncAccount(ctx, a.ID))
	}
	return results, nil
}
