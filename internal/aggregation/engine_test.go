package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/internal/custodian"
	"github.com/r3e-network/investment-core/internal/eventbus"
	"github.com/r3e-network/investment-core/internal/store"
)

type fakeAdapter struct {
	name         string
	accounts     []custodian.AccountSnapshot
	holdings     []custodian.HoldingSnapshot
	transactions []custodian.TransactionSnapshot
	err          error
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) LinkFlow(ctx context.Context, userID string) (custodian.LinkSession, error) {
	return custodian.LinkSession{}, nil
}
func (f *fakeAdapter) ExchangePublicCredential(ctx context.Context, session custodian.LinkSession, publicToken string) (custodian.AccessHandle, error) {
	return "", nil
}
func (f *fakeAdapter) ListAccounts(ctx context.Context, handle custodian.AccessHandle) ([]custodian.AccountSnapshot, error) {
	return f.accounts, f.err
}
func (f *fakeAdapter) ListHoldings(ctx context.Context, handle custodian.AccessHandle) ([]custodian.HoldingSnapshot, error) {
	return f.holdings, f.err
}
func (f *fakeAdapter) ListTransactions(ctx context.Context, handle custodian.AccessHandle, since time.Time) ([]custodian.TransactionSnapshot, error) {
	return f.transactions, f.err
}

func setupAccount(t *testing.T, s store.Store, kind store.AccountKind) (string, string) {
	t.Helper()
	ctx := context.Background()
	c := &store.Custodian{Name: "fakebank", Healthy: true}
	if err := s.UpsertCustodian(ctx, c); err != nil {
		t.Fatalf("UpsertCustodian() error = %v", err)
	}
	a := &store.Account{UserID: "u1", CustodianID: &c.ID, Kind: kind, ExternalID: "ext-acc-1", Currency: "USD", IsActive: true}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return a.ID, c.ID
}

func TestSyncAccount_UpdatesInvestmentBalance(t *testing.T) {
	s := store.NewMemoryStore()
	accountID, _ := setupAccount(t, s, store.AccountKindInvestment)

	adapter := &fakeAdapter{
		name: "fakebank",
		accounts: []custodian.AccountSnapshot{{ExternalID: "ext-acc-1", Kind: "investment", Balance: decimal.NewFromInt(9000), Currency: "USD"}},
	}
	eng := New(Config{Store: s, Adapters: map[string]custodian.Adapter{"fakebank": adapter}, Bus: eventbus.New()})

	result := eng.SyncAccount(context.Background(), accountID)
	if result.Status != store.SyncStatusOK {
		t.Fatalf("SyncAccount() status = %v, err = %v", result.Status, result.Err)
	}

	acc, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if !acc.CurrentBalance.Equal(decimal.NewFromInt(9000)) {
		t.Errorf("CurrentBalance = %v, want 9000", acc.CurrentBalance)
	}
	if acc.LastSyncedAt == nil {
		t.Error("LastSyncedAt should be set after a successful sync")
	}
}

func TestSyncAccount_ChecksAccountDoesNotRefreshBalance(t *testing.T) {
	s := store.NewMemoryStore()
	accountID, _ := setupAccount(t, s, store.AccountKindChecking)

	_ = s.MutateAccountBalance(context.Background(), accountID, func(a *store.Account) error {
		a.CurrentBalance = decimal.NewFromInt(500)
		return nil
	})

	adapter := &fakeAdapter{
		name: "fakebank",
		accounts: []custodian.AccountSnapshot{{ExternalID: "ext-acc-1", Kind: "checking", Balance: decimal.NewFromInt(9000), Currency: "USD"}},
	}
	eng := New(Config{Store: s, Adapters: map[string]custodian.Adapter{"fakebank": adapter}})

	result := eng.SyncAccount(context.Background(), accountID)
	if result.Status != store.SyncStatusOK {
		t.Fatalf("SyncAccount() status = %v, err = %v", result.Status, result.Err)
	}

	acc, _ := s.GetAccount(context.Background(), accountID)
	if !acc.CurrentBalance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("CurrentBalance = %v, want unchanged 500 (only investment accounts refresh from custodian)", acc.CurrentBalance)
	}
}

func TestUpsertTransactions_DuplicateExternalIDIsOneRow(t *testing.T) {
	s := store.NewMemoryStore()
	accountID, _ := setupAccount(t, s, store.AccountKindInvestment)

	adapter := &fakeAdapter{
		name: "fakebank",
		transactions: []custodian.TransactionSnapshot{
			{AccountExternalID: "ext-acc-1", ExternalID: "tx-1", Kind: "deposit", Amount: decimal.NewFromInt(100), Date: time.Now()},
			{AccountExternalID: "ext-acc-1", ExternalID: "tx-1", Kind: "deposit", Amount: decimal.NewFromInt(100), Date: time.Now()},
		},
	}
	eng := New(Config{Store: s, Adapters: map[string]custodian.Adapter{"fakebank": adapter}})

	result := eng.SyncAccount(context.Background(), accountID)
	if result.Status != store.SyncStatusOK {
		t.Fatalf("SyncAccount() status = %v, err = %v", result.Status, result.Err)
	}

	txs, err := s.ListTransactionsByAccount(context.Background(), accountID, time.Time{})
	if err != nil {
		t.Fatalf("ListTransactionsByAccount() error = %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("len(txs) = %d, want 1 (duplicate external_id should dedup)", len(txs))
	}
}

func TestSyncAccount_CustodianFailureRetainsLastKnownGood(t *testing.T) {
	s := store.NewMemoryStore()
	accountID, _ := setupAccount(t, s, store.AccountKindInvestment)

	h := store.Holding{AccountID: accountID, Symbol: "AAPL", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(150), CostBasis: decimal.NewFromInt(1400)}
	h.Recompute()
	_ = s.UpsertHolding(context.Background(), &h)

	adapter := &fakeAdapter{name: "fakebank", err: errSyncFailed}
	eng := New(Config{Store: s, Adapters: map[string]custodian.Adapter{"fakebank": adapter}})

	result := eng.SyncAccount(context.Background(), accountID)
	if result.Status != store.SyncStatusFailed {
		t.Fatalf("SyncAccount() status = %v, want failed", result.Status)
	}

	holdings, err := s.ListHoldingsByAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("ListHoldingsByAccount() error = %v", err)
	}
	if len(holdings) != 1 {
		t.Errorf("len(holdings) = %d, want 1 (last known good snapshot should remain)", len(holdings))
	}
}

var errSyncFailed = &syncFailedErr{}

type syncFailedErr struct{}

func (e *syncFailedErr) Error() string { return "custodian unavailable" }
