package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
)

// MemoryStore is an in-memory Store used by unit tests and local runs
// without a Postgres instance. It serializes every mutation behind a
// single mutex; this is coarser than the row-level locking the Postgres
// implementation uses, but preserves the same per-order/per-account
// atomicity guarantee callers depend on.
type MemoryStore struct {
	mu sync.Mutex

	users       map[string]User
	custodians  map[string]Custodian
	portfolios  map[string]Portfolio
	accounts    map[string]Account
	holdings    map[string]Holding // keyed by accountID+"|"+symbol
	txByExtID   map[string]Transaction
	txByDedup   map[string]Transaction
	orders      map[string]Order
	ordersByKey map[string]string // idempotency key -> order id
	strategies  map[string]Strategy
	stratHolds  map[string][]StrategyHolding
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       map[string]User{},
		custodians:  map[string]Custodian{},
		portfolios:  map[string]Portfolio{},
		accounts:    map[string]Account{},
		holdings:    map[string]Holding{},
		txByExtID:   map[string]Transaction{},
		txByDedup:   map[string]Transaction{},
		orders:      map[string]Order{},
		ordersByKey: map[string]string{},
		strategies:  map[string]Strategy{},
		stratHolds:  map[string][]StrategyHolding{},
	}
}

func holdingKey(accountID, symbol string) string {
	return accountID + "|" + NormalizeSymbol(symbol)
}

func newID() string {
	return uuid.NewString()
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = newID()
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	return &u, nil
}

func (m *MemoryStore) UpsertCustodian(ctx context.Context, c *Custodian) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	m.custodians[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetCustodian(ctx context.Context, id string) (*Custodian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.custodians[id]
	if !ok {
		return nil, apperrors.NotFound("custodian", id)
	}
	return &c, nil
}

func (m *MemoryStore) ListCustodians(ctx context.Context) ([]Custodian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Custodian, 0, len(m.custodians))
	for _, c := range m.custodians {
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	m.portfolios[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[id]
	if !ok {
		return nil, apperrors.NotFound("portfolio", id)
	}
	return &p, nil
}

func (m *MemoryStore) ListPortfoliosByUser(ctx context.Context, userID string) ([]Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Portfolio
	for _, p := range m.portfolios {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	m.accounts[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperrors.NotFound("account", id)
	}
	return &a, nil
}

func (m *MemoryStore) ListAccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveNonManualAccounts(ctx context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.IsActive && !a.IsManual {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) MutateAccountBalance(ctx context.Context, accountID string, fn func(a *Account) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return apperrors.NotFound("account", accountID)
	}
	if err := fn(&a); err != nil {
		return err
	}
	m.accounts[accountID] = a
	return nil
}

func (m *MemoryStore) UpsertHolding(ctx context.Context, h *Holding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.Symbol = NormalizeSymbol(h.Symbol)
	key := holdingKey(h.AccountID, h.Symbol)
	if existing, ok := m.holdings[key]; ok {
		h.ID = existing.ID
	} else if h.ID == "" {
		h.ID = newID()
	}
	m.holdings[key] = *h
	return nil
}

func (m *MemoryStore) DeleteHolding(ctx context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holdings, holdingKey(accountID, symbol))
	return nil
}

func (m *MemoryStore) ListHoldingsByAccount(ctx context.Context, accountID string) ([]Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Holding
	for _, h := range m.holdings {
		if h.AccountID == accountID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListHoldingsByUser(ctx context.Context, userID string) ([]Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accountIDs := map[string]bool{}
	for _, a := range m.accounts {
		if a.UserID == userID {
			accountIDs[a.ID] = true
		}
	}
	var out []Holding
	for _, h := range m.holdings {
		if accountIDs[h.AccountID] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertTransactionByExternalID(ctx context.Context, t *Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ExternalID == nil || *t.ExternalID == "" {
		return false, apperrors.InvalidInput("external_id", "required for external-id dedup")
	}
	if existing, ok := m.txByExtID[*t.ExternalID]; ok {
		t.ID = existing.ID
		m.txByExtID[*t.ExternalID] = *t
		return false, nil
	}
	if t.ID == "" {
		t.ID = newID()
	}
	m.txByExtID[*t.ExternalID] = *t
	return true, nil
}

func (m *MemoryStore) UpsertTransactionByDedupKey(ctx context.Context, t *Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.DedupKey == "" {
		return false, apperrors.InvalidInput("dedup_key", "required when external_id is absent")
	}
	if existing, ok := m.txByDedup[t.DedupKey]; ok {
		t.ID = existing.ID
		m.txByDedup[t.DedupKey] = *t
		return false, nil
	}
	if t.ID == "" {
		t.ID = newID()
	}
	m.txByDedup[t.DedupKey] = *t
	return true, nil
}

func (m *MemoryStore) ListTransactionsByAccount(ctx context.Context, accountID string, since time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, t := range m.txByExtID {
		if t.AccountID == accountID && t.Date.After(since) {
			out = append(out, t)
		}
	}
	for _, t := range m.txByDedup {
		if t.AccountID == accountID && t.Date.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = newID()
	}
	if o.ClientIdempotencyKey != "" {
		if existingID, ok := m.ordersByKey[o.ClientIdempotencyKey]; ok {
			*o = m.orders[existingID]
			return nil
		}
		m.ordersByKey[o.ClientIdempotencyKey] = o.ID
	}
	m.orders[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	return &o, nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ordersByKey[key]
	if !ok {
		return nil, apperrors.NotFound("order", key)
	}
	o := m.orders[id]
	return &o, nil
}

func (m *MemoryStore) FindOrderByClientID(ctx context.Context, accountID, symbol, brokerClientID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.AccountID == accountID && o.Symbol == NormalizeSymbol(symbol) && o.BrokerID == brokerClientID {
			found := o
			return &found, nil
		}
	}
	return nil, apperrors.NotFound("order", brokerClientID)
}

func (m *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.AccountID != "" && o.AccountID != filter.AccountID {
			continue
		}
		if filter.State != "" && o.State != filter.State {
			continue
		}
		if filter.Symbol != "" && o.Symbol != NormalizeSymbol(filter.Symbol) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *MemoryStore) ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.AccountID == accountID && !o.State.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStore) MutateOrder(ctx context.Context, orderID string, fn func(o *Order) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.NotFound("order", orderID)
	}
	if err := fn(&o); err != nil {
		return err
	}
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) CreateStrategy(ctx context.Context, s *Strategy, holdings []StrategyHolding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = newID()
	}
	m.strategies[s.ID] = *s
	for i := range holdings {
		holdings[i].StrategyID = s.ID
	}
	m.stratHolds[s.ID] = holdings
	return nil
}

func (m *MemoryStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, apperrors.NotFound("strategy", id)
	}
	return &s, nil
}

func (m *MemoryStore) ListStrategyHoldings(ctx context.Context, strategyID string) ([]StrategyHolding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stratHolds[strategyID], nil
}

var _ Store = (*MemoryStore)(nil)
