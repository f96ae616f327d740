package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/database"
)

// PostgresStore is the canonical Postgres-backed implementation of Store.
// Order and account mutation go through SELECT ... FOR UPDATE inside a
// transaction so concurrent writers serialize per-row, never globally.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.Email, u.CreatedAt)
	if err != nil {
		return apperrors.DatabaseError("create_user", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, created_at FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("user", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_user", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpsertCustodian(ctx context.Context, c *Custodian) error {
	if c.ID == "" {
		c.ID = newID()
	}
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return apperrors.Internal("marshal custodian capabilities", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO custodians (id, name, capabilities, healthy)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, capabilities = $3, healthy = $4`,
		c.ID, c.Name, caps, c.Healthy)
	if err != nil {
		return apperrors.DatabaseError("upsert_custodian", err)
	}
	return nil
}

func (s *PostgresStore) GetCustodian(ctx context.Context, id string) (*Custodian, error) {
	var row struct {
		Custodian
		Capabilities []byte `db:"capabilities"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, name, capabilities, healthy FROM custodians WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("custodian", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_custodian", err)
	}
	_ = json.Unmarshal(row.Capabilities, &row.Custodian.Capabilities)
	return &row.Custodian, nil
}

func (s *PostgresStore) ListCustodians(ctx context.Context) ([]Custodian, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, capabilities, healthy FROM custodians`)
	if err != nil {
		return nil, apperrors.DatabaseError("list_custodians", err)
	}
	defer rows.Close()

	var out []Custodian
	for rows.Next() {
		var c Custodian
		var caps []byte
		if err := rows.Scan(&c.ID, &c.Name, &caps, &c.Healthy); err != nil {
			return nil, apperrors.DatabaseError("list_custodians_scan", err)
		}
		_ = json.Unmarshal(caps, &c.Capabilities)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolios (id, user_id, name, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.UserID, p.Name, p.IsPrimary, p.CreatedAt)
	if err != nil {
		return apperrors.DatabaseError("create_portfolio", err)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	var p Portfolio
	err := s.db.GetContext(ctx, &p, `SELECT id, user_id, name, is_primary, created_at FROM portfolios WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("portfolio", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_portfolio", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPortfoliosByUser(ctx context.Context, userID string) ([]Portfolio, error) {
	var out []Portfolio
	err := s.db.SelectContext(ctx, &out, `SELECT id, user_id, name, is_primary, created_at FROM portfolios WHERE user_id = $1`, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("list_portfolios", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, portfolio_id, custodian_id, kind, external_id,
			access_handle, current_balance, available_balance, currency, is_manual,
			is_active, last_synced_at, last_sync_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.UserID, a.PortfolioID, a.CustodianID, a.Kind, a.ExternalID,
		a.AccessHandle, a.CurrentBalance, a.AvailableBalance, a.Currency, a.IsManual,
		a.IsActive, a.LastSyncedAt, a.LastSyncStatus, a.CreatedAt)
	if err != nil {
		return apperrors.DatabaseError("create_account", err)
	}
	return nil
}

const accountColumns = `id, user_id, portfolio_id, custodian_id, kind, external_id,
	access_handle, current_balance, available_balance, currency, is_manual,
	is_active, last_synced_at, last_sync_status, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("account", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_account", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	var out []Account
	err := s.db.SelectContext(ctx, &out, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("list_accounts", err)
	}
	return out, nil
}

func (s *PostgresStore) ListActiveNonManualAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := s.db.SelectContext(ctx, &out, `SELECT `+accountColumns+` FROM accounts WHERE is_active = true AND is_manual = false`)
	if err != nil {
		return nil, apperrors.DatabaseError("list_active_accounts", err)
	}
	return out, nil
}

// MutateAccountBalance locks the account row for the duration of the
// transaction so concurrent balance mutations on the same account
// serialize instead of racing.
func (s *PostgresStore) MutateAccountBalance(ctx context.Context, accountID string, fn func(a *Account) error) error {
	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var a Account
		err := tx.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("account", accountID)
		}
		if err != nil {
			return apperrors.DatabaseError("lock_account", err)
		}

		if err := fn(&a); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET current_balance=$1, available_balance=$2,
				last_synced_at=$3, last_sync_status=$4, is_active=$5
			WHERE id=$6`,
			a.CurrentBalance, a.AvailableBalance, a.LastSyncedAt, a.LastSyncStatus, a.IsActive, accountID)
		if err != nil {
			return apperrors.DatabaseError("update_account", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpsertHolding(ctx context.Context, h *Holding) error {
	h.Symbol = NormalizeSymbol(h.Symbol)
	if h.ID == "" {
		h.ID = newID()
	}
	if h.LastUpdated.IsZero() {
		h.LastUpdated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holdings (id, account_id, symbol, quantity, unit_price, market_value, cost_basis, unrealized_pl, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			quantity=$4, unit_price=$5, market_value=$6, cost_basis=$7, unrealized_pl=$8, last_updated=$9`,
		h.ID, h.AccountID, h.Symbol, h.Quantity, h.UnitPrice, h.MarketValue, h.CostBasis, h.UnrealizedPL, h.LastUpdated)
	if err != nil {
		return apperrors.DatabaseError("upsert_holding", err)
	}
	return nil
}

func (s *PostgresStore) DeleteHolding(ctx context.Context, accountID, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM holdings WHERE account_id = $1 AND symbol = $2`, accountID, NormalizeSymbol(symbol))
	if err != nil {
		return apperrors.DatabaseError("delete_holding", err)
	}
	return nil
}

func (s *PostgresStore) ListHoldingsByAccount(ctx context.Context, accountID string) ([]Holding, error) {
	var out []Holding
	err := s.db.SelectContext(ctx, &out, `SELECT id, account_id, symbol, quantity, unit_price, market_value, cost_basis, unrealized_pl, last_updated FROM holdings WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, apperrors.DatabaseError("list_holdings", err)
	}
	return out, nil
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]Holding, error) {
	var out []Holding
	err := s.db.SelectContext(ctx, &out, `
		SELECT h.id, h.account_id, h.symbol, h.quantity, h.unit_price, h.market_value, h.cost_basis, h.unrealized_pl, h.last_updated
		FROM holdings h JOIN accounts a ON a.id = h.account_id WHERE a.user_id = $1`, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("list_holdings_by_user", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertTransactionByExternalID(ctx context.Context, t *Transaction) (bool, error) {
	if t.ExternalID == nil || *t.ExternalID == "" {
		return false, apperrors.InvalidInput("external_id", "required for external-id dedup")
	}
	if t.ID == "" {
		t.ID = newID()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, user_id, kind, amount, date, symbol, quantity, unit_price, fee, external_id, pending, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (external_id) DO UPDATE SET
			amount=$5, date=$6, symbol=$7, quantity=$8, unit_price=$9, fee=$10, pending=$12`,
		t.ID, t.AccountID, t.UserID, t.Kind, t.Amount, t.Date, t.Symbol, t.Quantity, t.UnitPrice, t.Fee, *t.ExternalID, t.Pending, time.Now().UTC())
	if err != nil {
		return false, apperrors.DatabaseError("upsert_transaction_extid", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

func (s *PostgresStore) UpsertTransactionByDedupKey(ctx context.Context, t *Transaction) (bool, error) {
	if t.DedupKey == "" {
		return false, apperrors.InvalidInput("dedup_key", "required when external_id is absent")
	}
	if t.ID == "" {
		t.ID = newID()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, user_id, kind, amount, date, symbol, quantity, unit_price, fee, dedup_key, pending, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (dedup_key) DO UPDATE SET pending=$12`,
		t.ID, t.AccountID, t.UserID, t.Kind, t.Amount, t.Date, t.Symbol, t.Quantity, t.UnitPrice, t.Fee, t.DedupKey, t.Pending, time.Now().UTC())
	if err != nil {
		return false, apperrors.DatabaseError("upsert_transaction_dedup", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string, since time.Time) ([]Transaction, error) {
	var out []Transaction
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, account_id, user_id, kind, amount, date, symbol, quantity, unit_price, fee, external_id, pending, created_at
		FROM transactions WHERE account_id = $1 AND date > $2 ORDER BY date`, accountID, since)
	if err != nil {
		return nil, apperrors.DatabaseError("list_transactions", err)
	}
	return out, nil
}

const orderColumns = `id, user_id, account_id, symbol, side, quantity, type, limit_price, stop_price,
	time_in_force, state, broker_id, client_idempotency_key, filled_quantity, average_fill_price,
	retry_count, last_error, submitted_at, last_updated_at, created_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = newID()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.LastUpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (client_idempotency_key) DO NOTHING`,
		o.ID, o.UserID, o.AccountID, o.Symbol, o.Side, o.Quantity, o.Type, o.LimitPrice, o.StopPrice,
		o.TimeInForce, o.State, o.BrokerID, o.ClientIdempotencyKey, o.FilledQuantity, o.AverageFillPrice,
		o.RetryCount, o.LastError, o.SubmittedAt, o.LastUpdatedAt, o.CreatedAt)
	if err != nil {
		return apperrors.DatabaseError("create_order", err)
	}

	if o.ClientIdempotencyKey != "" {
		existing, err := s.GetOrderByIdempotencyKey(ctx, o.ClientIdempotencyKey)
		if err == nil {
			*o = *existing
		}
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("order", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_order", err)
	}
	return &o, nil
}

func (s *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	var o Order
	err := s.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE client_idempotency_key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("order", key)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_order_by_key", err)
	}
	return &o, nil
}

func (s *PostgresStore) FindOrderByClientID(ctx context.Context, accountID, symbol, brokerClientID string) (*Order, error) {
	var o Order
	err := s.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE account_id=$1 AND symbol=$2 AND broker_id=$3`,
		accountID, NormalizeSymbol(symbol), brokerClientID)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("order", brokerClientID)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("find_order_by_client_id", err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ` + arg(filter.UserID)
	}
	if filter.AccountID != "" {
		query += ` AND account_id = ` + arg(filter.AccountID)
	}
	if filter.State != "" {
		query += ` AND state = ` + arg(filter.State)
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ` + arg(NormalizeSymbol(filter.Symbol))
	}
	query += ` ORDER BY created_at DESC`

	var out []Order
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.DatabaseError("list_orders", err)
	}
	return out, nil
}

func (s *PostgresStore) ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]Order, error) {
	var out []Order
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE account_id = $1 AND state NOT IN ('FILLED','CANCELLED','REJECTED','EXPIRED')`, accountID)
	if err != nil {
		return nil, apperrors.DatabaseError("list_open_orders", err)
	}
	return out, nil
}

// MutateOrder locks the order row for the duration of the transaction so
// state transitions on the same order serialize instead of racing.
func (s *PostgresStore) MutateOrder(ctx context.Context, orderID string, fn func(o *Order) error) error {
	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var o Order
		err := tx.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("order", orderID)
		}
		if err != nil {
			return apperrors.DatabaseError("lock_order", err)
		}

		if err := fn(&o); err != nil {
			return err
		}
		o.LastUpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET state=$1, broker_id=$2, filled_quantity=$3, average_fill_price=$4,
				retry_count=$5, last_error=$6, submitted_at=$7, last_updated_at=$8
			WHERE id=$9`,
			o.State, o.BrokerID, o.FilledQuantity, o.AverageFillPrice, o.RetryCount, o.LastError,
			o.SubmittedAt, o.LastUpdatedAt, orderID)
		if err != nil {
			return apperrors.DatabaseError("update_order", err)
		}
		return nil
	})
}

func (s *PostgresStore) CreateStrategy(ctx context.Context, st *Strategy, holdings []StrategyHolding) error {
	if st.ID == "" {
		st.ID = newID()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (id, user_id, name, drift_threshold_pp, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			st.ID, st.UserID, st.Name, st.DriftThresholdPP, st.CreatedAt)
		if err != nil {
			return apperrors.DatabaseError("create_strategy", err)
		}
		for i := range holdings {
			holdings[i].StrategyID = st.ID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO strategy_holdings (strategy_id, symbol, target_weight) VALUES ($1,$2,$3)`,
				st.ID, NormalizeSymbol(holdings[i].Symbol), holdings[i].TargetWeight)
			if err != nil {
				return apperrors.DatabaseError("create_strategy_holding", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	var st Strategy
	err := s.db.GetContext(ctx, &st, `SELECT id, user_id, name, drift_threshold_pp, created_at FROM strategies WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("strategy", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get_strategy", err)
	}
	return &st, nil
}

func (s *PostgresStore) ListStrategyHoldings(ctx context.Context, strategyID string) ([]StrategyHolding, error) {
	var out []StrategyHolding
	err := s.db.SelectContext(ctx, &out, `SELECT strategy_id, symbol, target_weight FROM strategy_holdings WHERE strategy_id = $1`, strategyID)
	if err != nil {
		return nil, apperrors.DatabaseError("list_strategy_holdings", err)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
