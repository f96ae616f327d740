// Package plaidlike implements a custodian.Adapter against a stateless
// HTTP API modeled on the common "LinkFlow/ExchangePublicCredential"
// OAuth-style account-linking handshake.
package plaidlike

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
	"github.com/r3e-network/investment-core/infrastructure/httputil"
	"github.com/r3e-network/investment-core/internal/custodian"
)

// Config configures an Adapter instance.
type Config struct {
	Name       string
	BaseURL    string
	ClientID   string
	ClientSecret string
	HTTPClient *http.Client
}

// Adapter is a stateless plaidlike custodian integration.
type Adapter struct {
	name     string
	baseURL  string
	clientID string
	secret   string
	client   *http.Client
}

// New constructs an Adapter, normalizing and validating cfg.BaseURL.
func New(cfg Config) (*Adapter, error) {
	normalized, _, err := httputil.NormalizeServiceBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("plaidlike: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{name: cfg.Name, baseURL: normalized, clientID: cfg.ClientID, secret: cfg.ClientSecret, client: client}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Internal("marshal request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Internal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", a.clientID)
	req.Header.Set("X-Client-Secret", a.secret)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperrors.CustodianError(a.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.CustodianError(a.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.CustodianError(a.name, fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}
	return data, nil
}

func (a *Adapter) LinkFlow(ctx context.Context, userID string) (custodian.LinkSession, error) {
	data, err := a.post(ctx, "/link/token/create", map[string]string{"user_id": userID})
	if err != nil {
		return custodian.LinkSession{}, err
	}
	sessionID := gjson.GetBytes(data, "link_session_id").String()
	if sessionID == "" {
		return custodian.LinkSession{}, apperrors.CustodianError(a.name, fmt.Errorf("missing link_session_id in response"))
	}
	expiresIn := gjson.GetBytes(data, "expiration_seconds").Int()
	if expiresIn == 0 {
		expiresIn = 1800
	}
	return custodian.LinkSession{SessionID: sessionID, ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second)}, nil
}

func (a *Adapter) ExchangePublicCredential(ctx context.Context, session custodian.LinkSession, publicToken string) (custodian.AccessHandle, error) {
	data, err := a.post(ctx, "/item/public_token/exchange", map[string]string{
		"link_session_id": session.SessionID,
		"public_token":     publicToken,
	})
	if err != nil {
		return "", err
	}
	handle := gjson.GetBytes(data, "access_token").String()
	if handle == "" {
		return "", apperrors.CustodianError(a.name, fmt.Errorf("missing access_token in response"))
	}
	return custodian.AccessHandle(handle), nil
}

func (a *Adapter) ListAccounts(ctx context.Context, handle custodian.AccessHandle) ([]custodian.AccountSnapshot, error) {
	data, err := a.post(ctx, "/accounts/get", map[string]string{"access_token": string(handle)})
	if err != nil {
		return nil, err
	}

	var out []custodian.AccountSnapshot
	for _, acc := range gjson.GetBytes(data, "accounts").Array() {
		balance, _ := decimal.NewFromString(acc.Get("balances.current").String())
		out = append(out, custodian.AccountSnapshot{
			ExternalID: acc.Get("account_id").String(),
			Kind:       acc.Get("type").String(),
			Balance:    balance,
			Currency:   defaultCurrency(acc.Get("balances.iso_currency_code").String()),
		})
	}
	return out, nil
}

func (a *Adapter) ListHoldings(ctx context.Context, handle custodian.AccessHandle) ([]custodian.HoldingSnapshot, error) {
	data, err := a.post(ctx, "/investments/holdings/get", map[string]string{"access_token": string(handle)})
	if err != nil {
		return nil, err
	}

	var out []custodian.HoldingSnapshot
	for _, h := range gjson.GetBytes(data, "holdings").Array() {
		qty, _ := decimal.NewFromString(h.Get("quantity").String())
		price, _ := decimal.NewFromString(h.Get("institution_price").String())
		cost, _ := decimal.NewFromString(h.Get("cost_basis").String())
		out = append(out, custodian.HoldingSnapshot{
			AccountExternalID: h.Get("account_id").String(),
			Symbol:            h.Get("security.ticker_symbol").String(),
			Quantity:          qty,
			UnitPrice:         price,
			CostBasis:         cost,
		})
	}
	return out, nil
}

func (a *Adapter) ListTransactions(ctx context.Context, handle custodian.AccessHandle, since time.Time) ([]custodian.TransactionSnapshot, error) {
	data, err := a.post(ctx, "/transactions/get", map[string]interface{}{
		"access_token": string(handle),
		"start_date":   since.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}

	var out []custodian.TransactionSnapshot
	for _, tx := range gjson.GetBytes(data, "transactions").Array() {
		amount, _ := decimal.NewFromString(tx.Get("amount").String())
		date, _ := time.Parse("2006-01-02", tx.Get("date").String())
		out = append(out, custodian.TransactionSnapshot{
			AccountExternalID: tx.Get("account_id").String(),
			ExternalID:        tx.Get("transaction_id").String(),
			Kind:              tx.Get("category").String(),
			Amount:            amount,
			Date:              date,
		})
	}
	return out, nil
}

func defaultCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}

var _ custodian.Adapter = (*Adapter)(nil)
