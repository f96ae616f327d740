// Package money provides a currency-aware decimal amount type used
// throughout the portfolio, order, and reconciliation domains.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a fixed-precision monetary amount in a specific currency.
// All arithmetic that combines two Money values requires matching
// currencies; mixed-currency operations return ErrCurrencyMismatch.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// ErrCurrencyMismatch is returned when an operation combines two Money
// values with different currencies.
type ErrCurrencyMismatch struct {
	A, B string
}

func (e *ErrCurrencyMismatch) Error() string {
	return fmt.Sprintf("currency mismatch: %s vs %s", e.A, e.B)
}

// Zero returns a zero-value Money in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// New builds a Money from a float64. Prefer NewFromString for values that
// originate as strings (e.g. request bodies, database rows) to avoid
// float64 rounding artifacts.
func New(amount float64, currency string) Money {
	return Money{Amount: decimal.NewFromFloat(amount), Currency: currency}
}

// NewFromString parses a decimal string into a Money value.
func NewFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount: %w", err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return &ErrCurrencyMismatch{A: m.Currency, B: other.Currency}
	}
	return nil
}

// Add returns m + other. Both must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. Both must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Mul returns m scaled by factor. Used for price * quantity computations
// where factor is a unitless decimal (e.g. a share quantity).
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// Neg returns -m.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsNegative reports whether the amount is less than zero.
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// LessThan reports whether m < other. Both must share a currency; a
// currency mismatch is treated as false since ordering across currencies
// is undefined without an FX rate.
func (m Money) LessThan(other Money) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.Amount.LessThan(other.Amount)
}

// GreaterThanOrEqual reports whether m >= other under the same rules as
// LessThan.
func (m Money) GreaterThanOrEqual(other Money) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.Amount.GreaterThanOrEqual(other.Amount)
}

// Round rounds the amount to the given number of decimal places, rounding
// halves away from zero, matching Postgres NUMERIC round() semantics.
func (m Money) Round(places int32) Money {
	return Money{Amount: m.Amount.Round(places), Currency: m.Currency}
}

// String implements fmt.Stringer, formatting as "<amount> <currency>".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(2), m.Currency)
}
