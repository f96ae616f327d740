package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAdd(t *testing.T) {
	a := New(10.50, "USD")
	b := New(2.25, "USD")

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !sum.Amount.Equal(decimal.NewFromFloat(12.75)) {
		t.Errorf("Add() = %v, want 12.75", sum.Amount)
	}
}

func TestAdd_CurrencyMismatch(t *testing.T) {
	a := New(10, "USD")
	b := New(5, "EUR")

	_, err := a.Add(b)
	if err == nil {
		t.Fatal("Add() expected currency mismatch error")
	}
	var mismatch *ErrCurrencyMismatch
	if !asCurrencyMismatch(err, &mismatch) {
		t.Fatalf("Add() error type = %T, want *ErrCurrencyMismatch", err)
	}
}

func asCurrencyMismatch(err error, target **ErrCurrencyMismatch) bool {
	m, ok := err.(*ErrCurrencyMismatch)
	if ok {
		*target = m
	}
	return ok
}

func TestSub(t *testing.T) {
	a := New(10, "USD")
	b := New(4, "USD")

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if !diff.Amount.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Sub() = %v, want 6", diff.Amount)
	}
}

func TestMul(t *testing.T) {
	price := New(150.25, "USD")
	qty := decimal.NewFromInt(4)

	total := price.Mul(qty)
	if !total.Amount.Equal(decimal.NewFromFloat(601.00)) {
		t.Errorf("Mul() = %v, want 601.00", total.Amount)
	}
}

func TestIsZeroIsNegative(t *testing.T) {
	if !Zero("USD").IsZero() {
		t.Error("Zero().IsZero() = false, want true")
	}
	if !New(-5, "USD").IsNegative() {
		t.Error("New(-5).IsNegative() = false, want true")
	}
	if New(5, "USD").IsNegative() {
		t.Error("New(5).IsNegative() = true, want false")
	}
}

func TestLessThanGreaterThanOrEqual(t *testing.T) {
	a := New(5, "USD")
	b := New(10, "USD")

	if !a.LessThan(b) {
		t.Error("5 < 10 should be true")
	}
	if a.LessThan(New(5, "EUR")) {
		t.Error("mismatched currency LessThan should be false")
	}
	if !b.GreaterThanOrEqual(a) {
		t.Error("10 >= 5 should be true")
	}
	if b.GreaterThanOrEqual(New(10, "EUR")) {
		t.Error("mismatched currency GreaterThanOrEqual should be false")
	}
}

func TestNewFromString(t *testing.T) {
	m, err := NewFromString("123.456", "USD")
	if err != nil {
		t.Fatalf("NewFromString() error = %v", err)
	}
	if !m.Amount.Equal(decimal.RequireFromString("123.456")) {
		t.Errorf("NewFromString() = %v, want 123.456", m.Amount)
	}

	_, err = NewFromString("not-a-number", "USD")
	if err == nil {
		t.Fatal("NewFromString() expected error for invalid input")
	}
}

func TestRound(t *testing.T) {
	m := New(1.005, "USD")
	rounded := m.Round(2)
	if rounded.Amount.Exponent() < -2 {
		t.Errorf("Round(2) exponent = %d, want >= -2", rounded.Amount.Exponent())
	}
}

func TestString(t *testing.T) {
	m := New(42, "USD")
	if got := m.String(); got != "42.00 USD" {
		t.Errorf("String() = %q, want %q", got, "42.00 USD")
	}
}
