// Package types provides common value types used across the engine.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the settlement currency for wallets and payouts.
const DefaultCurrency = "inr"

// Money represents a monetary value in the smallest currency unit.
// All stored arithmetic is integer-only; percentages go through decimal and
// are rounded back to the minor unit.
//
// Examples:
//   - INR(46500) = ₹465.00 (46500 paise)
//   - Rupees(500) = ₹500.00
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (paise, cents)
	Currency string `json:"currency"` // ISO 4217 lowercase
}

// INR creates a Money value in Indian Rupees from paise.
func INR(paise int64) Money { return Money{Amount: paise, Currency: DefaultCurrency} }

// Rupees creates a Money value from whole rupees.
func Rupees(r int64) Money { return INR(r * 100) }

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.currency(other)}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.currency(other)}
}

// Multiply multiplies the Money by a quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// Percent returns rate (a fraction, 0.05 = 5%) of m, rounded half away from
// zero to the minor unit.
func (m Money) Percent(rate decimal.Decimal) Money {
	v := decimal.NewFromInt(m.Amount).Mul(rate).Round(0)
	return Money{Amount: v.IntPart(), Currency: m.Currency}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both values have the same amount and currency.
// A zero value with no currency equals a zero value in any currency.
func (m Money) Equal(other Money) bool {
	if m.Amount == 0 && other.Amount == 0 && (m.Currency == "" || other.Currency == "") {
		return true
	}
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// LessThan returns true if this Money is less than other.
func (m Money) LessThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount < other.Amount
}

// GreaterThan returns true if this Money is greater than other.
func (m Money) GreaterThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount > other.Amount
}

// FormatMajor returns the major unit string without currency symbol,
// e.g. "465.00" for INR(46500).
func (m Money) FormatMajor() string {
	abs := m.Amount
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/100, abs%100)
}

// String returns a human-readable string with currency symbol.
func (m Money) String() string {
	switch strings.ToLower(m.Currency) {
	case "inr", "":
		return "₹" + m.FormatMajor()
	case "usd":
		return "$" + m.FormatMajor()
	default:
		return strings.ToUpper(m.Currency) + " " + m.FormatMajor()
	}
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler, ignoring the display field.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Amount = raw.Amount
	m.Currency = raw.Currency
	return nil
}

// assertSameCurrency panics if currencies don't match. An empty currency on
// a zero value adopts the other side's currency.
func (m Money) assertSameCurrency(other Money) {
	if m.Currency == other.Currency || m.Currency == "" || other.Currency == "" {
		return
	}
	panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
}

func (m Money) currency(other Money) string {
	if m.Currency != "" {
		return m.Currency
	}
	return other.Currency
}

// Sum calculates the sum of multiple Money values.
func Sum(values ...Money) Money {
	result := Zero(DefaultCurrency)
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}
