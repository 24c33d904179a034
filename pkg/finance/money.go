// Package finance tracks per-workspace transaction activity and derives
// the liquidity and velocity figures the background sweeps consume.
package finance

import "fmt"

// Money is a monetary value in minor units, so arithmetic stays exact.
type Money struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"` // ISO 4217
	Scale       int    `json:"scale"`    // 2 for USD/EUR
}

// NewMoney creates a Money value with the fiat default scale.
func NewMoney(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: currency, Scale: 2}
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	m.AmountMinor += other.AmountMinor
	return m, nil
}

// Sub returns m - other. Currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	m.AmountMinor -= other.AmountMinor
	return m, nil
}

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// Float converts to major units for the analytics paths that work in
// float64. Never use the result for bookkeeping.
func (m Money) Float() float64 {
	div := 1.0
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	return float64(m.AmountMinor) / div
}
