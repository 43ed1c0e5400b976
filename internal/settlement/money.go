package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount held in the minor units of its currency.
// CLP has no minor unit, so 28272 CLP is stored as 28272; USD 25.50 is 2550.
type Money struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
}

// zeroDecimal lists ISO 4217 currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"CLP": true,
	"JPY": true,
	"KRW": true,
	"PYG": true,
	"VND": true,
	"ISK": true,
}

// Scale returns the number of decimal places used by currency.
func Scale(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// New returns a Money value for amountMinor units of currency.
func New(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: strings.ToUpper(currency)}
}

// FromDecimal rounds a major-unit amount half-to-even at the currency's precision.
func FromDecimal(amount decimal.Decimal, currency string) Money {
	scale := Scale(currency)
	minor := amount.RoundBank(scale).Shift(scale).IntPart()
	return New(minor, currency)
}

// Parse reads a major-unit decimal string such as "25.50".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return FromDecimal(d, currency), nil
}

// MustParse is Parse for constants known to be valid.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -Scale(m.Currency))
}

// Add returns m + other. Both must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return New(m.AmountMinor+other.AmountMinor, m.Currency), nil
}

// Sub returns m - other. Both must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return New(m.AmountMinor-other.AmountMinor, m.Currency), nil
}

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive reports whether the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

func (m Money) String() string {
	return m.Decimal().StringFixed(Scale(m.Currency)) + " " + m.Currency
}
