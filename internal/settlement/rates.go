package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrRateNotFound indicates no configured rate for a currency pair.
var ErrRateNotFound = errors.New("exchange rate not found")

// RateTable holds configured FX rates keyed FROM_TO, e.g. "USD_CLP".
type RateTable struct {
	rates map[string]decimal.Decimal
}

// NewRateTable parses decimal rate strings. Keys are case-insensitive.
func NewRateTable(rates map[string]string) (*RateTable, error) {
	t := &RateTable{rates: make(map[string]decimal.Decimal, len(rates))}
	for pair, raw := range rates {
		from, to, ok := strings.Cut(strings.ToUpper(pair), "_")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("rate key %q: want FROM_TO", pair)
		}
		r, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("rate %s: %w", pair, err)
		}
		if !r.IsPositive() {
			return nil, fmt.Errorf("%w: %s = %s", ErrInvalidRate, pair, raw)
		}
		t.rates[from+"_"+to] = r
	}
	return t, nil
}

// Rate returns the rate converting from into to. When only the reverse pair
// is configured its reciprocal is used.
func (t *RateTable) Rate(from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return one, nil
	}
	if r, ok := t.rates[from+"_"+to]; ok {
		return r, nil
	}
	if r, ok := t.rates[to+"_"+from]; ok {
		return one.Div(r), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s to %s", ErrRateNotFound, from, to)
}
