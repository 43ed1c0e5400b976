// Package settlement holds the pricing and payout arithmetic. Every function
// is pure: amounts are integer minor units, intermediate products use
// arbitrary-precision decimals and each stored value is rounded exactly once,
// half-to-even, at the target currency's precision.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidRate indicates a non-positive exchange rate.
var ErrInvalidRate = errors.New("invalid exchange rate")

// ErrInvalidMargin indicates a target margin outside [0, 1).
var ErrInvalidMargin = errors.New("invalid margin")

// ErrInvalidFraction indicates a fee or commission fraction outside [0, 1].
var ErrInvalidFraction = errors.New("invalid fraction")

// ErrCurrencyMismatch indicates arithmetic across two currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// ErrSettlementMismatch indicates the settlement split does not add up.
var ErrSettlementMismatch = errors.New("settlement mismatch")

var one = decimal.NewFromInt(1)

// Convert multiplies amount by rate into currency to.
func Convert(amount Money, to string, rate decimal.Decimal) (Money, error) {
	if !rate.IsPositive() {
		return Money{}, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return FromDecimal(amount.Decimal().Mul(rate), to), nil
}

// LandedCost adds supplier cost and shipping in their source currency and
// converts the sum once, so only one rounding step is applied.
func LandedCost(supplierCost, shipping Money, to string, rate decimal.Decimal) (Money, error) {
	total, err := supplierCost.Add(shipping)
	if err != nil {
		return Money{}, fmt.Errorf("summing landed cost: %w", err)
	}
	return Convert(total, to, rate)
}

// SuggestPrice returns round(totalCost / (1 - margin)).
func SuggestPrice(totalCost Money, margin decimal.Decimal) (Money, error) {
	if margin.IsNegative() || margin.GreaterThanOrEqual(one) {
		return Money{}, fmt.Errorf("%w: %s not in [0, 1)", ErrInvalidMargin, margin)
	}
	price := totalCost.Decimal().Div(one.Sub(margin))
	return FromDecimal(price, totalCost.Currency), nil
}

// Result is the split of one sale's proceeds.
type Result struct {
	SaleAmount         Money `json:"saleAmount"`
	SupplierCost       Money `json:"supplierCost"`
	MarketplaceFee     Money `json:"marketplaceFee"`
	GrossProfit        Money `json:"grossProfit"`
	PlatformCommission Money `json:"platformCommission"`
	NetUserProfit      Money `json:"netUserProfit"`
	Unprofitable       bool  `json:"unprofitable"`
}

// SettleSale splits salePrice into marketplace fee, platform commission and
// the seller's net profit. A non-positive gross profit carries no commission
// and is flagged Unprofitable rather than rejected.
func SettleSale(salePrice, supplierCost Money, feeFraction, commissionFraction decimal.Decimal) (Result, error) {
	if salePrice.Currency != supplierCost.Currency {
		return Result{}, fmt.Errorf("%w: sale %s, cost %s", ErrCurrencyMismatch, salePrice.Currency, supplierCost.Currency)
	}
	if err := checkFraction("marketplace fee", feeFraction); err != nil {
		return Result{}, err
	}
	if err := checkFraction("platform commission", commissionFraction); err != nil {
		return Result{}, err
	}

	currency := salePrice.Currency
	fee := roundMinor(salePrice.AmountMinor, feeFraction)
	gross := salePrice.AmountMinor - supplierCost.AmountMinor - fee

	var commission int64
	if gross > 0 {
		commission = roundMinor(gross, commissionFraction)
	}

	r := Result{
		SaleAmount:         salePrice,
		SupplierCost:       supplierCost,
		MarketplaceFee:     New(fee, currency),
		GrossProfit:        New(gross, currency),
		PlatformCommission: New(commission, currency),
		NetUserProfit:      New(gross-commission, currency),
		Unprofitable:       gross <= 0,
	}
	if err := Reconcile(r); err != nil {
		return Result{}, err
	}
	return r, nil
}

// Reconcile verifies sale - cost - fee - commission == net exactly.
func Reconcile(r Result) error {
	lhs := r.SaleAmount.AmountMinor - r.SupplierCost.AmountMinor - r.MarketplaceFee.AmountMinor - r.PlatformCommission.AmountMinor
	if lhs != r.NetUserProfit.AmountMinor {
		return fmt.Errorf("%w: %d - %d - %d - %d = %d, net %d", ErrSettlementMismatch,
			r.SaleAmount.AmountMinor, r.SupplierCost.AmountMinor, r.MarketplaceFee.AmountMinor,
			r.PlatformCommission.AmountMinor, lhs, r.NetUserProfit.AmountMinor)
	}
	for _, m := range []Money{r.SupplierCost, r.MarketplaceFee, r.GrossProfit, r.PlatformCommission, r.NetUserProfit} {
		if m.Currency != r.SaleAmount.Currency {
			return fmt.Errorf("%w: mixed currencies %s and %s", ErrSettlementMismatch, r.SaleAmount.Currency, m.Currency)
		}
	}
	return nil
}

func checkFraction(name string, f decimal.Decimal) error {
	if f.IsNegative() || f.GreaterThan(one) {
		return fmt.Errorf("%w: %s %s not in [0, 1]", ErrInvalidFraction, name, f)
	}
	return nil
}

func roundMinor(minor int64, fraction decimal.Decimal) int64 {
	return decimal.NewFromInt(minor).Mul(fraction).RoundBank(0).IntPart()
}
