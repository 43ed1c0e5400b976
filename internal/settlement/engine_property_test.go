//go:build property
// +build property

package settlement

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Property: convert(convert(a, A, B, r), B, A, 1/r) is within one minor unit of a.
func TestConvertRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("USD to CLP and back stays within one cent", prop.ForAll(
		func(cents int64, rateHundredths int64) bool {
			rate := decimal.New(rateHundredths, -2)
			a := New(cents, "USD")
			there, err := Convert(a, "CLP", rate)
			if err != nil {
				return false
			}
			back, err := Convert(there, "USD", decimal.NewFromInt(1).Div(rate))
			if err != nil {
				return false
			}
			return abs(back.AmountMinor-a.AmountMinor) <= 1
		},
		gen.Int64Range(0, 100_000_000),
		gen.Int64Range(10_000, 200_000),
	))

	properties.Property("same-precision currencies stay within one cent", prop.ForAll(
		func(cents int64, rateHundredths int64) bool {
			rate := decimal.New(rateHundredths, -2)
			a := New(cents, "USD")
			there, err := Convert(a, "EUR", rate)
			if err != nil {
				return false
			}
			back, err := Convert(there, "USD", decimal.NewFromInt(1).Div(rate))
			if err != nil {
				return false
			}
			return abs(back.AmountMinor-a.AmountMinor) <= 1
		},
		gen.Int64Range(0, 100_000_000),
		gen.Int64Range(100, 1_000),
	))

	properties.TestingRun(t)
}

// Property: net + commission + fee + cost == sale for every profitable sale.
func TestSettlementReconciles(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("split adds up to the sale price", prop.ForAll(
		func(sale, cost int64, feeBps, commissionBps int64) bool {
			fee := decimal.New(feeBps, -4)
			commission := decimal.New(commissionBps, -4)
			r, err := SettleSale(New(sale, "CLP"), New(cost, "CLP"), fee, commission)
			if err != nil {
				return false
			}
			if sale < cost+r.MarketplaceFee.AmountMinor {
				return true
			}
			return r.NetUserProfit.AmountMinor+r.PlatformCommission.AmountMinor+
				r.MarketplaceFee.AmountMinor+r.SupplierCost.AmountMinor == sale
		},
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(0, 10_000),
	))

	properties.TestingRun(t)
}
