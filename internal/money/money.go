// Package money provides fixed-point amount parsing, formatting and
// minor-unit conversion for the currencies held in escrow.
//
// Amounts are shopspring decimals in memory and NUMERIC in the database.
// Providers that settle in integer minor units (Stripe cents, VND dong,
// USDC base units) convert through ToMinorUnits.
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported currency codes.
const (
	VND  = "VND"
	USD  = "USD"
	USDC = "USDC"
)

var scales = map[string]int32{
	VND:  0,
	USD:  2,
	USDC: 6,
}

// Supported reports whether currency is accepted for escrow.
func Supported(currency string) bool {
	_, ok := scales[strings.ToUpper(currency)]
	return ok
}

// Scale returns the number of decimal places of the currency's minor unit.
// Unknown currencies default to 2.
func Scale(currency string) int32 {
	if s, ok := scales[strings.ToUpper(currency)]; ok {
		return s
	}
	return 2
}

// Parse converts a decimal string (e.g. "1500000" or "12.50") into an amount.
// Negative values and malformed input return (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ValidPrecision reports whether amount fits the currency's minor unit
// without truncation (no fractional dong, no sub-cent USD).
func ValidPrecision(amount decimal.Decimal, currency string) bool {
	return amount.Equal(amount.Truncate(Scale(currency)))
}

// ToMinorUnits converts amount to the smallest unit of currency.
// Amounts carrying more precision than the currency allows are rejected.
func ToMinorUnits(amount decimal.Decimal, currency string) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("money: negative amount %s", amount)
	}
	if !ValidPrecision(amount, currency) {
		return nil, fmt.Errorf("money: %s has more than %d decimals for %s", amount, Scale(currency), currency)
	}
	return amount.Shift(Scale(currency)).BigInt(), nil
}

// FromMinorUnits converts smallest-unit integers back to a decimal amount.
func FromMinorUnits(units *big.Int, currency string) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -Scale(currency))
}

// Format renders amount with exactly the currency's decimals ("1500000",
// "12.50", "3.000000").
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Scale(currency))
}

// Sum adds the given amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
