package adapter

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatUnits renders a raw token amount as a decimal string, e.g. 10500000000000000000 with
// 18 decimals is "10.5"
func FormatUnits(amount *big.Int, decimals uint8) string {
	return Units(amount, decimals).String()
}

// Units converts a raw token amount into a decimal
func Units(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// Ratio returns num/den rounded to places, or zero when den is zero
func Ratio(num, den decimal.Decimal, places int32) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, places)
}
