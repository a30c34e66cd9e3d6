package types

import (
	"github.com/shopspring/decimal"
)

const (
	// CentsPrecision is the precision of persisted cent amounts
	CentsPrecision int32 = 0
	// CurrencyPrecision is the precision of currency amounts (2 for the supported currencies)
	CurrencyPrecision int32 = 2
	// CreditPrecision is the internal precision of wallet credits and prorated units
	CreditPrecision int32 = 5
)

var hundred = decimal.NewFromInt(100)

// RoundCents rounds a precise cent amount half away from zero
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentsPrecision)
}

// ToCents converts a currency amount to cents
func ToCents(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(hundred)
}

// FromCents converts cents to a currency amount
func FromCents(cents decimal.Decimal) decimal.Decimal {
	return cents.Div(hundred)
}

// TruncateCredits keeps the internal 5 decimal credit precision without rounding up
func TruncateCredits(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(CreditPrecision)
}

// DecimalPtr returns a pointer to d
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
