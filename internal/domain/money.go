package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of fractional digits kept for every monetary value.
const MoneyPlaces = 2

func Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyPlaces)
}

// MustMoney parses a literal amount such as "10.50". It panics on malformed input
// and is meant for constants and tests.
func MustMoney(s string) decimal.Decimal {
	return Money(decimal.RequireFromString(s))
}
