package domain

import (
	"regexp"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyNGN Currency = "NGN"
	CurrencyKES Currency = "KES"
	CurrencyJPY Currency = "JPY"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// zero-decimal currencies; everything else uses two minor digits
var minorUnitExponent = map[Currency]int32{
	CurrencyJPY: 0,
}

func (c Currency) IsValid() bool {
	return currencyPattern.MatchString(string(c))
}

func (c Currency) exponent() int32 {
	if e, ok := minorUnitExponent[c]; ok {
		return e
	}
	return 2
}

// FormatAmount renders an amount in minor units as a decimal string, e.g. 10050 USD -> "100.50".
func FormatAmount(minor int64, c Currency) string {
	exp := c.exponent()
	return decimal.New(minor, -exp).StringFixed(exp)
}
