package enums

import "strings"

// Currency is a lowercase ISO 4217 code accepted for plan prices.
type Currency string

const (
	CurrencyUSD Currency = "usd"
	CurrencyEUR Currency = "eur"
	CurrencyGBP Currency = "gbp"
	CurrencyCAD Currency = "cad"
	CurrencyAUD Currency = "aud"
)

var currencies = set[Currency]{CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyCAD, CurrencyAUD}

func (c Currency) String() string { return string(c) }

func (c Currency) IsValid() bool { return currencies.has(c) }

// ParseCurrency accepts any case and surrounding whitespace.
func ParseCurrency(value string) (Currency, error) {
	return currencies.parse("currency", strings.ToLower(strings.TrimSpace(value)))
}
