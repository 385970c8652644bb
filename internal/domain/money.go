package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyUSD Currency = "USD"
)

// Money is an exact integer amount of minor units (cents) in one currency.
type Money struct {
	Currency Currency
	Cents    int64
}

func NewMoney(currency Currency, cents int64) (Money, error) {
	switch currency {
	case CurrencyKES, CurrencyUSD:
	default:
		return Money{}, fmt.Errorf("unsupported currency %q", currency)
	}
	if cents <= 0 {
		return Money{}, ErrInvalidAmount
	}
	return Money{Currency: currency, Cents: cents}, nil
}

func (m Money) IsZero() bool {
	return m.Cents == 0 && m.Currency == ""
}

// Decimal returns the amount in major units, e.g. 150000 KES cents -> 1500.00.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount in major units with two decimals, e.g. "10.00 USD".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(2), m.Currency)
}

func ParseCurrency(raw string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(raw))) {
	case CurrencyKES:
		return CurrencyKES, nil
	case CurrencyUSD:
		return CurrencyUSD, nil
	}
	return "", fmt.Errorf("unsupported currency %q", raw)
}
