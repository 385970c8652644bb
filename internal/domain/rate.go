package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is the current market exchange rate between two currencies.
type Rate struct {
	ID           int64
	FromCurrency Currency
	ToCurrency   Currency
	Rate         decimal.Decimal
	RateDate     time.Time
	CreatedAt    time.Time
}

// LockedRate is an exchange rate frozen at saga start. All conversion inside
// one transaction uses the locked value, never the live rate.
type LockedRate struct {
	FromCurrency Currency
	ToCurrency   Currency
	Rate         decimal.Decimal
	LockedAt     time.Time
	ExpiresAt    time.Time
}

func NewLockedRate(from, to Currency, rate decimal.Decimal, lockedAt time.Time, ttl time.Duration) (LockedRate, error) {
	if rate.LessThanOrEqual(decimal.Zero) {
		return LockedRate{}, fmt.Errorf("rate must be greater than zero")
	}
	if from == to {
		return LockedRate{}, fmt.Errorf("rate currencies must differ")
	}
	return LockedRate{
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		LockedAt:     lockedAt,
		ExpiresAt:    lockedAt.Add(ttl),
	}, nil
}

func (lr LockedRate) Expired(now time.Time) bool {
	return now.After(lr.ExpiresAt)
}

// Convert converts an amount in the from-currency into the to-currency,
// rounding half-up to the cent.
func (lr LockedRate) Convert(amount Money) (Money, error) {
	if amount.Currency != lr.FromCurrency {
		return Money{}, fmt.Errorf("%w: cannot convert %s with %s/%s rate",
			ErrCurrencyMismatch, amount.Currency, lr.FromCurrency, lr.ToCurrency)
	}

	// decimal.Round rounds half away from zero, which is half-up for the
	// positive amounts money carries here.
	cents := decimal.NewFromInt(amount.Cents).Mul(lr.Rate).Round(0)
	return Money{Currency: lr.ToCurrency, Cents: cents.IntPart()}, nil
}

// Inverse converts in the opposite direction, rounding half-up to the cent.
func (lr LockedRate) Inverse(amount Money) (Money, error) {
	if amount.Currency != lr.ToCurrency {
		return Money{}, fmt.Errorf("%w: cannot convert %s with %s/%s rate",
			ErrCurrencyMismatch, amount.Currency, lr.FromCurrency, lr.ToCurrency)
	}

	cents := decimal.NewFromInt(amount.Cents).Div(lr.Rate).Round(0)
	return Money{Currency: lr.FromCurrency, Cents: cents.IntPart()}, nil
}
