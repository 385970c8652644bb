package domain

import "context"

type RateRepository interface {
	GetCurrentRate(ctx context.Context, from, to Currency) (Rate, error)
}
