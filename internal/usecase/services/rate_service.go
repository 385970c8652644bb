package services

import (
	"context"
	"fmt"
	"time"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

type RateService struct {
	rateRepo domain.RateRepository
}

func NewRateService(rateRepo domain.RateRepository) *RateService {
	return &RateService{rateRepo: rateRepo}
}

// LockCurrentRate freezes the latest market rate for one saga. Every
// conversion inside that saga uses the locked value until it expires.
func (s *RateService) LockCurrentRate(ctx context.Context, from, to domain.Currency, ttl time.Duration) (domain.LockedRate, error) {
	rate, err := s.rateRepo.GetCurrentRate(ctx, from, to)
	if err != nil {
		logger.Error("rate service lock current rate failed", err, logger.Fields{
			"fromCurrency": from,
			"toCurrency":   to,
		})
		return domain.LockedRate{}, fmt.Errorf("lock current rate %s/%s: %w", from, to, err)
	}

	locked, err := domain.NewLockedRate(from, to, rate.Rate, time.Now().UTC(), ttl)
	if err != nil {
		return domain.LockedRate{}, fmt.Errorf("lock current rate %s/%s: %w", from, to, err)
	}

	logger.Info("rate service locked rate", logger.Fields{
		"fromCurrency": from,
		"toCurrency":   to,
		"rate":         rate.Rate.String(),
		"expiresAt":    locked.ExpiresAt,
	})

	return locked, nil
}
