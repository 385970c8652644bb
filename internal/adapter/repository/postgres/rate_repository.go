package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

type RateRepository struct {
	db *sql.DB
}

func NewRateRepository(db *sql.DB) *RateRepository {
	return &RateRepository{db: db}
}

func (r *RateRepository) GetCurrentRate(ctx context.Context, from, to domain.Currency) (domain.Rate, error) {
	const query = `
SELECT id, from_currency, to_currency, rate, rate_date, created_at
FROM rates
WHERE from_currency = $1 AND to_currency = $2
ORDER BY rate_date DESC
LIMIT 1`

	var (
		id           int64
		fromCurrency string
		toCurrency   string
		rateValue    string
		rateDate     time.Time
		createdAt    time.Time
	)

	err := r.db.QueryRowContext(ctx, query, string(from), string(to)).
		Scan(&id, &fromCurrency, &toCurrency, &rateValue, &rateDate, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Rate{}, domain.ErrRecordNotFound
		}
		logger.Error("rate repository get current rate failed", err, logger.Fields{
			"fromCurrency": from,
			"toCurrency":   to,
		})
		return domain.Rate{}, fmt.Errorf("get current rate %s/%s: %w", from, to, err)
	}

	rate, err := decimal.NewFromString(rateValue)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("parse persisted rate: %w", err)
	}

	return domain.Rate{
		ID:           id,
		FromCurrency: domain.Currency(fromCurrency),
		ToCurrency:   domain.Currency(toCurrency),
		Rate:         rate,
		RateDate:     rateDate,
		CreatedAt:    createdAt,
	}, nil
}
