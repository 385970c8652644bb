package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
)

type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) GetTransactionPINHash(ctx context.Context, userID string) (string, error) {
	const query = `
SELECT transaction_pin_hash
FROM user_profiles
WHERE user_id = $1`

	var hash string
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrRecordNotFound
		}
		return "", fmt.Errorf("get transaction pin hash: %w", err)
	}
	return hash, nil
}

func (r *ProfileRepository) SetTransactionPINHash(ctx context.Context, userID, hash string) error {
	const query = `
INSERT INTO user_profiles (user_id, transaction_pin_hash)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
	transaction_pin_hash = EXCLUDED.transaction_pin_hash,
	updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, userID, hash); err != nil {
		return fmt.Errorf("set transaction pin hash: %w", err)
	}
	return nil
}
