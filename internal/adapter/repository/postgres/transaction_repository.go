package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	id,
	user_id,
	direction,
	status,
	amount_cents,
	currency,
	rate_value,
	rate_from_currency,
	rate_to_currency,
	rate_locked_at,
	rate_expires_at,
	idempotency_key,
	phone_number,
	mpesa_checkout_request_id,
	mpesa_merchant_request_id,
	charge_evidence,
	ledger_evidence,
	disbursement_evidence,
	failure_reason,
	provider_error,
	retry_count,
	created_at,
	updated_at`

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	const query = `
SELECT` + transactionColumns + `
FROM transactions
WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		logger.Error("transaction repository get by id failed", err, logger.Fields{
			"transactionId": id,
		})
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}

	return txn, nil
}

func (r *TransactionRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Transaction, error) {
	const query = `
SELECT` + transactionColumns + `
FROM transactions
WHERE user_id = $1 AND idempotency_key = $2`

	row := r.db.QueryRowContext(ctx, query, userID, key)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		logger.Error("transaction repository find by idempotency key failed", err, logger.Fields{
			"userId": userID,
		})
		return nil, fmt.Errorf("find transaction by idempotency key: %w", err)
	}

	return txn, nil
}

func (r *TransactionRepository) FindByMpesaCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error) {
	const query = `
SELECT` + transactionColumns + `
FROM transactions
WHERE mpesa_checkout_request_id = $1`

	row := r.db.QueryRowContext(ctx, query, checkoutRequestID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		logger.Error("transaction repository find by checkout id failed", err, logger.Fields{
			"checkoutRequestId": checkoutRequestID,
		})
		return nil, fmt.Errorf("find transaction by checkout id: %w", err)
	}

	return txn, nil
}

func (r *TransactionRepository) Save(ctx context.Context, txn *domain.Transaction) error {
	logger.Info("transaction repository save", logger.Fields{
		"transactionId": txn.ID,
		"direction":     txn.Direction,
		"status":        txn.Status,
	})

	chargeJSON, err := marshalEvidence(txn.ChargeEvidence)
	if err != nil {
		return fmt.Errorf("marshal charge evidence: %w", err)
	}
	ledgerJSON, err := marshalEvidence(txn.LedgerEvidence)
	if err != nil {
		return fmt.Errorf("marshal ledger evidence: %w", err)
	}
	disbursementJSON, err := marshalEvidence(txn.DisbursementEvidence)
	if err != nil {
		return fmt.Errorf("marshal disbursement evidence: %w", err)
	}

	const query = `
INSERT INTO transactions (
	id,
	user_id,
	direction,
	status,
	amount_cents,
	currency,
	rate_value,
	rate_from_currency,
	rate_to_currency,
	rate_locked_at,
	rate_expires_at,
	idempotency_key,
	phone_number,
	mpesa_checkout_request_id,
	mpesa_merchant_request_id,
	charge_evidence,
	ledger_evidence,
	disbursement_evidence,
	failure_reason,
	provider_error,
	retry_count,
	created_at,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	mpesa_checkout_request_id = EXCLUDED.mpesa_checkout_request_id,
	mpesa_merchant_request_id = EXCLUDED.mpesa_merchant_request_id,
	charge_evidence = EXCLUDED.charge_evidence,
	ledger_evidence = EXCLUDED.ledger_evidence,
	disbursement_evidence = EXCLUDED.disbursement_evidence,
	failure_reason = EXCLUDED.failure_reason,
	provider_error = EXCLUDED.provider_error,
	retry_count = EXCLUDED.retry_count,
	updated_at = NOW()`

	_, err = r.db.ExecContext(
		ctx,
		query,
		txn.ID,
		txn.UserID,
		string(txn.Direction),
		string(txn.Status),
		txn.Principal.Cents,
		string(txn.Principal.Currency),
		txn.Rate.Rate.String(),
		string(txn.Rate.FromCurrency),
		string(txn.Rate.ToCurrency),
		txn.Rate.LockedAt,
		txn.Rate.ExpiresAt,
		txn.IdempotencyKey,
		txn.PhoneNumber,
		txn.MpesaCheckoutRequestID,
		txn.MpesaMerchantRequestID,
		chargeJSON,
		ledgerJSON,
		disbursementJSON,
		txn.FailureReason,
		txn.ProviderError,
		txn.RetryCount,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		logger.Error("transaction repository save failed", err, logger.Fields{
			"transactionId": txn.ID,
		})
		return fmt.Errorf("save transaction %s: %w", txn.ID, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		id                string
		userID            string
		direction         string
		status            string
		amountCents       int64
		currency          string
		rateValue         string
		rateFromCurrency  string
		rateToCurrency    string
		rateLockedAt      time.Time
		rateExpiresAt     time.Time
		idempotencyKey    string
		phoneNumber       string
		checkoutRequestID sql.NullString
		merchantRequestID sql.NullString
		chargeJSON        []byte
		ledgerJSON        []byte
		disbursementJSON  []byte
		failureReason     sql.NullString
		providerError     sql.NullString
		retryCount        int
		createdAt         time.Time
		updatedAt         time.Time
	)

	if err := row.Scan(
		&id,
		&userID,
		&direction,
		&status,
		&amountCents,
		&currency,
		&rateValue,
		&rateFromCurrency,
		&rateToCurrency,
		&rateLockedAt,
		&rateExpiresAt,
		&idempotencyKey,
		&phoneNumber,
		&checkoutRequestID,
		&merchantRequestID,
		&chargeJSON,
		&ledgerJSON,
		&disbursementJSON,
		&failureReason,
		&providerError,
		&retryCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rate, err := decimal.NewFromString(rateValue)
	if err != nil {
		return nil, fmt.Errorf("parse persisted rate: %w", err)
	}

	chargeEvidence, err := unmarshalEvidence[domain.MpesaChargeEvidence](chargeJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal charge evidence: %w", err)
	}
	ledgerEvidence, err := unmarshalEvidence[domain.LedgerTransferEvidence](ledgerJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal ledger evidence: %w", err)
	}
	disbursementEvidence, err := unmarshalEvidence[domain.MpesaDisbursementEvidence](disbursementJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal disbursement evidence: %w", err)
	}

	return domain.Reconstitute(domain.ReconstituteParams{
		ID:        id,
		UserID:    userID,
		Direction: domain.TransactionDirection(direction),
		Principal: domain.Money{
			Currency: domain.Currency(currency),
			Cents:    amountCents,
		},
		Rate: domain.LockedRate{
			FromCurrency: domain.Currency(rateFromCurrency),
			ToCurrency:   domain.Currency(rateToCurrency),
			Rate:         rate,
			LockedAt:     rateLockedAt,
			ExpiresAt:    rateExpiresAt,
		},
		IdempotencyKey:         idempotencyKey,
		Status:                 domain.TransactionStatus(status),
		PhoneNumber:            phoneNumber,
		MpesaCheckoutRequestID: nullableString(checkoutRequestID),
		MpesaMerchantRequestID: nullableString(merchantRequestID),
		ChargeEvidence:         chargeEvidence,
		LedgerEvidence:         ledgerEvidence,
		DisbursementEvidence:   disbursementEvidence,
		FailureReason:          nullableString(failureReason),
		ProviderError:          nullableString(providerError),
		RetryCount:             retryCount,
		CreatedAt:              createdAt,
		UpdatedAt:              updatedAt,
	}), nil
}

func marshalEvidence(evidence any) ([]byte, error) {
	switch typed := evidence.(type) {
	case *domain.MpesaChargeEvidence:
		if typed == nil {
			return nil, nil
		}
	case *domain.LedgerTransferEvidence:
		if typed == nil {
			return nil, nil
		}
	case *domain.MpesaDisbursementEvidence:
		if typed == nil {
			return nil, nil
		}
	}
	return json.Marshal(evidence)
}

func unmarshalEvidence[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func nullableString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
