package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
)

// Failure reason codes recorded on terminal FAILED transactions.
const (
	ReasonChargeFailed            = "mobile_money_charge_failed"
	ReasonChargeCancelled         = "mobile_money_charge_cancelled_or_timeout"
	ReasonMissingChargeEvidence   = "missing_charge_evidence"
	ReasonLedgerAccountMissing    = "ledger_account_not_configured"
	ReasonLedgerCreditFailed      = "ledger_credit_failed"
	ReasonLedgerDebitFailed       = "ledger_debit_failed"
	ReasonVerificationCodeMissing = "verification_code_missing_or_expired"
	ReasonMissingLedgerEvidence   = "missing_ledger_evidence"
	ReasonPayoutFailed            = "mobile_money_payout_failed"
)

// Config carries the saga tunables shared by every step worker.
type Config struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	PayoutMaxRetries int
	LedgerAccountID  string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.PayoutMaxRetries <= 0 {
		c.PayoutMaxRetries = 5
	}
}

// withRetry runs fn up to maxAttempts times with linear backoff (base times
// the attempt number). Permanent errors abort immediately.
func withRetry(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if domain.IsPermanent(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(base * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// parseTransactionID fails fast on malformed ids before any repository work.
func parseTransactionID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed transaction id %q: %w", raw, err)
	}
	return id.String(), nil
}

func decodeMessage[T any](body []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decode step message: %w", err)
	}
	return msg, nil
}

// saveAndPublish persists the transaction, then publishes the events recorded
// by the mutation. Publish failures are logged, never fatal: delivery is
// at-least-once and downstream steps are idempotent. A save failure is
// returned as requeueable because the step is not complete until persistence
// succeeds.
func saveAndPublish(ctx context.Context, repo domain.TransactionRepository, pub domain.Publisher, txn *domain.Transaction) error {
	if err := repo.Save(ctx, txn); err != nil {
		return fmt.Errorf("%w: save transaction %s: %v", messaging.ErrRequeue, txn.ID, err)
	}

	for _, event := range txn.DrainEvents() {
		body := map[string]any{"transaction_id": event.TransactionID}
		for key, value := range event.Payload {
			body[key] = value
		}
		if err := pub.Publish(ctx, event.Topic, body); err != nil {
			logger.Error("saga event publish failed", err, logger.Fields{
				"topic":         event.Topic,
				"transactionId": event.TransactionID,
			})
		}
	}

	return nil
}

// failTransaction moves the transaction to FAILED with the reason and last
// provider error, persists, and publishes the failure message.
func failTransaction(ctx context.Context, repo domain.TransactionRepository, pub domain.Publisher, txn *domain.Transaction, reason, providerError string) error {
	if err := txn.Fail(reason, providerError); err != nil {
		return fmt.Errorf("fail transaction %s: %w", txn.ID, err)
	}

	logger.Error("saga step failed transaction", nil, logger.Fields{
		"transactionId": txn.ID,
		"reason":        reason,
		"providerError": providerError,
	})

	return saveAndPublish(ctx, repo, pub, txn)
}
