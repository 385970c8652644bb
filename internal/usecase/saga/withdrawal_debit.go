package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
)

// WithdrawalDebitWorker handles withdrawal-requested: it consumes the
// single-use verification code and debits the trading ledger. The transaction
// stays non-terminal until the mobile-money payout completes.
type WithdrawalDebitWorker struct {
	cfg       Config
	repo      domain.TransactionRepository
	publisher domain.Publisher
	secrets   domain.SecretStore
	gateway   domain.LedgerDebitGateway
}

func NewWithdrawalDebitWorker(cfg Config, repo domain.TransactionRepository, publisher domain.Publisher, secrets domain.SecretStore, gateway domain.LedgerDebitGateway) *WithdrawalDebitWorker {
	cfg.applyDefaults()
	return &WithdrawalDebitWorker{cfg: cfg, repo: repo, publisher: publisher, secrets: secrets, gateway: gateway}
}

func (w *WithdrawalDebitWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := decodeMessage[messaging.WithdrawalRequestedMessage](body)
	if err != nil {
		return err
	}

	id, err := parseTransactionID(msg.TransactionID)
	if err != nil {
		return err
	}

	txn, err := w.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return fmt.Errorf("debit step: transaction %s not found", id)
		}
		return fmt.Errorf("%w: reload transaction %s: %v", messaging.ErrRequeue, id, err)
	}

	if txn.IsTerminal() || txn.LedgerEvidence != nil {
		logger.Info("debit step skipped, already applied", logger.Fields{
			"transactionId": txn.ID,
			"status":        txn.Status,
		})
		return nil
	}

	if txn.Direction != domain.DirectionWithdrawal {
		return fmt.Errorf("debit step on %s transaction %s", txn.Direction, txn.ID)
	}

	if msg.VerificationKey == "" {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonVerificationCodeMissing, "")
	}

	// The code is consumed atomically; a replayed delivery finds it gone and
	// fails instead of debiting twice.
	code, err := w.secrets.GetAndDelete(ctx, msg.VerificationKey)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return failTransaction(ctx, w.repo, w.publisher, txn, ReasonVerificationCodeMissing, "")
		}
		return fmt.Errorf("%w: consume verification code: %v", messaging.ErrRequeue, err)
	}

	if txn.Status == domain.StatusPending {
		if err := txn.MarkProcessing(); err != nil {
			return err
		}
	}
	if txn.Status == domain.StatusProcessing {
		if err := txn.MarkAwaitingLedger(); err != nil {
			return err
		}
	}

	// Persist the in-flight state before the external call so a concurrent
	// delivery re-reads and finds itself already past PENDING.
	if err := w.repo.Save(ctx, txn); err != nil {
		return fmt.Errorf("%w: save transaction %s: %v", messaging.ErrRequeue, txn.ID, err)
	}

	var result domain.LedgerTransferResult
	callErr := withRetry(ctx, w.cfg.MaxAttempts, w.cfg.BackoffBase, func() error {
		var attemptErr error
		result, attemptErr = w.gateway.Debit(ctx, domain.LedgerTransferRequest{
			AccountID:        w.cfg.LedgerAccountID,
			AmountUSDCents:   txn.Principal.Cents,
			Reference:        txn.ID,
			VerificationCode: code,
		})
		return attemptErr
	})
	if callErr != nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonLedgerDebitFailed, callErr.Error())
	}

	err = txn.RecordLedgerDebit(domain.LedgerTransferEvidence{
		FromAccountID:      w.cfg.LedgerAccountID,
		ToAccountID:        "mobile-money-suspense",
		AmountUSDCents:     result.AmountUSDCents,
		ProviderTransferID: result.ProviderTransferID,
		ProviderTxnID:      result.ProviderTxnID,
		ExecutedAt:         time.Now().UTC(),
		RawPayload:         result.RawPayload,
	})
	if err != nil {
		return err
	}

	return saveAndPublish(ctx, w.repo, w.publisher, txn)
}
