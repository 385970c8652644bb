package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
)

// WithdrawalPayoutWorker handles withdrawal-ledger-debited: it converts the
// USD principal to KES at the locked rate and disburses to the customer's
// phone. Failures below the retry ceiling re-publish the step message instead
// of failing the transaction.
type WithdrawalPayoutWorker struct {
	cfg       Config
	repo      domain.TransactionRepository
	publisher domain.Publisher
	mpesa     domain.MobileMoneyClient
}

func NewWithdrawalPayoutWorker(cfg Config, repo domain.TransactionRepository, publisher domain.Publisher, mpesa domain.MobileMoneyClient) *WithdrawalPayoutWorker {
	cfg.applyDefaults()
	return &WithdrawalPayoutWorker{cfg: cfg, repo: repo, publisher: publisher, mpesa: mpesa}
}

func (w *WithdrawalPayoutWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := decodeMessage[messaging.LedgerDebitedMessage](body)
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
			return fmt.Errorf("payout step: transaction %s not found", id)
		}
		return fmt.Errorf("%w: reload transaction %s: %v", messaging.ErrRequeue, id, err)
	}

	if txn.IsTerminal() || txn.DisbursementEvidence != nil {
		logger.Info("payout step skipped, already applied", logger.Fields{
			"transactionId": txn.ID,
			"status":        txn.Status,
		})
		return nil
	}

	if txn.LedgerEvidence == nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonMissingLedgerEvidence, "")
	}

	kesAmount, err := txn.Rate.Convert(txn.Principal)
	if err != nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonPayoutFailed, err.Error())
	}

	var payout domain.PayoutResponse
	callErr := withRetry(ctx, w.cfg.MaxAttempts, w.cfg.BackoffBase, func() error {
		var attemptErr error
		payout, attemptErr = w.mpesa.Payout(ctx, domain.PayoutRequest{
			PhoneNumber:    txn.PhoneNumber,
			AmountKESCents: kesAmount.Cents,
			Reference:      txn.ID,
		})
		return attemptErr
	})
	if callErr != nil {
		// Below the ceiling the transaction stays retryable: bump the counter
		// and put the step message back on its own topic.
		if !domain.IsPermanent(callErr) && txn.IncrementPayoutRetry(w.cfg.PayoutMaxRetries) {
			if err := w.repo.Save(ctx, txn); err != nil {
				return fmt.Errorf("%w: save transaction %s: %v", messaging.ErrRequeue, txn.ID, err)
			}
			logger.Warn("payout step scheduling retry", logger.Fields{
				"transactionId": txn.ID,
				"retryCount":    txn.RetryCount,
			})
			if err := w.publisher.Publish(ctx, domain.TopicWithdrawalLedgerDebited, msg); err != nil {
				return fmt.Errorf("%w: republish payout message: %v", messaging.ErrRequeue, err)
			}
			return nil
		}
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonPayoutFailed, callErr.Error())
	}

	err = txn.RecordDisbursement(domain.MpesaDisbursementEvidence{
		ConversationID:           payout.ConversationID,
		OriginatorConversationID: payout.OriginatorConversationID,
		AmountKESCents:           kesAmount.Cents,
	})
	if err != nil {
		return err
	}

	return saveAndPublish(ctx, w.repo, w.publisher, txn)
}
