package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
)

// DepositChargeWorker handles deposit-charge-requested: it asks the
// mobile-money provider to push a charge prompt and parks the transaction
// until the customer confirms.
type DepositChargeWorker struct {
	cfg       Config
	repo      domain.TransactionRepository
	publisher domain.Publisher
	mpesa     domain.MobileMoneyClient
}

func NewDepositChargeWorker(cfg Config, repo domain.TransactionRepository, publisher domain.Publisher, mpesa domain.MobileMoneyClient) *DepositChargeWorker {
	cfg.applyDefaults()
	return &DepositChargeWorker{cfg: cfg, repo: repo, publisher: publisher, mpesa: mpesa}
}

func (w *DepositChargeWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := decodeMessage[messaging.ChargeRequestedMessage](body)
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
			return fmt.Errorf("charge step: transaction %s not found", id)
		}
		return fmt.Errorf("%w: reload transaction %s: %v", messaging.ErrRequeue, id, err)
	}

	// Idempotency guard: redelivered messages for an already-advanced or
	// terminal transaction are safe no-ops.
	if txn.IsTerminal() || txn.MpesaCheckoutRequestID != nil {
		logger.Info("charge step skipped, already applied", logger.Fields{
			"transactionId": txn.ID,
			"status":        txn.Status,
		})
		return nil
	}

	if txn.Direction != domain.DirectionDeposit {
		return fmt.Errorf("charge step on %s transaction %s", txn.Direction, txn.ID)
	}

	if txn.Status == domain.StatusPending {
		if err := txn.MarkProcessing(); err != nil {
			return err
		}
	}

	var charge domain.ChargeResponse
	callErr := withRetry(ctx, w.cfg.MaxAttempts, w.cfg.BackoffBase, func() error {
		var attemptErr error
		charge, attemptErr = w.mpesa.InitiateCharge(ctx, domain.ChargeRequest{
			PhoneNumber:    txn.PhoneNumber,
			AmountKESCents: txn.Principal.Cents,
			Reference:      txn.ID,
		})
		return attemptErr
	})
	if callErr != nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonChargeFailed, callErr.Error())
	}

	if err := txn.MarkChargeRequested(charge.CheckoutRequestID, charge.MerchantRequestID); err != nil {
		return err
	}

	return saveAndPublish(ctx, w.repo, w.publisher, txn)
}
