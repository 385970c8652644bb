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

// DepositCreditWorker handles deposit-confirmed: it credits the trading
// ledger with the USD value of the confirmed KES charge and completes the
// deposit.
type DepositCreditWorker struct {
	cfg       Config
	repo      domain.TransactionRepository
	publisher domain.Publisher
	gateway   domain.LedgerCreditGateway
}

func NewDepositCreditWorker(cfg Config, repo domain.TransactionRepository, publisher domain.Publisher, gateway domain.LedgerCreditGateway) *DepositCreditWorker {
	cfg.applyDefaults()
	return &DepositCreditWorker{cfg: cfg, repo: repo, publisher: publisher, gateway: gateway}
}

func (w *DepositCreditWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := decodeMessage[messaging.ConfirmedMessage](body)
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
			return fmt.Errorf("credit step: transaction %s not found", id)
		}
		return fmt.Errorf("%w: reload transaction %s: %v", messaging.ErrRequeue, id, err)
	}

	if txn.IsTerminal() || txn.LedgerEvidence != nil {
		logger.Info("credit step skipped, already applied", logger.Fields{
			"transactionId": txn.ID,
			"status":        txn.Status,
		})
		return nil
	}

	// Preconditions: the previous step's evidence and a configured
	// counterparty account.
	if txn.ChargeEvidence == nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonMissingChargeEvidence, "")
	}
	if w.cfg.LedgerAccountID == "" {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonLedgerAccountMissing, "")
	}

	usdAmount, err := txn.Rate.Inverse(txn.Principal)
	if err != nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonLedgerCreditFailed, err.Error())
	}

	var result domain.LedgerTransferResult
	callErr := withRetry(ctx, w.cfg.MaxAttempts, w.cfg.BackoffBase, func() error {
		var attemptErr error
		result, attemptErr = w.gateway.Credit(ctx, domain.LedgerTransferRequest{
			AccountID:      w.cfg.LedgerAccountID,
			AmountUSDCents: usdAmount.Cents,
			Reference:      txn.ID,
		})
		return attemptErr
	})
	if callErr != nil {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonLedgerCreditFailed, callErr.Error())
	}

	err = txn.RecordLedgerCredit(domain.LedgerTransferEvidence{
		FromAccountID:      "mobile-money-suspense",
		ToAccountID:        w.cfg.LedgerAccountID,
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
