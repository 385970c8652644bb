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

// DepositConfirmationWorker handles deposit-confirmation-received. It makes no
// gateway call: it reacts to the provider's confirmation callback, attaching
// the charge evidence or failing the transaction on a customer cancel.
type DepositConfirmationWorker struct {
	repo      domain.TransactionRepository
	publisher domain.Publisher
}

func NewDepositConfirmationWorker(repo domain.TransactionRepository, publisher domain.Publisher) *DepositConfirmationWorker {
	return &DepositConfirmationWorker{repo: repo, publisher: publisher}
}

func (w *DepositConfirmationWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := decodeMessage[messaging.ConfirmationMessage](body)
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
			return fmt.Errorf("confirmation step: transaction %s not found", id)
		}
		return fmt.Errorf("%w: reload transaction %s: %v", messaging.ErrRequeue, id, err)
	}

	if txn.IsTerminal() || txn.ChargeEvidence != nil {
		logger.Info("confirmation step skipped, already applied", logger.Fields{
			"transactionId": txn.ID,
			"status":        txn.Status,
		})
		return nil
	}

	// Non-zero result codes report a customer cancel or prompt timeout.
	if msg.ResultCode != 0 {
		return failTransaction(ctx, w.repo, w.publisher, txn, ReasonChargeCancelled, msg.ResultDesc)
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	err = txn.ConfirmCharge(domain.MpesaChargeEvidence{
		PhoneNumber:       msg.PhoneNumber,
		AmountKESCents:    msg.AmountKESCents,
		MpesaReceipt:      msg.MpesaReceipt,
		CheckoutRequestID: msg.CheckoutRequestID,
		MerchantRequestID: msg.MerchantRequestID,
		ReceivedAt:        receivedAt,
	})
	if err != nil {
		return err
	}

	return saveAndPublish(ctx, w.repo, w.publisher, txn)
}
