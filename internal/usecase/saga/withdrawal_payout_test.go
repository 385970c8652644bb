package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
	"github.com/api-sage/mpesa-ledger-bridge/internal/usecase/saga"
)

func debitedWithdrawal(t *testing.T) *domain.Transaction {
	t.Helper()
	txn := newWithdrawal(t)
	require.NoError(t, txn.MarkProcessing())
	require.NoError(t, txn.MarkAwaitingLedger())
	require.NoError(t, txn.RecordLedgerDebit(domain.LedgerTransferEvidence{
		FromAccountID:      "acct-77",
		ToAccountID:        "mobile-money-suspense",
		AmountUSDCents:     1000,
		ProviderTransferID: "tr-2",
		ProviderTxnID:      "txn-2",
		ExecutedAt:         time.Now().UTC(),
	}))
	txn.DrainEvents()
	return txn
}

func debitedBody(t *testing.T, id string) []byte {
	return mustJSON(t, messaging.LedgerDebitedMessage{TransactionID: id, ProviderTransferID: "tr-2"})
}

func TestPayoutConvertsAtLockedRateAndCompletes(t *testing.T) {
	txn := debitedWithdrawal(t)
	repo := newFakeRepo(txn)
	pub := &fakePublisher{}
	mpesa := &fakeMpesa{}
	worker := saga.NewWithdrawalPayoutWorker(fastConfig(), repo, pub, mpesa)

	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))

	assert.Equal(t, domain.StatusCompleted, txn.Status)
	require.NotNil(t, txn.DisbursementEvidence)
	// 1000 USD cents at the locked 150 KES/USD is 150000 KES cents.
	assert.Equal(t, int64(150000), txn.DisbursementEvidence.AmountKESCents)
	assert.Equal(t, []string{domain.TopicWithdrawalCompleted}, pub.topics())
}

func TestPayoutTransientFailureRepublishesBelowCeiling(t *testing.T) {
	txn := debitedWithdrawal(t)
	repo := newFakeRepo(txn)
	pub := &fakePublisher{}
	mpesa := &fakeMpesa{payoutFn: func() (domain.PayoutResponse, error) {
		return domain.PayoutResponse{}, errors.New("service unavailable")
	}}
	worker := saga.NewWithdrawalPayoutWorker(fastConfig(), repo, pub, mpesa)

	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))

	assert.Equal(t, domain.StatusAwaitingMpesaPayout, txn.Status, "the debited principal must not be lost to a transient payout failure")
	assert.Equal(t, 1, txn.RetryCount)
	assert.Equal(t, []string{domain.TopicWithdrawalLedgerDebited}, pub.topics())
}

func TestPayoutFailsAtRetryCeiling(t *testing.T) {
	txn := debitedWithdrawal(t)
	for i := 0; i < 4; i++ {
		txn.IncrementPayoutRetry(5)
	}
	repo := newFakeRepo(txn)
	pub := &fakePublisher{}
	mpesa := &fakeMpesa{payoutFn: func() (domain.PayoutResponse, error) {
		return domain.PayoutResponse{}, errors.New("service unavailable")
	}}
	worker := saga.NewWithdrawalPayoutWorker(fastConfig(), repo, pub, mpesa)

	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))

	assert.Equal(t, domain.StatusFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
	assert.Equal(t, saga.ReasonPayoutFailed, *txn.FailureReason)
	assert.Equal(t, []string{domain.TopicWithdrawalFailed}, pub.topics())
}

func TestPayoutPermanentErrorFailsImmediately(t *testing.T) {
	txn := debitedWithdrawal(t)
	repo := newFakeRepo(txn)
	pub := &fakePublisher{}
	mpesa := &fakeMpesa{payoutFn: func() (domain.PayoutResponse, error) {
		return domain.PayoutResponse{}, &domain.PermanentError{Code: "InvalidPhone", Message: "unknown msisdn"}
	}}
	worker := saga.NewWithdrawalPayoutWorker(fastConfig(), repo, pub, mpesa)

	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))

	assert.Equal(t, 1, mpesa.payoutCalls)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Equal(t, 0, txn.RetryCount, "permanent errors skip the retry loop")
}

func TestPayoutWithoutLedgerEvidenceFails(t *testing.T) {
	txn := newWithdrawal(t)
	repo := newFakeRepo(txn)
	pub := &fakePublisher{}
	mpesa := &fakeMpesa{}
	worker := saga.NewWithdrawalPayoutWorker(fastConfig(), repo, pub, mpesa)

	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))

	assert.Equal(t, 0, mpesa.payoutCalls)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
	assert.Equal(t, saga.ReasonMissingLedgerEvidence, *txn.FailureReason)
}

func TestPayoutRedeliveryAfterCompletionIsNoOp(t *testing.T) {
	txn := debitedWithdrawal(t)
	repo := newFakeRepo(txn)
	pub := &fakePublisher{}
	mpesa := &fakeMpesa{}
	worker := saga.NewWithdrawalPayoutWorker(fastConfig(), repo, pub, mpesa)

	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))
	require.NoError(t, worker.Handle(context.Background(), debitedBody(t, txn.ID)))

	assert.Equal(t, 1, mpesa.payoutCalls, "a completed withdrawal must not pay out twice")
}
