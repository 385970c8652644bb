package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TransactionDirection string

const (
	DirectionDeposit    TransactionDirection = "DEPOSIT"
	DirectionWithdrawal TransactionDirection = "WITHDRAWAL"
)

type TransactionStatus string

const (
	StatusPending               TransactionStatus = "PENDING"
	StatusProcessing            TransactionStatus = "PROCESSING"
	StatusAwaitingMpesaConfirm  TransactionStatus = "AWAITING_MOBILE_MONEY_CONFIRM"
	StatusAwaitingLedgerConfirm TransactionStatus = "AWAITING_LEDGER_CONFIRM"
	StatusAwaitingMpesaPayout   TransactionStatus = "AWAITING_MOBILE_MONEY_PAYOUT"
	StatusCompleted             TransactionStatus = "COMPLETED"
	StatusFailed                TransactionStatus = "FAILED"
	StatusReversed              TransactionStatus = "REVERSED"
)

var legalTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:               {StatusProcessing, StatusFailed},
	StatusProcessing:            {StatusAwaitingMpesaConfirm, StatusAwaitingLedgerConfirm, StatusCompleted, StatusFailed},
	StatusAwaitingMpesaConfirm:  {StatusAwaitingLedgerConfirm, StatusFailed},
	StatusAwaitingLedgerConfirm: {StatusProcessing, StatusAwaitingMpesaPayout, StatusCompleted, StatusFailed},
	StatusAwaitingMpesaPayout:   {StatusProcessing, StatusCompleted, StatusFailed},
	StatusCompleted:             {StatusReversed},
	StatusFailed:                {},
	StatusReversed:              {},
}

func CanTransition(from, to TransactionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Transaction is the saga aggregate. It is mutated only through the guarded
// methods below; an illegal transition leaves status and evidence untouched.
type Transaction struct {
	ID             string
	UserID         string
	Direction      TransactionDirection
	Principal      Money
	Rate           LockedRate
	IdempotencyKey string
	Status         TransactionStatus
	PhoneNumber    string

	// Correlation ids learned when the push charge is requested; the charge
	// evidence slot itself is only filled once the provider confirms.
	MpesaCheckoutRequestID *string
	MpesaMerchantRequestID *string

	ChargeEvidence       *MpesaChargeEvidence
	LedgerEvidence       *LedgerTransferEvidence
	DisbursementEvidence *MpesaDisbursementEvidence

	FailureReason *string
	ProviderError *string
	RetryCount    int

	CreatedAt time.Time
	UpdatedAt time.Time

	events []Event
}

func NewDeposit(userID, phoneNumber string, principal Money, rate LockedRate, idempotencyKey string) (*Transaction, error) {
	if principal.Currency != CurrencyKES {
		return nil, fmt.Errorf("%w: deposit principal must be %s, got %s",
			ErrCurrencyMismatch, CurrencyKES, principal.Currency)
	}
	txn := newTransaction(userID, phoneNumber, DirectionDeposit, principal, rate, idempotencyKey)
	txn.recordEvent(TopicDepositChargeRequested, map[string]any{
		"amount_kes_cents": principal.Cents,
		"phone_number":     phoneNumber,
	})
	return txn, nil
}

func NewWithdrawal(userID, phoneNumber string, principal Money, rate LockedRate, idempotencyKey string) (*Transaction, error) {
	if principal.Currency != CurrencyUSD {
		return nil, fmt.Errorf("%w: withdrawal principal must be %s, got %s",
			ErrCurrencyMismatch, CurrencyUSD, principal.Currency)
	}
	txn := newTransaction(userID, phoneNumber, DirectionWithdrawal, principal, rate, idempotencyKey)
	txn.recordEvent(TopicWithdrawalRequested, map[string]any{
		"amount_usd_cents": principal.Cents,
		"phone_number":     phoneNumber,
	})
	return txn, nil
}

func newTransaction(userID, phoneNumber string, direction TransactionDirection, principal Money, rate LockedRate, idempotencyKey string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         userID,
		Direction:      direction,
		Principal:      principal,
		Rate:           rate,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		PhoneNumber:    phoneNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ReconstituteParams carries every persisted field back into the aggregate so
// the mapping layer never reaches past the constructor.
type ReconstituteParams struct {
	ID                     string
	UserID                 string
	Direction              TransactionDirection
	Principal              Money
	Rate                   LockedRate
	IdempotencyKey         string
	Status                 TransactionStatus
	PhoneNumber            string
	MpesaCheckoutRequestID *string
	MpesaMerchantRequestID *string
	ChargeEvidence         *MpesaChargeEvidence
	LedgerEvidence         *LedgerTransferEvidence
	DisbursementEvidence   *MpesaDisbursementEvidence
	FailureReason          *string
	ProviderError          *string
	RetryCount             int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func Reconstitute(p ReconstituteParams) *Transaction {
	return &Transaction{
		ID:                     p.ID,
		UserID:                 p.UserID,
		Direction:              p.Direction,
		Principal:              p.Principal,
		Rate:                   p.Rate,
		IdempotencyKey:         p.IdempotencyKey,
		Status:                 p.Status,
		PhoneNumber:            p.PhoneNumber,
		MpesaCheckoutRequestID: p.MpesaCheckoutRequestID,
		MpesaMerchantRequestID: p.MpesaMerchantRequestID,
		ChargeEvidence:         p.ChargeEvidence,
		LedgerEvidence:         p.LedgerEvidence,
		DisbursementEvidence:   p.DisbursementEvidence,
		FailureReason:          p.FailureReason,
		ProviderError:          p.ProviderError,
		RetryCount:             p.RetryCount,
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
	}
}

func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

func (t *Transaction) transitionTo(to TransactionStatus) error {
	if t.IsTerminal() && !(t.Status == StatusCompleted && to == StatusReversed) {
		return fmt.Errorf("%w: %s -> %s", ErrTransactionTerminal, t.Status, to)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkProcessing moves a freshly created transaction into processing, or pulls
// a retryable withdrawal back from a wait state.
func (t *Transaction) MarkProcessing() error {
	return t.transitionTo(StatusProcessing)
}

// MarkChargeRequested records the push-charge correlation ids and starts
// waiting on the customer confirmation. Deposits only.
func (t *Transaction) MarkChargeRequested(checkoutRequestID, merchantRequestID string) error {
	if t.Direction != DirectionDeposit {
		return fmt.Errorf("charge request on %s transaction", t.Direction)
	}
	if err := t.transitionTo(StatusAwaitingMpesaConfirm); err != nil {
		return err
	}
	t.MpesaCheckoutRequestID = &checkoutRequestID
	t.MpesaMerchantRequestID = &merchantRequestID
	return nil
}

// ConfirmCharge attaches the mobile-money confirmation evidence. Re-attaching
// the same receipt is a no-op; a different receipt in an occupied slot is a bug.
func (t *Transaction) ConfirmCharge(evidence MpesaChargeEvidence) error {
	if t.Direction != DirectionDeposit {
		return fmt.Errorf("charge confirmation on %s transaction", t.Direction)
	}
	if t.ChargeEvidence != nil {
		if t.ChargeEvidence.equal(evidence) {
			return nil
		}
		return fmt.Errorf("charge evidence slot already occupied for transaction %s", t.ID)
	}
	if err := t.transitionTo(StatusAwaitingLedgerConfirm); err != nil {
		return err
	}
	t.ChargeEvidence = &evidence
	t.recordEvent(TopicDepositConfirmed, map[string]any{
		"mpesa_receipt":    evidence.MpesaReceipt,
		"amount_kes_cents": evidence.AmountKESCents,
	})
	return nil
}

// MarkAwaitingLedger marks the ledger transfer as in flight. Withdrawals pass
// through here before the debit call.
func (t *Transaction) MarkAwaitingLedger() error {
	return t.transitionTo(StatusAwaitingLedgerConfirm)
}

// RecordLedgerCredit completes a deposit with the confirmed ledger transfer.
// The mobile-money confirmation must already be on file.
func (t *Transaction) RecordLedgerCredit(evidence LedgerTransferEvidence) error {
	if t.Direction != DirectionDeposit {
		return fmt.Errorf("ledger credit on %s transaction", t.Direction)
	}
	if t.ChargeEvidence == nil {
		return fmt.Errorf("%w: ledger credit before mobile-money confirmation", ErrEvidenceOutOfOrder)
	}
	if t.LedgerEvidence != nil {
		if t.LedgerEvidence.equal(evidence) {
			return nil
		}
		return fmt.Errorf("ledger evidence slot already occupied for transaction %s", t.ID)
	}
	if err := t.transitionTo(StatusCompleted); err != nil {
		return err
	}
	t.LedgerEvidence = &evidence
	t.recordEvent(TopicDepositCompleted, map[string]any{
		"provider_transfer_id": evidence.ProviderTransferID,
		"amount_usd_cents":     evidence.AmountUSDCents,
	})
	return nil
}

// RecordLedgerDebit attaches the confirmed ledger debit and hands the
// withdrawal over to the payout step.
func (t *Transaction) RecordLedgerDebit(evidence LedgerTransferEvidence) error {
	if t.Direction != DirectionWithdrawal {
		return fmt.Errorf("ledger debit on %s transaction", t.Direction)
	}
	if t.LedgerEvidence != nil {
		if t.LedgerEvidence.equal(evidence) {
			return nil
		}
		return fmt.Errorf("ledger evidence slot already occupied for transaction %s", t.ID)
	}
	if err := t.transitionTo(StatusAwaitingMpesaPayout); err != nil {
		return err
	}
	t.LedgerEvidence = &evidence
	t.recordEvent(TopicWithdrawalLedgerDebited, map[string]any{
		"provider_transfer_id": evidence.ProviderTransferID,
		"amount_usd_cents":     evidence.AmountUSDCents,
	})
	return nil
}

// RecordDisbursement completes a withdrawal with the accepted payout. The
// ledger debit must already be on file.
func (t *Transaction) RecordDisbursement(evidence MpesaDisbursementEvidence) error {
	if t.Direction != DirectionWithdrawal {
		return fmt.Errorf("disbursement on %s transaction", t.Direction)
	}
	if t.LedgerEvidence == nil {
		return fmt.Errorf("%w: disbursement before ledger debit", ErrEvidenceOutOfOrder)
	}
	if t.DisbursementEvidence != nil {
		if t.DisbursementEvidence.equal(evidence) {
			return nil
		}
		return fmt.Errorf("disbursement evidence slot already occupied for transaction %s", t.ID)
	}
	if err := t.transitionTo(StatusCompleted); err != nil {
		return err
	}
	t.DisbursementEvidence = &evidence
	t.recordEvent(TopicWithdrawalCompleted, map[string]any{
		"conversation_id":  evidence.ConversationID,
		"amount_kes_cents": evidence.AmountKESCents,
	})
	return nil
}

// IncrementPayoutRetry bumps the retry counter after a failed payout attempt.
// It reports whether another attempt is still allowed.
func (t *Transaction) IncrementPayoutRetry(maxRetries int) bool {
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	return t.RetryCount < maxRetries
}

// Fail moves the transaction to FAILED with a reason code and the last
// provider error. Rejected on terminal transactions.
func (t *Transaction) Fail(reason, providerError string) error {
	if t.IsTerminal() {
		return fmt.Errorf("%w: cannot fail %s transaction", ErrTransactionTerminal, t.Status)
	}
	if err := t.transitionTo(StatusFailed); err != nil {
		return err
	}
	t.FailureReason = &reason
	if providerError != "" {
		t.ProviderError = &providerError
	}
	topic := TopicDepositFailed
	if t.Direction == DirectionWithdrawal {
		topic = TopicWithdrawalFailed
	}
	t.recordEvent(topic, map[string]any{
		"reason":         reason,
		"provider_error": providerError,
	})
	return nil
}

// Reverse is only legal from COMPLETED.
func (t *Transaction) Reverse(reason string) error {
	if t.Status != StatusCompleted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusReversed)
	}
	if err := t.transitionTo(StatusReversed); err != nil {
		return err
	}
	t.FailureReason = &reason
	return nil
}

// DrainEvents returns the events recorded since the last drain and clears the
// internal list atomically with the read.
func (t *Transaction) DrainEvents() []Event {
	drained := t.events
	t.events = nil
	return drained
}

func (t *Transaction) recordEvent(topic string, payload map[string]any) {
	t.events = append(t.events, Event{
		Topic:         topic,
		TransactionID: t.ID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	})
}
