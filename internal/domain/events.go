package domain

import "time"

// Topics published on the saga exchange, one per transition.
const (
	TopicDepositChargeRequested      = "deposit-charge-requested"
	TopicDepositConfirmationReceived = "deposit-confirmation-received"
	TopicDepositConfirmed            = "deposit-confirmed"
	TopicDepositCompleted            = "deposit-completed"
	TopicDepositFailed               = "deposit-failed"
	TopicWithdrawalRequested         = "withdrawal-requested"
	TopicWithdrawalLedgerDebited     = "withdrawal-ledger-debited"
	TopicWithdrawalCompleted         = "withdrawal-completed"
	TopicWithdrawalFailed            = "withdrawal-failed"
)

// Event is a domain event recorded by the aggregate and drained exactly once
// after the mutation that produced it is persisted.
type Event struct {
	Topic         string
	TransactionID string
	OccurredAt    time.Time
	Payload       map[string]any
}
