package domain

import "time"

// Evidence records are immutable proof that one external step completed. A
// transaction holds at most one of each kind, write-once per slot.

// MpesaChargeEvidence is attached when the mobile-money provider confirms the
// customer paid the push charge.
type MpesaChargeEvidence struct {
	PhoneNumber       string
	AmountKESCents    int64
	MpesaReceipt      string
	CheckoutRequestID string
	MerchantRequestID string
	ReceivedAt        time.Time
}

// LedgerTransferEvidence is attached when the trading ledger confirms a credit
// or debit transfer.
type LedgerTransferEvidence struct {
	FromAccountID      string
	ToAccountID        string
	AmountUSDCents     int64
	ProviderTransferID string
	ProviderTxnID      string
	ExecutedAt         time.Time
	RawPayload         string
}

// MpesaDisbursementEvidence is attached when the mobile-money provider accepts
// a B2C payout. The provider reports the final receipt on a separate result
// callback; the acceptance ids are the proof retained here.
type MpesaDisbursementEvidence struct {
	ConversationID           string
	OriginatorConversationID string
	AmountKESCents           int64
}

func (e MpesaChargeEvidence) equal(other MpesaChargeEvidence) bool {
	return e.MpesaReceipt == other.MpesaReceipt &&
		e.CheckoutRequestID == other.CheckoutRequestID &&
		e.AmountKESCents == other.AmountKESCents
}

func (e LedgerTransferEvidence) equal(other LedgerTransferEvidence) bool {
	return e.ProviderTransferID == other.ProviderTransferID &&
		e.ProviderTxnID == other.ProviderTxnID &&
		e.AmountUSDCents == other.AmountUSDCents
}

func (e MpesaDisbursementEvidence) equal(other MpesaDisbursementEvidence) bool {
	return e.ConversationID == other.ConversationID &&
		e.OriginatorConversationID == other.OriginatorConversationID &&
		e.AmountKESCents == other.AmountKESCents
}
