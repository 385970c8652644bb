package messaging

import "time"

// One typed struct per message shape; payloads are validated at the boundary
// instead of flowing through the engine as raw maps.

type ChargeRequestedMessage struct {
	TransactionID string `json:"transaction_id"`
}

type ConfirmationMessage struct {
	TransactionID     string    `json:"transaction_id"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	MerchantRequestID string    `json:"merchant_request_id"`
	ResultCode        int       `json:"result_code"`
	ResultDesc        string    `json:"result_desc"`
	MpesaReceipt      string    `json:"mpesa_receipt"`
	PhoneNumber       string    `json:"phone_number"`
	AmountKESCents    int64     `json:"amount_kes_cents"`
	ReceivedAt        time.Time `json:"received_at"`
}

type ConfirmedMessage struct {
	TransactionID string `json:"transaction_id"`
	MpesaReceipt  string `json:"mpesa_receipt"`
}

type WithdrawalRequestedMessage struct {
	TransactionID   string `json:"transaction_id"`
	VerificationKey string `json:"verification_key"`
}

type LedgerDebitedMessage struct {
	TransactionID      string `json:"transaction_id"`
	ProviderTransferID string `json:"provider_transfer_id"`
}

type CompletedMessage struct {
	TransactionID string `json:"transaction_id"`
}

type FailedMessage struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	ProviderError string `json:"provider_error,omitempty"`
}
