package domain

import (
	"context"
	"time"
)

// SecretStore holds single-use secrets. GetAndDelete consumes atomically: a
// second fetch for the same key returns ErrRecordNotFound.
type SecretStore interface {
	Store(ctx context.Context, key, value string, ttl time.Duration) error
	GetAndDelete(ctx context.Context, key string) (string, error)
}

// Publisher delivers step messages at least once. Fire-and-forget from the
// engine's perspective.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// ChargeRequest asks the mobile-money provider to push a charge prompt to the
// customer's phone.
type ChargeRequest struct {
	PhoneNumber    string
	AmountKESCents int64
	Reference      string
}

type ChargeResponse struct {
	CheckoutRequestID string
	MerchantRequestID string
}

// PayoutRequest sends money from the business account to the customer's phone.
type PayoutRequest struct {
	PhoneNumber    string
	AmountKESCents int64
	Reference      string
}

type PayoutResponse struct {
	ConversationID           string
	OriginatorConversationID string
}

type MobileMoneyClient interface {
	InitiateCharge(ctx context.Context, req ChargeRequest) (ChargeResponse, error)
	Payout(ctx context.Context, req PayoutRequest) (PayoutResponse, error)
}

// LedgerTransferRequest is the domain-shaped call a step gateway translates
// into exactly one RPC call.
type LedgerTransferRequest struct {
	AccountID        string
	AmountUSDCents   int64
	Reference        string
	VerificationCode string
}

type LedgerTransferResult struct {
	ProviderTransferID string
	ProviderTxnID      string
	AmountUSDCents     int64
	RawPayload         string
}

type LedgerCreditGateway interface {
	Credit(ctx context.Context, req LedgerTransferRequest) (LedgerTransferResult, error)
}

type LedgerDebitGateway interface {
	Debit(ctx context.Context, req LedgerTransferRequest) (LedgerTransferResult, error)
}
