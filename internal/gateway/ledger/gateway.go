package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

// Caller is the slice of Client the gateways need; it keeps the gateways
// testable without a socket.
type Caller interface {
	Call(ctx context.Context, op string, params map[string]any) (json.RawMessage, error)
}

// Gateway translates domain-shaped transfer calls into exactly one RPC call
// each and maps the response back into a domain result.
type Gateway struct {
	client Caller
}

func NewGateway(client Caller) *Gateway {
	return &Gateway{client: client}
}

type transferResponse struct {
	Success       bool   `json:"success"`
	TransferID    string `json:"transfer_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
}

func (g *Gateway) Credit(ctx context.Context, req domain.LedgerTransferRequest) (domain.LedgerTransferResult, error) {
	return g.transfer(ctx, "transfer_credit", map[string]any{
		"to_account": req.AccountID,
		"amount":     usdString(req.AmountUSDCents),
		"reference":  req.Reference,
	})
}

func (g *Gateway) Debit(ctx context.Context, req domain.LedgerTransferRequest) (domain.LedgerTransferResult, error) {
	return g.transfer(ctx, "transfer_debit", map[string]any{
		"from_account":      req.AccountID,
		"amount":            usdString(req.AmountUSDCents),
		"reference":         req.Reference,
		"verification_code": req.VerificationCode,
	})
}

func (g *Gateway) transfer(ctx context.Context, op string, params map[string]any) (domain.LedgerTransferResult, error) {
	raw, err := g.client.Call(ctx, op, params)
	if err != nil {
		return domain.LedgerTransferResult{}, translateError(op, err)
	}

	var resp transferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.LedgerTransferResult{}, fmt.Errorf("decode %s response: %w", op, err)
	}

	if !resp.Success {
		return domain.LedgerTransferResult{}, fmt.Errorf("%s reported failure without error payload", op)
	}

	// A missing required identifier on an otherwise-successful response is a
	// failure, not a success.
	if resp.TransferID == "" || resp.TransactionID == "" {
		return domain.LedgerTransferResult{}, fmt.Errorf("%s response missing provider identifiers", op)
	}

	cents, err := usdCents(resp.Amount)
	if err != nil {
		return domain.LedgerTransferResult{}, fmt.Errorf("parse %s confirmed amount: %w", op, err)
	}

	logger.Info("ledger transfer confirmed", logger.Fields{
		"op":         op,
		"transferId": resp.TransferID,
	})

	return domain.LedgerTransferResult{
		ProviderTransferID: resp.TransferID,
		ProviderTxnID:      resp.TransactionID,
		AmountUSDCents:     cents,
		RawPayload:         string(raw),
	}, nil
}

// translateError maps known provider error codes to stable domain messages;
// everything else passes the provider message through verbatim.
func translateError(op string, err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		// Timeouts and transport failures stay transient and retryable.
		return fmt.Errorf("%s: %w", op, err)
	}

	switch rpcErr.Code {
	case "InvalidToken":
		return domain.NewPermanentError(rpcErr.Code, "ledger authorization is invalid or expired")
	case "InsufficientBalance":
		return domain.NewPermanentError(rpcErr.Code, "insufficient ledger balance")
	case "TransferRejected":
		return domain.NewPermanentError(rpcErr.Code, "ledger rejected the transfer")
	default:
		return domain.NewPermanentError(rpcErr.Code, rpcErr.Message)
	}
}

func usdString(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func usdCents(amount string) (int64, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, err
	}
	return value.Shift(2).Round(0).IntPart(), nil
}
