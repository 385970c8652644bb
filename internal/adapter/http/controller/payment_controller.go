package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/http/models"
	"github.com/api-sage/mpesa-ledger-bridge/internal/commons"
	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/usecase/services"
)

type InitiationService interface {
	InitiateDeposit(ctx context.Context, cmd services.DepositCommand) (*domain.Transaction, error)
	InitiateWithdrawal(ctx context.Context, cmd services.WithdrawalCommand) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	Reverse(ctx context.Context, transactionID, reason string) (*domain.Transaction, error)
}

// ProfileService is the narrow slice of the user-profile system this engine
// consumes: the stored transaction-PIN hash for withdrawal verification.
type ProfileService interface {
	GetTransactionPINHash(ctx context.Context, userID string) (string, error)
	SetTransactionPINHash(ctx context.Context, userID, hash string) error
}

type PaymentController struct {
	service  InitiationService
	profiles ProfileService
}

func NewPaymentController(service InitiationService, profiles ProfileService) *PaymentController {
	return &PaymentController{service: service, profiles: profiles}
}

func (c *PaymentController) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/deposits", c.initiateDeposit)
	r.Post("/api/v1/withdrawals", c.initiateWithdrawal)
	r.Get("/api/v1/transactions/{id}", c.getTransaction)
	r.Post("/api/v1/transactions/{id}/reverse", c.reverseTransaction)
	r.Put("/api/v1/users/{id}/transaction-pin", c.setTransactionPIN)
}

func (c *PaymentController) initiateDeposit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.InitiateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("invalid request body", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}
	logRequest(r, req)

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("validation failed", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("validation failed", "Idempotency-Key header is required"))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	txn, err := c.service.InitiateDeposit(r.Context(), services.DepositCommand{
		UserID:         req.UserID,
		PhoneNumber:    strings.TrimSpace(req.PhoneNumber),
		AmountKESCents: req.AmountKESCents,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusUnprocessableEntity, commons.ErrorResponse[models.TransactionResponse]("failed to initiate deposit", err.Error()))
		logResponse(r, http.StatusUnprocessableEntity, start)
		return
	}

	writeJSON(w, http.StatusAccepted, commons.SuccessResponse("deposit initiated", mapTransaction(txn)))
	logResponse(r, http.StatusAccepted, start)
}

func (c *PaymentController) initiateWithdrawal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req models.InitiateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("invalid request body", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}
	logRequest(r, req)

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("validation failed", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("validation failed", "Idempotency-Key header is required"))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	pinHash, err := c.profiles.GetTransactionPINHash(r.Context(), req.UserID)
	if err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusUnprocessableEntity, commons.ErrorResponse[models.TransactionResponse]("failed to initiate withdrawal", "Unable to verify transaction PIN"))
		logResponse(r, http.StatusUnprocessableEntity, start)
		return
	}

	txn, err := c.service.InitiateWithdrawal(r.Context(), services.WithdrawalCommand{
		UserID:         req.UserID,
		PhoneNumber:    strings.TrimSpace(req.PhoneNumber),
		AmountUSDCents: req.AmountUSDCents,
		IdempotencyKey: idempotencyKey,
		PIN:            req.TransactionPIN,
		PINHash:        pinHash,
	})
	if err != nil {
		logError(r, err, nil)
		status := http.StatusUnprocessableEntity
		if errors.Is(err, services.ErrInvalidPIN) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, commons.ErrorResponse[models.TransactionResponse]("failed to initiate withdrawal", err.Error()))
		logResponse(r, status, start)
		return
	}

	writeJSON(w, http.StatusAccepted, commons.SuccessResponse("withdrawal initiated", mapTransaction(txn)))
	logResponse(r, http.StatusAccepted, start)
}

func (c *PaymentController) getTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	txn, err := c.service.GetTransaction(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, commons.ErrorResponse[models.TransactionResponse]("transaction not found"))
		logResponse(r, status, start)
		return
	}

	writeJSON(w, http.StatusOK, commons.SuccessResponse("transaction fetched", mapTransaction(txn)))
	logResponse(r, http.StatusOK, start)
}

func (c *PaymentController) reverseTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	var req models.ReverseTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("invalid request body", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}
	logRequest(r, req)

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[models.TransactionResponse]("validation failed", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	txn, err := c.service.Reverse(r.Context(), id, req.Reason)
	if err != nil {
		logError(r, err, logger.Fields{"transactionId": id})
		status := http.StatusUnprocessableEntity
		if errors.Is(err, domain.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, commons.ErrorResponse[models.TransactionResponse]("failed to reverse transaction", err.Error()))
		logResponse(r, status, start)
		return
	}

	writeJSON(w, http.StatusOK, commons.SuccessResponse("transaction reversed", mapTransaction(txn)))
	logResponse(r, http.StatusOK, start)
}

func (c *PaymentController) setTransactionPIN(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := chi.URLParam(r, "id")

	var req models.SetTransactionPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[struct{}]("invalid request body", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, commons.ErrorResponse[struct{}]("validation failed", err.Error()))
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.TransactionPIN), bcrypt.DefaultCost)
	if err != nil {
		logError(r, err, logger.Fields{"userId": userID})
		writeJSON(w, http.StatusInternalServerError, commons.ErrorResponse[struct{}]("failed to set transaction pin"))
		logResponse(r, http.StatusInternalServerError, start)
		return
	}

	if err := c.profiles.SetTransactionPINHash(r.Context(), userID, string(hash)); err != nil {
		logError(r, err, logger.Fields{"userId": userID})
		writeJSON(w, http.StatusInternalServerError, commons.ErrorResponse[struct{}]("failed to set transaction pin"))
		logResponse(r, http.StatusInternalServerError, start)
		return
	}

	writeJSON(w, http.StatusOK, commons.SuccessResponse("transaction pin set", struct{}{}))
	logResponse(r, http.StatusOK, start)
}

func mapTransaction(txn *domain.Transaction) models.TransactionResponse {
	return models.TransactionResponse{
		ID:            txn.ID,
		Direction:     string(txn.Direction),
		Status:        string(txn.Status),
		AmountCents:   txn.Principal.Cents,
		Currency:      string(txn.Principal.Currency),
		Rate:          txn.Rate.Rate.String(),
		RateExpiresAt: txn.Rate.ExpiresAt,
		FailureReason: txn.FailureReason,
		CreatedAt:     txn.CreatedAt,
		UpdatedAt:     txn.UpdatedAt,
	}
}
