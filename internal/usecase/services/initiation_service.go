package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

var ErrInvalidPIN = errors.New("transaction pin is incorrect")

type Limits struct {
	DepositMinKESCents    int64
	DepositMaxKESCents    int64
	WithdrawalMinUSDCents int64
	WithdrawalMaxUSDCents int64
}

type InitiationService struct {
	transactionRepo domain.TransactionRepository
	rateService     *RateService
	secretStore     domain.SecretStore
	publisher       domain.Publisher
	limits          Limits
	rateLockTTL     time.Duration
	verificationTTL time.Duration
}

func NewInitiationService(
	transactionRepo domain.TransactionRepository,
	rateService *RateService,
	secretStore domain.SecretStore,
	publisher domain.Publisher,
	limits Limits,
	rateLockTTL time.Duration,
	verificationTTL time.Duration,
) *InitiationService {
	return &InitiationService{
		transactionRepo: transactionRepo,
		rateService:     rateService,
		secretStore:     secretStore,
		publisher:       publisher,
		limits:          limits,
		rateLockTTL:     rateLockTTL,
		verificationTTL: verificationTTL,
	}
}

type DepositCommand struct {
	UserID         string
	PhoneNumber    string
	AmountKESCents int64
	IdempotencyKey string
}

type WithdrawalCommand struct {
	UserID         string
	PhoneNumber    string
	AmountUSDCents int64
	IdempotencyKey string
	PIN            string
	PINHash        string
}

// InitiateDeposit creates the PENDING deposit and emits the first step
// message. A repeated command with the same idempotency key returns the
// existing transaction unchanged and publishes nothing.
func (s *InitiationService) InitiateDeposit(ctx context.Context, cmd DepositCommand) (*domain.Transaction, error) {
	logger.Info("initiation service deposit request", logger.Fields{
		"userId":         cmd.UserID,
		"amountKesCents": cmd.AmountKESCents,
	})

	if err := s.validateCommon(cmd.UserID, cmd.PhoneNumber, cmd.IdempotencyKey); err != nil {
		return nil, err
	}
	if cmd.AmountKESCents < s.limits.DepositMinKESCents || cmd.AmountKESCents > s.limits.DepositMaxKESCents {
		return nil, fmt.Errorf("deposit amount out of range [%d, %d] KES cents",
			s.limits.DepositMinKESCents, s.limits.DepositMaxKESCents)
	}

	if existing, err := s.findExisting(ctx, cmd.UserID, cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	principal, err := domain.NewMoney(domain.CurrencyKES, cmd.AmountKESCents)
	if err != nil {
		return nil, err
	}

	rate, err := s.rateService.LockCurrentRate(ctx, domain.CurrencyUSD, domain.CurrencyKES, s.rateLockTTL)
	if err != nil {
		return nil, err
	}

	txn, err := domain.NewDeposit(cmd.UserID, cmd.PhoneNumber, principal, rate, cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	return s.persistAndPublish(ctx, txn, nil)
}

// InitiateWithdrawal verifies the transaction PIN, creates the PENDING
// withdrawal, issues the single-use verification code, and emits the first
// step message carrying the secret-store key.
func (s *InitiationService) InitiateWithdrawal(ctx context.Context, cmd WithdrawalCommand) (*domain.Transaction, error) {
	logger.Info("initiation service withdrawal request", logger.Fields{
		"userId":         cmd.UserID,
		"amountUsdCents": cmd.AmountUSDCents,
	})

	if err := s.validateCommon(cmd.UserID, cmd.PhoneNumber, cmd.IdempotencyKey); err != nil {
		return nil, err
	}
	if cmd.AmountUSDCents < s.limits.WithdrawalMinUSDCents || cmd.AmountUSDCents > s.limits.WithdrawalMaxUSDCents {
		return nil, fmt.Errorf("withdrawal amount out of range [%d, %d] USD cents",
			s.limits.WithdrawalMinUSDCents, s.limits.WithdrawalMaxUSDCents)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cmd.PINHash), []byte(cmd.PIN)); err != nil {
		return nil, ErrInvalidPIN
	}

	if existing, err := s.findExisting(ctx, cmd.UserID, cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	principal, err := domain.NewMoney(domain.CurrencyUSD, cmd.AmountUSDCents)
	if err != nil {
		return nil, err
	}

	rate, err := s.rateService.LockCurrentRate(ctx, domain.CurrencyUSD, domain.CurrencyKES, s.rateLockTTL)
	if err != nil {
		return nil, err
	}

	txn, err := domain.NewWithdrawal(cmd.UserID, cmd.PhoneNumber, principal, rate, cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	code, err := generateVerificationCode()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	if err := s.secretStore.Store(ctx, txn.ID, code, s.verificationTTL); err != nil {
		return nil, err
	}

	// Delivery of the code to the customer (SMS) happens outside this
	// service; the step message carries only the store key.
	extra := map[string]any{"verification_key": txn.ID}
	result, err := s.persistAndPublish(ctx, txn, extra)
	if err != nil {
		return nil, err
	}
	if result.ID != txn.ID {
		// A concurrent command won the insert race; the code stored under the
		// losing transaction's id would otherwise linger until its TTL.
		if _, delErr := s.secretStore.GetAndDelete(ctx, txn.ID); delErr != nil && !errors.Is(delErr, domain.ErrRecordNotFound) {
			logger.Warn("initiation service could not discard orphaned verification code", logger.Fields{
				"transactionId": txn.ID,
			})
		}
	}
	return result, nil
}

// Reverse moves a COMPLETED transaction to REVERSED. Admin/reconciliation
// path only.
func (s *InitiationService) Reverse(ctx context.Context, transactionID, reason string) (*domain.Transaction, error) {
	txn, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if err := txn.Reverse(reason); err != nil {
		return nil, err
	}

	if err := s.transactionRepo.Save(ctx, txn); err != nil {
		return nil, err
	}

	logger.Info("initiation service reversed transaction", logger.Fields{
		"transactionId": txn.ID,
		"reason":        reason,
	})

	return txn, nil
}

func (s *InitiationService) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.transactionRepo.GetByID(ctx, id)
}

func (s *InitiationService) validateCommon(userID, phoneNumber, idempotencyKey string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("userId is required")
	}
	if strings.TrimSpace(phoneNumber) == "" {
		return fmt.Errorf("phoneNumber is required")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return fmt.Errorf("idempotency key is required")
	}
	return nil
}

func (s *InitiationService) findExisting(ctx context.Context, userID, key string) (*domain.Transaction, error) {
	existing, err := s.transactionRepo.FindByIdempotencyKey(ctx, userID, key)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	logger.Info("initiation service returning existing transaction for idempotency key", logger.Fields{
		"transactionId": existing.ID,
		"userId":        userID,
	})
	return existing, nil
}

func (s *InitiationService) persistAndPublish(ctx context.Context, txn *domain.Transaction, extra map[string]any) (*domain.Transaction, error) {
	if err := s.transactionRepo.Save(ctx, txn); err != nil {
		if isUniqueViolation(err) {
			// A concurrent command with the same key won the insert race;
			// return its transaction unchanged.
			existing, findErr := s.transactionRepo.FindByIdempotencyKey(ctx, txn.UserID, txn.IdempotencyKey)
			if findErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, event := range txn.DrainEvents() {
		body := map[string]any{"transaction_id": event.TransactionID}
		for key, value := range event.Payload {
			body[key] = value
		}
		for key, value := range extra {
			body[key] = value
		}
		if err := s.publisher.Publish(ctx, event.Topic, body); err != nil {
			logger.Error("initiation service event publish failed", err, logger.Fields{
				"topic":         event.Topic,
				"transactionId": event.TransactionID,
			})
		}
	}

	return txn, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == "23505"
	}
	return false
}

func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
