package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var phonePattern = regexp.MustCompile(`^254[17]\d{8}$`)

type InitiateDepositRequest struct {
	UserID         string `json:"userId"`
	PhoneNumber    string `json:"phoneNumber"`
	AmountKESCents int64  `json:"amountKesCents"`
}

func (r InitiateDepositRequest) Validate() error {
	var errs []string
	if strings.TrimSpace(r.UserID) == "" {
		errs = append(errs, "userId is required")
	}
	if !phonePattern.MatchString(strings.TrimSpace(r.PhoneNumber)) {
		errs = append(errs, "phoneNumber must be a valid 254 msisdn")
	}
	if r.AmountKESCents <= 0 {
		errs = append(errs, "amountKesCents must be greater than zero")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type InitiateWithdrawalRequest struct {
	UserID         string `json:"userId"`
	PhoneNumber    string `json:"phoneNumber"`
	AmountUSDCents int64  `json:"amountUsdCents"`
	TransactionPIN string `json:"transactionPIN"`
}

func (r InitiateWithdrawalRequest) Validate() error {
	var errs []string
	if strings.TrimSpace(r.UserID) == "" {
		errs = append(errs, "userId is required")
	}
	if !phonePattern.MatchString(strings.TrimSpace(r.PhoneNumber)) {
		errs = append(errs, "phoneNumber must be a valid 254 msisdn")
	}
	if r.AmountUSDCents <= 0 {
		errs = append(errs, "amountUsdCents must be greater than zero")
	}
	if strings.TrimSpace(r.TransactionPIN) == "" {
		errs = append(errs, "transactionPIN is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

type TransactionResponse struct {
	ID            string    `json:"id"`
	Direction     string    `json:"direction"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amountCents"`
	Currency      string    `json:"currency"`
	Rate          string    `json:"rate"`
	RateExpiresAt time.Time `json:"rateExpiresAt"`
	FailureReason *string   `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type ReverseTransactionRequest struct {
	Reason string `json:"reason"`
}

func (r ReverseTransactionRequest) Validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("reason is required")
	}
	return nil
}

var pinPattern = regexp.MustCompile(`^\d{4,6}$`)

type SetTransactionPINRequest struct {
	TransactionPIN string `json:"transactionPIN"`
}

func (r SetTransactionPINRequest) Validate() error {
	if !pinPattern.MatchString(r.TransactionPIN) {
		return errors.New("transactionPIN must be 4 to 6 digits")
	}
	return nil
}
