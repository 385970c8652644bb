package domain

import (
	"errors"
	"fmt"
)

var ErrRecordNotFound = errors.New("Record not found")
var ErrInvalidTransition = errors.New("invalid status transition")
var ErrTransactionTerminal = errors.New("transaction is terminal")
var ErrCurrencyMismatch = errors.New("currency mismatch")
var ErrEvidenceOutOfOrder = errors.New("evidence recorded out of sequence")
var ErrInvalidAmount = errors.New("amount must be greater than zero")

// PermanentError marks a gateway failure that must not be retried, such as an
// explicit rejection code from the provider.
type PermanentError struct {
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewPermanentError(code, message string) *PermanentError {
	return &PermanentError{Code: code, Message: message}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
