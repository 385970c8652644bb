package domain

import "context"

// TransactionRepository must be read-your-writes consistent: a Save followed
// by a GetByID from any worker observes the saved state.
type TransactionRepository interface {
	GetByID(ctx context.Context, id string) (*Transaction, error)
	Save(ctx context.Context, txn *Transaction) error
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Transaction, error)
	FindByMpesaCheckoutID(ctx context.Context, checkoutRequestID string) (*Transaction, error)
}
