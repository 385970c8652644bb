package saga_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/usecase/saga"
)

// fastConfig keeps retry backoff negligible in tests.
func fastConfig() saga.Config {
	return saga.Config{
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
		PayoutMaxRetries: 5,
		LedgerAccountID:  "acct-77",
	}
}

type fakeRepo struct {
	mu        sync.Mutex
	byID      map[string]*domain.Transaction
	saveCalls int
	saveErr   error
}

func newFakeRepo(txns ...*domain.Transaction) *fakeRepo {
	r := &fakeRepo{byID: make(map[string]*domain.Transaction)}
	for _, txn := range txns {
		r.byID[txn.ID] = txn
	}
	return r
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return txn, nil
}

func (r *fakeRepo) Save(_ context.Context, txn *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.byID[txn.ID] = txn
	return nil
}

func (r *fakeRepo) FindByIdempotencyKey(_ context.Context, userID, key string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.byID {
		if txn.UserID == userID && txn.IdempotencyKey == key {
			return txn, nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

func (r *fakeRepo) FindByMpesaCheckoutID(_ context.Context, checkoutID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.byID {
		if txn.MpesaCheckoutRequestID != nil && *txn.MpesaCheckoutRequestID == checkoutID {
			return txn, nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.topic)
	}
	return out
}

type fakeMpesa struct {
	chargeCalls int
	chargeFn    func() (domain.ChargeResponse, error)
	payoutCalls int
	payoutFn    func() (domain.PayoutResponse, error)
}

func (m *fakeMpesa) InitiateCharge(context.Context, domain.ChargeRequest) (domain.ChargeResponse, error) {
	m.chargeCalls++
	if m.chargeFn != nil {
		return m.chargeFn()
	}
	return domain.ChargeResponse{CheckoutRequestID: "ws_CO_1", MerchantRequestID: "mr_1"}, nil
}

func (m *fakeMpesa) Payout(context.Context, domain.PayoutRequest) (domain.PayoutResponse, error) {
	m.payoutCalls++
	if m.payoutFn != nil {
		return m.payoutFn()
	}
	return domain.PayoutResponse{ConversationID: "AG_1", OriginatorConversationID: "OC_1"}, nil
}

type fakeCreditGateway struct {
	calls    int
	lastReq  domain.LedgerTransferRequest
	creditFn func() (domain.LedgerTransferResult, error)
}

func (g *fakeCreditGateway) Credit(_ context.Context, req domain.LedgerTransferRequest) (domain.LedgerTransferResult, error) {
	g.calls++
	g.lastReq = req
	if g.creditFn != nil {
		return g.creditFn()
	}
	return domain.LedgerTransferResult{ProviderTransferID: "tr-1", ProviderTxnID: "txn-1", AmountUSDCents: req.AmountUSDCents}, nil
}

type fakeDebitGateway struct {
	calls   int
	lastReq domain.LedgerTransferRequest
	debitFn func() (domain.LedgerTransferResult, error)
}

func (g *fakeDebitGateway) Debit(_ context.Context, req domain.LedgerTransferRequest) (domain.LedgerTransferResult, error) {
	g.calls++
	g.lastReq = req
	if g.debitFn != nil {
		return g.debitFn()
	}
	return domain.LedgerTransferResult{ProviderTransferID: "tr-2", ProviderTxnID: "txn-2", AmountUSDCents: req.AmountUSDCents}, nil
}

type fakeSecrets struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{values: make(map[string]string)}
}

func (s *fakeSecrets) Store(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *fakeSecrets) GetAndDelete(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", domain.ErrRecordNotFound
	}
	delete(s.values, key)
	return value, nil
}

func lockedRate(t *testing.T) domain.LockedRate {
	t.Helper()
	rate, err := domain.NewLockedRate(domain.CurrencyUSD, domain.CurrencyKES,
		decimal.RequireFromString("150.00"), time.Now().UTC(), 15*time.Minute)
	require.NoError(t, err)
	return rate
}

func newDeposit(t *testing.T) *domain.Transaction {
	t.Helper()
	principal, err := domain.NewMoney(domain.CurrencyKES, 150000)
	require.NoError(t, err)
	txn, err := domain.NewDeposit("user-1", "254712345678", principal, lockedRate(t), "idem-dep")
	require.NoError(t, err)
	txn.DrainEvents()
	return txn
}

func newWithdrawal(t *testing.T) *domain.Transaction {
	t.Helper()
	principal, err := domain.NewMoney(domain.CurrencyUSD, 1000)
	require.NoError(t, err)
	txn, err := domain.NewWithdrawal("user-1", "254712345678", principal, lockedRate(t), "idem-wd")
	require.NoError(t, err)
	txn.DrainEvents()
	return txn
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}
