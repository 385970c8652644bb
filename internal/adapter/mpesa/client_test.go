package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
)

type darajaStub struct {
	tokenRequests int
	stkRequests   []map[string]any
	b2cRequests   []map[string]any
	stkResponse   map[string]any
	b2cResponse   map[string]any
}

func newDarajaServer(t *testing.T, stub *darajaStub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		stub.tokenRequests++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key-1" || pass != "secret-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		stub.stkRequests = append(stub.stkRequests, body)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(stub.stkResponse)
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		stub.b2cRequests = append(stub.b2cRequests, body)
		_ = json.NewEncoder(w).Encode(stub.b2cResponse)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:            baseURL,
		ConsumerKey:        "key-1",
		ConsumerSecret:     "secret-1",
		ShortCode:          "174379",
		Passkey:            "passkey",
		CallbackURL:        "https://bridge.example/api/v1/callbacks/mpesa/stk",
		InitiatorName:      "bridge",
		SecurityCredential: "cred",
	})
}

func TestInitiateChargeSendsWholeShillings(t *testing.T) {
	stub := &darajaStub{stkResponse: map[string]any{
		"CheckoutRequestID": "ws_CO_1",
		"MerchantRequestID": "mr_1",
		"ResponseCode":      "0",
	}}
	server := newDarajaServer(t, stub)
	client := testClient(server.URL)

	resp, err := client.InitiateCharge(context.Background(), domain.ChargeRequest{
		PhoneNumber:    "254712345678",
		AmountKESCents: 150000,
		Reference:      "txn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)
	assert.Equal(t, "mr_1", resp.MerchantRequestID)

	require.Len(t, stub.stkRequests, 1)
	sent := stub.stkRequests[0]
	assert.Equal(t, "1500", sent["Amount"], "Daraja takes whole shillings, not cents")
	assert.Equal(t, "254712345678", sent["PhoneNumber"])
	assert.Equal(t, "txn-1", sent["AccountReference"])
	assert.NotEmpty(t, sent["Password"])
}

func TestInitiateChargeRejectedResponseCode(t *testing.T) {
	stub := &darajaStub{stkResponse: map[string]any{
		"ResponseCode":        "1",
		"ResponseDescription": "Invalid shortcode",
	}}
	server := newDarajaServer(t, stub)
	client := testClient(server.URL)

	_, err := client.InitiateCharge(context.Background(), domain.ChargeRequest{
		PhoneNumber: "254712345678", AmountKESCents: 150000, Reference: "txn-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid shortcode")
}

func TestInitiateChargeMissingCheckoutIDIsFailure(t *testing.T) {
	stub := &darajaStub{stkResponse: map[string]any{"ResponseCode": "0"}}
	server := newDarajaServer(t, stub)
	client := testClient(server.URL)

	_, err := client.InitiateCharge(context.Background(), domain.ChargeRequest{
		PhoneNumber: "254712345678", AmountKESCents: 150000, Reference: "txn-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing checkout request id")
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	stub := &darajaStub{
		stkResponse: map[string]any{"CheckoutRequestID": "ws_CO_1", "MerchantRequestID": "mr_1", "ResponseCode": "0"},
		b2cResponse: map[string]any{"ConversationID": "AG_1", "OriginatorConversationID": "OC_1", "ResponseCode": "0"},
	}
	server := newDarajaServer(t, stub)
	client := testClient(server.URL)

	_, err := client.InitiateCharge(context.Background(), domain.ChargeRequest{
		PhoneNumber: "254712345678", AmountKESCents: 150000, Reference: "txn-1",
	})
	require.NoError(t, err)

	_, err = client.Payout(context.Background(), domain.PayoutRequest{
		PhoneNumber: "254712345678", AmountKESCents: 150000, Reference: "txn-2",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stub.tokenRequests, "the oauth token is fetched once and reused")
}

func TestPayoutRejectedResponseCode(t *testing.T) {
	stub := &darajaStub{b2cResponse: map[string]any{
		"ResponseCode":        "1",
		"ResponseDescription": "Initiator not allowed",
	}}
	server := newDarajaServer(t, stub)
	client := testClient(server.URL)

	_, err := client.Payout(context.Background(), domain.PayoutRequest{
		PhoneNumber: "254712345678", AmountKESCents: 150000, Reference: "txn-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Initiator not allowed")
}

func TestKesAmountRounding(t *testing.T) {
	assert.Equal(t, "1500", kesAmount(150000))
	assert.Equal(t, "100", kesAmount(10049))
	assert.Equal(t, "101", kesAmount(10050))
}
