package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	CallbackURL        string
	InitiatorName      string
	SecurityCredential string
}

// Client talks to the Daraja API: OAuth token caching, STK push charges and
// B2C payouts.
type Client struct {
	cfg        Config
	httpClient *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) InitiateCharge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return domain.ChargeResponse{}, err
	}

	timestamp := time.Now().UTC().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))

	payload := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            kesAmount(req.AmountKESCents),
		"PartyA":            req.PhoneNumber,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       req.PhoneNumber,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  req.Reference,
		"TransactionDesc":   "Deposit",
	}

	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		MerchantRequestID string `json:"MerchantRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &resp); err != nil {
		return domain.ChargeResponse{}, err
	}

	if resp.ResponseCode != "0" {
		return domain.ChargeResponse{}, fmt.Errorf("stk push rejected: %s", resp.ResponseDesc)
	}
	if resp.CheckoutRequestID == "" {
		return domain.ChargeResponse{}, fmt.Errorf("stk push response missing checkout request id")
	}

	logger.Info("mpesa stk push accepted", logger.Fields{
		"checkoutRequestId": resp.CheckoutRequestID,
		"reference":         req.Reference,
	})

	return domain.ChargeResponse{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
	}, nil
}

func (c *Client) Payout(ctx context.Context, req domain.PayoutRequest) (domain.PayoutResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return domain.PayoutResponse{}, err
	}

	payload := map[string]any{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             kesAmount(req.AmountKESCents),
		"PartyA":             c.cfg.ShortCode,
		"PartyB":             req.PhoneNumber,
		"Remarks":            req.Reference,
		"QueueTimeOutURL":    c.cfg.CallbackURL,
		"ResultURL":          c.cfg.CallbackURL,
		"Occasion":           "Withdrawal",
	}

	var resp struct {
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ResponseCode             string `json:"ResponseCode"`
		ResponseDesc             string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", token, payload, &resp); err != nil {
		return domain.PayoutResponse{}, err
	}

	if resp.ResponseCode != "0" {
		return domain.PayoutResponse{}, fmt.Errorf("b2c payout rejected: %s", resp.ResponseDesc)
	}
	if resp.ConversationID == "" {
		return domain.PayoutResponse{}, fmt.Errorf("b2c payout response missing conversation id")
	}

	logger.Info("mpesa b2c payout accepted", logger.Fields{
		"conversationId": resp.ConversationID,
		"reference":      req.Reference,
	})

	return domain.PayoutResponse{
		ConversationID:           resp.ConversationID,
		OriginatorConversationID: resp.OriginatorConversationID,
	}, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mpesa request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create mpesa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send mpesa request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read mpesa response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mpesa request failed with status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal mpesa response: %w", err)
	}

	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create oauth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch mpesa oauth token: %w", err)
	}
	defer resp.Body.Close()

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode mpesa oauth response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("mpesa oauth response missing access token")
	}

	c.accessToken = tokenResp.AccessToken
	// Daraja tokens last an hour; refresh a minute early.
	c.tokenExpiry = time.Now().Add(59 * time.Minute)

	return c.accessToken, nil
}

// kesAmount renders cents as whole shillings the way Daraja expects.
func kesAmount(cents int64) string {
	return decimal.New(cents, -2).Round(0).String()
}
