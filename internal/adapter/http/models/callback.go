package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StkCallbackEnvelope is the Daraja STK push result shape.
type StkCallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []StkCallbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type StkCallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

func (c StkCallback) Validate() error {
	if strings.TrimSpace(c.CheckoutRequestID) == "" {
		return fmt.Errorf("CheckoutRequestID is required")
	}
	return nil
}

// MetaString extracts a named metadata item as a string regardless of the
// JSON type the provider used.
func (c StkCallback) MetaString(name string) string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != name {
			continue
		}
		var asString string
		if err := json.Unmarshal(item.Value, &asString); err == nil {
			return asString
		}
		var asNumber json.Number
		if err := json.Unmarshal(item.Value, &asNumber); err == nil {
			return asNumber.String()
		}
	}
	return ""
}

// MetaAmountCents extracts the Amount item, converting shillings to cents.
func (c StkCallback) MetaAmountCents() int64 {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != "Amount" {
			continue
		}
		var amount float64
		if err := json.Unmarshal(item.Value, &amount); err == nil {
			return int64(amount*100 + 0.5)
		}
	}
	return 0
}
