package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/http/models"
	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
)

// mpesaAck is what Daraja expects back for any delivered callback. Returning
// a non-zero code makes the provider retry, so the only time we decline is
// when the payload cannot be parsed at all.
type mpesaAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type CallbackController struct {
	transactionRepo domain.TransactionRepository
	publisher       domain.Publisher
}

func NewCallbackController(transactionRepo domain.TransactionRepository, publisher domain.Publisher) *CallbackController {
	return &CallbackController{transactionRepo: transactionRepo, publisher: publisher}
}

func (c *CallbackController) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/callbacks/mpesa/stk", c.stkCallback)
}

func (c *CallbackController) stkCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var envelope models.StkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusBadRequest, mpesaAck{ResultCode: 1, ResultDesc: "Invalid payload"})
		logResponse(r, http.StatusBadRequest, start)
		return
	}
	callback := envelope.Body.StkCallback
	logRequest(r, callback)

	if err := callback.Validate(); err != nil {
		logError(r, err, nil)
		writeJSON(w, http.StatusBadRequest, mpesaAck{ResultCode: 1, ResultDesc: "Invalid payload"})
		logResponse(r, http.StatusBadRequest, start)
		return
	}

	txn, err := c.transactionRepo.FindByMpesaCheckoutID(r.Context(), callback.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			// Unknown correlation id. Ack so the provider stops retrying a
			// callback we will never be able to route.
			logger.Warn("mpesa callback for unknown checkout request", logger.Fields{
				"checkoutRequestId": callback.CheckoutRequestID,
			})
			writeJSON(w, http.StatusOK, mpesaAck{ResultCode: 0, ResultDesc: "Accepted"})
			logResponse(r, http.StatusOK, start)
			return
		}
		logError(r, err, logger.Fields{"checkoutRequestId": callback.CheckoutRequestID})
		writeJSON(w, http.StatusInternalServerError, mpesaAck{ResultCode: 1, ResultDesc: "Temporary failure"})
		logResponse(r, http.StatusInternalServerError, start)
		return
	}

	message := messaging.ConfirmationMessage{
		TransactionID:     txn.ID,
		CheckoutRequestID: callback.CheckoutRequestID,
		MerchantRequestID: callback.MerchantRequestID,
		ResultCode:        callback.ResultCode,
		ResultDesc:        callback.ResultDesc,
		MpesaReceipt:      callback.MetaString("MpesaReceiptNumber"),
		PhoneNumber:       callback.MetaString("PhoneNumber"),
		AmountKESCents:    callback.MetaAmountCents(),
		ReceivedAt:        time.Now().UTC(),
	}

	if err := c.publisher.Publish(r.Context(), domain.TopicDepositConfirmationReceived, message); err != nil {
		// Let the provider redeliver; the confirmation worker is idempotent.
		logError(r, err, logger.Fields{"transactionId": txn.ID})
		writeJSON(w, http.StatusInternalServerError, mpesaAck{ResultCode: 1, ResultDesc: "Temporary failure"})
		logResponse(r, http.StatusInternalServerError, start)
		return
	}

	logger.Info("mpesa callback accepted", logger.Fields{
		"transactionId":     txn.ID,
		"checkoutRequestId": callback.CheckoutRequestID,
		"resultCode":        callback.ResultCode,
	})
	writeJSON(w, http.StatusOK, mpesaAck{ResultCode: 0, ResultDesc: "Accepted"})
	logResponse(r, http.StatusOK, start)
}
