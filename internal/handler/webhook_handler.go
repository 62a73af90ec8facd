package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"transfer-saga/internal/errors"
	"transfer-saga/internal/service"
)

type WebhookHandler struct {
	webhookService *service.WebhookService
}

func NewWebhookHandler(webhookService *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

type WebhookResponse struct {
	Outcome       service.WebhookOutcome `json:"outcome"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Status        string                 `json:"status,omitempty"`
}

// GatewayEvent verifies the raw body before decoding it.
func (h *WebhookHandler) GatewayEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "unable to read request body"))
		return
	}

	if err := h.webhookService.VerifySignature(body, r.Header.Get(headerSignature)); err != nil {
		handleError(w, err)
		return
	}

	var hook service.GatewayWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
		return
	}

	result, err := h.webhookService.Handle(r.Context(), hook)
	if err != nil {
		handleError(w, err)
		return
	}

	response := WebhookResponse{Outcome: result.Outcome}
	if result.Transaction != nil {
		response.TransactionID = result.Transaction.ID.String()
		response.Status = string(result.Transaction.Status)
	}
	writeJSON(w, http.StatusOK, response)
}
