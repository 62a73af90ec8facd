package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/service"
)

type TransactionHandler struct {
	transferService *service.TransferService
}

func NewTransactionHandler(transferService *service.TransferService) *TransactionHandler {
	return &TransactionHandler{
		transferService: transferService,
	}
}

type CreateTransferRequest struct {
	SenderAccountNumber   string                 `json:"sender_account_number"`
	ReceiverAccountNumber string                 `json:"receiver_account_number"`
	Amount                string                 `json:"amount"`
	Type                  domain.TransactionType `json:"type"`
	Description           string                 `json:"description"`
	DeviceFingerprint     string                 `json:"device_fingerprint"`
}

type VerifyOTPRequest struct {
	OTP string `json:"otp"`
}

type VerifyDeviceRequest struct {
	DeviceID  string `json:"device_id"`
	Signature string `json:"signature"`
}

// VerifyFaceRequest carries the captured image as base64 in JSON.
type VerifyFaceRequest struct {
	FaceImage []byte `json:"face_image"`
}

type FaceVerifiedRequest struct {
	Verified bool `json:"verified"`
}

type DepositRequest struct {
	ReceiverAccountNumber string `json:"receiver_account_number"`
	Amount                string `json:"amount"`
	Description           string `json:"description"`
}

type TransferResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Challenge   *domain.Challenge   `json:"challenge,omitempty"`
}

func parseAmount(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid amount format"))
		return decimal.Zero, false
	}
	return amount, true
}

// transferStatus maps a saga outcome to the response code: 202 while a
// challenge or the gateway is outstanding, 200 once terminal.
func transferStatus(tx *domain.Transaction) int {
	if tx.Status.Terminal() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (h *TransactionHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	result, err := h.transferService.CreateTransfer(r.Context(), service.TransferRequest{
		SenderAccountNumber:   req.SenderAccountNumber,
		ReceiverAccountNumber: req.ReceiverAccountNumber,
		Amount:                amount,
		Type:                  req.Type,
		Description:           req.Description,
		IdempotencyKey:        r.Header.Get(headerIdempotencyKey),
		CallerUserID:          callerUserID(r),
		DeviceFingerprint:     req.DeviceFingerprint,
		IPAddress:             clientIP(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Challenge != nil || !result.Transaction.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, TransferResponse{Transaction: result.Transaction, Challenge: result.Challenge})
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	result, err := h.transferService.GetTransaction(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransferResponse{Transaction: result.Transaction, Challenge: result.Challenge})
}

func (h *TransactionHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req VerifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.transferService.VerifyOTP(r.Context(), id, req.OTP, callerUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, transferStatus(tx), TransferResponse{Transaction: tx})
}

func (h *TransactionHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req VerifyDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.transferService.VerifyDeviceSignature(r.Context(), id, req.DeviceID, req.Signature, callerUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, transferStatus(tx), TransferResponse{Transaction: tx})
}

func (h *TransactionHandler) VerifyFace(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req VerifyFaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.transferService.VerifyFace(r.Context(), id, req.FaceImage, callerUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, transferStatus(tx), TransferResponse{Transaction: tx})
}

// FaceVerified is the identity service's asynchronous callback.
func (h *TransactionHandler) FaceVerified(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req FaceVerifiedRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.transferService.CompleteFaceVerification(r.Context(), id, req.Verified)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, transferStatus(tx), TransferResponse{Transaction: tx})
}

func (h *TransactionHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	challenge, err := h.transferService.ResendOTP(r.Context(), id, callerUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (h *TransactionHandler) AdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	tx, err := h.transferService.AdminDeposit(r.Context(), service.DepositRequest{
		ReceiverAccountNumber: req.ReceiverAccountNumber,
		Amount:                amount,
		Description:           req.Description,
		IdempotencyKey:        r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferResponse{Transaction: tx})
}
