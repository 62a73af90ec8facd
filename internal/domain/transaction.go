package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	InternalTransfer TransactionType = "INTERNAL_TRANSFER"
	ExternalTransfer TransactionType = "EXTERNAL_TRANSFER"
	Deposit          TransactionType = "DEPOSIT"
)

func (t TransactionType) Valid() bool {
	switch t {
	case InternalTransfer, ExternalTransfer, Deposit:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPendingOTP        TransactionStatus = "PENDING_OTP"
	StatusPendingSmartOTP   TransactionStatus = "PENDING_SMART_OTP"
	StatusPending           TransactionStatus = "PENDING"
	StatusDebitCompleted    TransactionStatus = "DEBIT_COMPLETED"
	StatusExternalInitiated TransactionStatus = "EXTERNAL_INITIATED"
	StatusCompleted         TransactionStatus = "COMPLETED"
	StatusFailed            TransactionStatus = "FAILED"
	StatusOTPExpired        TransactionStatus = "OTP_EXPIRED"
	StatusRollbackCompleted TransactionStatus = "ROLLBACK_COMPLETED"
	StatusRollbackFailed    TransactionStatus = "ROLLBACK_FAILED"
)

// Terminal reports whether the status is final for the saga.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRollbackCompleted, StatusRollbackFailed:
		return true
	}
	return false
}

// SagaStep marks the last durable step of the transfer saga.
type SagaStep string

const (
	StepStarted           SagaStep = "STARTED"
	StepOTPVerified       SagaStep = "OTP_VERIFIED"
	StepDebitCompleted    SagaStep = "DEBIT_COMPLETED"
	StepExternalInitiated SagaStep = "EXTERNAL_INITIATED"
	StepCompleted         SagaStep = "COMPLETED"
	StepFailed            SagaStep = "FAILED"
	StepRollbackCompleted SagaStep = "ROLLBACK_COMPLETED"
	StepRollbackFailed    SagaStep = "ROLLBACK_FAILED"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Virtual sender numbers for money entering the ledger from outside.
const (
	AdminDepositSender = "ADMIN_DEPOSIT"
	GatewayTopupSender = "GATEWAY_TOPUP"
)

type Transaction struct {
	ID                    uuid.UUID         `json:"transaction_id"`
	IdempotencyKey        *string           `json:"idempotency_key,omitempty"`
	SenderAccountID       *uuid.UUID        `json:"sender_account_id,omitempty"`
	SenderAccountNumber   string            `json:"sender_account_number"`
	SenderUserID          *uuid.UUID        `json:"sender_user_id,omitempty"`
	ReceiverAccountID     *uuid.UUID        `json:"receiver_account_id,omitempty"`
	ReceiverAccountNumber string            `json:"receiver_account_number"`
	ReceiverUserID        *uuid.UUID        `json:"receiver_user_id,omitempty"`
	Amount                decimal.Decimal   `json:"amount"`
	Fee                   decimal.Decimal   `json:"fee"`
	Type                  TransactionType   `json:"type"`
	Status                TransactionStatus `json:"status"`
	Description           string            `json:"description,omitempty"`
	RiskLevel             RiskLevel         `json:"risk_level,omitempty"`
	RiskScore             int               `json:"risk_score"`
	ChallengeType         ChallengeType     `json:"challenge_type"`
	ChallengeID           string            `json:"challenge_id,omitempty"`
	CorrelationID         uuid.UUID         `json:"correlation_id"`
	SagaStep              SagaStep          `json:"saga_step"`
	GatewayIdempotencyKey string            `json:"-"`
	GatewayTransferID     string            `json:"gateway_transfer_id,omitempty"`
	GatewayTransferStatus string            `json:"gateway_transfer_status,omitempty"`
	GatewayFailureCode    string            `json:"gateway_failure_code,omitempty"`
	GatewayFailureMessage string            `json:"gateway_failure_message,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	WebhookReceivedAt     *time.Time        `json:"webhook_received_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// Direction filters transaction history relative to one account.
type Direction string

const (
	DirectionSent     Direction = "SENT"
	DirectionReceived Direction = "RECEIVED"
	DirectionAll      Direction = "ALL"
)

type Page struct {
	Number int
	Size   int
}

func (p Page) Offset() int {
	return p.Number * p.Size
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// GetTransactionByIdempotencyKey returns nil, nil when no transaction carries the key.
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	GetTransactionByGatewayTransferID(ctx context.Context, transferID string) (*Transaction, error)
	GetTransactionByGatewayIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// UpdateTransaction persists tx only if its stored status still equals expected.
	UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error
	ListTransactions(ctx context.Context, accountNumber string, direction Direction, page Page) ([]*Transaction, int64, error)
	ListStaleTransactions(ctx context.Context, status TransactionStatus, updatedBefore time.Time, limit int) ([]*Transaction, error)
}
