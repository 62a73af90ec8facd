package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/metrics"
)

// GatewayWebhook is the payment gateway's asynchronous transfer callback.
// EventType is optional for transfer callbacks; without it the outcome is
// read from Status.
type GatewayWebhook struct {
	EventID        string `json:"event_id,omitempty"`
	EventType      string `json:"event_type,omitempty"`
	TransferID     string `json:"transfer_id"`
	TransactionID  string `json:"transaction_id,omitempty"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Top-up fields, set only on TOPUP_COMPLETED.
	AccountNumber string          `json:"account_number,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
}

// kind resolves which callback this is, or "" when it cannot be told.
func (h GatewayWebhook) kind() string {
	switch h.EventType {
	case domain.EventWebhookTransferCompleted, domain.EventWebhookTransferFailure, domain.EventWebhookTopupCompleted:
		return h.EventType
	case "":
	default:
		return ""
	}
	switch strings.ToLower(h.Status) {
	case "paid", "succeeded", "completed", "success":
		return domain.EventWebhookTransferCompleted
	case "failed", "failure", "canceled", "cancelled", "reversed", "declined":
		return domain.EventWebhookTransferFailure
	}
	return ""
}

type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"

	// webhookRedelivered is recorded in addition to the final outcome when
	// the filter has probably seen the delivery before.
	webhookRedelivered = "redelivered"
)

type WebhookResult struct {
	Outcome     WebhookOutcome      `json:"outcome"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

type WebhookConfig struct {
	Secret string
	// ExpectedDeliveries sizes the redelivery filter.
	ExpectedDeliveries uint
}

// WebhookService reconciles external transfers with the gateway's callbacks.
// Concurrent deliveries for one transfer are coalesced, and every state change
// is guarded by the transaction's current status, so a redelivered callback
// never produces a second transition or a second refund.
type WebhookService struct {
	store     domain.Store
	transfers *TransferService
	outbox    *OutboxService
	secret    []byte
	collector metrics.Collector
	group     singleflight.Group
	seenMu    sync.Mutex
	seen      *bloom.BloomFilter
	now       func() time.Time
	logger    *slog.Logger
}

func NewWebhookService(store domain.Store, transfers *TransferService, outbox *OutboxService, collector metrics.Collector, cfg WebhookConfig, logger *slog.Logger) *WebhookService {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if cfg.ExpectedDeliveries == 0 {
		cfg.ExpectedDeliveries = 100000
	}
	return &WebhookService{
		store:     store,
		transfers: transfers,
		outbox:    outbox,
		secret:    []byte(cfg.Secret),
		collector: collector,
		seen:      bloom.NewWithEstimates(cfg.ExpectedDeliveries, 0.001),
		now:       time.Now,
		logger:    logger,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of body. Without a configured
// secret every body is accepted.
func (s *WebhookService) VerifySignature(body []byte, signature string) error {
	if len(s.secret) == 0 {
		return nil
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return errors.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return errors.ErrInvalidSignature
	}
	return nil
}

func (s *WebhookService) Handle(ctx context.Context, hook GatewayWebhook) (*WebhookResult, error) {
	kind := hook.kind()
	if kind == "" {
		return nil, errors.ErrInvalidInput.WithDetails("cannot tell event from event_type " + hook.EventType + " and status " + hook.Status)
	}
	hook.EventType = kind

	if kind == domain.EventWebhookTopupCompleted {
		if hook.TransferID == "" || hook.AccountNumber == "" {
			return nil, errors.ErrInvalidInput.WithDetails("transfer_id and account_number are required")
		}
	} else if hook.TransferID == "" && hook.TransactionID == "" && hook.IdempotencyKey == "" {
		return nil, errors.ErrInvalidInput.WithDetails("transfer_id, idempotency_key or transaction_id is required")
	}

	if s.redelivered(hook) {
		s.logger.Info("Webhook delivery seen before", "event_id", hook.EventID, "transfer_id", hook.TransferID)
		s.collector.RecordWebhook(kind, webhookRedelivered)
	}

	key := hook.TransferID
	if key == "" {
		key = hook.IdempotencyKey
	}
	if key == "" {
		key = hook.TransactionID
	}
	v, err, _ := s.group.Do(key+"|"+kind, func() (interface{}, error) {
		if kind == domain.EventWebhookTopupCompleted {
			return s.topup(ctx, hook)
		}
		return s.handle(ctx, hook)
	})
	if err != nil {
		s.collector.RecordWebhook(kind, "error")
		return nil, err
	}
	result := v.(*WebhookResult)
	s.collector.RecordWebhook(kind, string(result.Outcome))
	return result, nil
}

// redelivered is only a hint; the status guards decide what happens.
func (s *WebhookService) redelivered(hook GatewayWebhook) bool {
	id := hook.EventID
	if id == "" {
		id = hook.TransferID + "|" + hook.IdempotencyKey + "|" + hook.TransactionID + "|" + hook.EventType
	}
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.seen.TestAndAdd([]byte(id))
}

// lookup tries the gateway transfer id, then the idempotency key the transfer
// was created with, then our own transaction id.
func (s *WebhookService) lookup(ctx context.Context, hook GatewayWebhook) (*domain.Transaction, error) {
	if hook.TransferID != "" {
		tx, err := s.store.Transactions().GetTransactionByGatewayTransferID(ctx, hook.TransferID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, errors.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if hook.IdempotencyKey != "" {
		tx, err := s.store.Transactions().GetTransactionByGatewayIdempotencyKey(ctx, hook.IdempotencyKey)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, errors.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if hook.TransactionID == "" {
		return nil, errors.ErrTransactionNotFound
	}
	id, err := uuid.Parse(hook.TransactionID)
	if err != nil {
		return nil, errors.ErrTransactionNotFound
	}
	return s.store.Transactions().GetTransactionByID(ctx, id)
}

func topupKey(ref string) string {
	return "gateway-topup:" + ref
}

// topup credits money the gateway collected for one of our accounts. The
// gateway's reference is the deposit's idempotency key.
func (s *WebhookService) topup(ctx context.Context, hook GatewayWebhook) (*WebhookResult, error) {
	key := topupKey(hook.TransferID)
	existing, err := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info("Duplicate top-up webhook", "transaction_id", existing.ID, "reference", hook.TransferID)
		return &WebhookResult{Outcome: WebhookDuplicate, Transaction: existing}, nil
	}

	description := hook.Description
	if description == "" {
		description = "Gateway top-up " + hook.TransferID
	}
	tx, err := s.transfers.AdminDeposit(ctx, DepositRequest{
		Sender:                domain.GatewayTopupSender,
		ReceiverAccountNumber: hook.AccountNumber,
		Amount:                hook.Amount,
		Description:           description,
		IdempotencyKey:        key,
	})
	if err != nil {
		s.logger.Warn("Top-up webhook rejected", "reference", hook.TransferID, "account_number", hook.AccountNumber, "error", err)
		return nil, err
	}
	s.logger.Info("Gateway top-up credited", "transaction_id", tx.ID, "reference", hook.TransferID, "amount", tx.Amount)
	return &WebhookResult{Outcome: WebhookProcessed, Transaction: tx}, nil
}

func (s *WebhookService) handle(ctx context.Context, hook GatewayWebhook) (*WebhookResult, error) {
	tx, err := s.lookup(ctx, hook)
	if err != nil {
		s.logger.Warn("Webhook for unknown transfer",
			"transfer_id", hook.TransferID,
			"idempotency_key", hook.IdempotencyKey,
			"transaction_id", hook.TransactionID,
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("Gateway webhook received",
		"transaction_id", tx.ID,
		"event_type", hook.EventType,
		"transfer_id", hook.TransferID,
		"status", tx.Status,
	)

	if tx.Type != domain.ExternalTransfer {
		s.logger.Warn("Webhook for non-external transaction ignored", "transaction_id", tx.ID, "type", tx.Type)
		return &WebhookResult{Outcome: WebhookIgnored, Transaction: tx}, nil
	}

	if hook.EventType == domain.EventWebhookTransferCompleted {
		return s.complete(ctx, tx, hook)
	}
	return s.failure(ctx, tx, hook)
}

func completable(tx *domain.Transaction) bool {
	switch tx.Status {
	case domain.StatusDebitCompleted:
		return true
	case domain.StatusPending:
		return tx.SagaStep == domain.StepExternalInitiated
	}
	return false
}

func (s *WebhookService) complete(ctx context.Context, tx *domain.Transaction, hook GatewayWebhook) (*WebhookResult, error) {
	if tx.Status == domain.StatusCompleted {
		s.logger.Info("Duplicate completion webhook", "transaction_id", tx.ID)
		return &WebhookResult{Outcome: WebhookDuplicate, Transaction: tx}, nil
	}
	if !completable(tx) {
		s.logger.Warn("Completion webhook for transaction that cannot complete",
			"transaction_id", tx.ID,
			"status", tx.Status,
			"saga_step", tx.SagaStep,
		)
		return &WebhookResult{Outcome: WebhookIgnored, Transaction: tx}, nil
	}

	next := *tx
	now := s.now().UTC()
	next.Status = domain.StatusCompleted
	next.SagaStep = domain.StepCompleted
	next.GatewayTransferStatus = hook.Status
	next.WebhookReceivedAt = &now
	next.CompletedAt = &now
	if next.GatewayTransferID == "" {
		next.GatewayTransferID = hook.TransferID
	}

	err := s.unit(ctx, func(uow domain.Store, stage func(*domain.OutboxEvent, error) error) error {
		if err := stage(s.outbox.Stage(ctx, uow, domain.AggregateGatewayWebhook, tx.ID.String(),
			domain.EventGatewayWebhookReceived, domain.TopicGatewayWebhook,
			routingKey(domain.EventGatewayWebhookReceived), hook)); err != nil {
			return err
		}
		if err := uow.Transactions().UpdateTransaction(ctx, &next, tx.Status); err != nil {
			return err
		}
		// usage was never recorded if the sender leg did not finish
		if tx.Status == domain.StatusDebitCompleted {
			if err := s.transfers.limits.CommitUsage(ctx, uow, *tx.SenderAccountID, tx.Amount, false); err != nil {
				return err
			}
		}
		return stage(s.outbox.StageTransferEvent(ctx, uow, &next, domain.EventTransferCompleted))
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.duplicate(ctx, tx.ID)
		}
		s.logger.Error("Failed to record transfer completion", "transaction_id", tx.ID, "error", err)
		return nil, err
	}

	s.logger.Info("External transfer completed", "transaction_id", tx.ID, "transfer_id", next.GatewayTransferID)
	s.collector.RecordTransfer(string(tx.Type), string(domain.StatusCompleted))
	return &WebhookResult{Outcome: WebhookProcessed, Transaction: &next}, nil
}

func refundable(status domain.TransactionStatus) bool {
	switch status {
	case domain.StatusPending, domain.StatusDebitCompleted, domain.StatusCompleted:
		return true
	}
	return false
}

func (s *WebhookService) failure(ctx context.Context, tx *domain.Transaction, hook GatewayWebhook) (*WebhookResult, error) {
	switch tx.Status {
	case domain.StatusFailed, domain.StatusRollbackCompleted, domain.StatusRollbackFailed:
		s.logger.Info("Duplicate failure webhook", "transaction_id", tx.ID, "status", tx.Status)
		return &WebhookResult{Outcome: WebhookDuplicate, Transaction: tx}, nil
	}
	if !refundable(tx.Status) || (tx.Status == domain.StatusPending && tx.SagaStep != domain.StepExternalInitiated) {
		s.logger.Warn("Failure webhook for transaction that was never debited",
			"transaction_id", tx.ID,
			"status", tx.Status,
			"saga_step", tx.SagaStep,
		)
		return &WebhookResult{Outcome: WebhookIgnored, Transaction: tx}, nil
	}

	// Record the callback first so it survives a crash before the refund.
	recorded := *tx
	now := s.now().UTC()
	recorded.GatewayTransferStatus = hook.Status
	recorded.GatewayFailureCode = hook.FailureCode
	recorded.GatewayFailureMessage = hook.FailureMessage
	recorded.WebhookReceivedAt = &now
	if recorded.GatewayTransferID == "" {
		recorded.GatewayTransferID = hook.TransferID
	}
	err := s.unit(ctx, func(uow domain.Store, stage func(*domain.OutboxEvent, error) error) error {
		if err := uow.Transactions().UpdateTransaction(ctx, &recorded, tx.Status); err != nil {
			return err
		}
		return stage(s.outbox.Stage(ctx, uow, domain.AggregateGatewayWebhook, tx.ID.String(),
			domain.EventGatewayWebhookReceived, domain.TopicGatewayWebhook,
			routingKey(domain.EventGatewayWebhookReceived), hook))
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.duplicate(ctx, tx.ID)
		}
		s.logger.Error("Failed to record failure webhook", "transaction_id", tx.ID, "error", err)
		return nil, err
	}

	reason := "gateway reported transfer failure"
	if hook.FailureCode != "" {
		reason += ": " + hook.FailureCode
	}
	if hook.FailureMessage != "" {
		reason += " (" + hook.FailureMessage + ")"
	}
	compensated, err := s.transfers.Compensate(ctx, &recorded, recorded.Status, reason)
	if err != nil {
		return nil, err
	}
	if compensated.Status != domain.StatusRollbackCompleted && compensated.Status != domain.StatusRollbackFailed {
		return &WebhookResult{Outcome: WebhookDuplicate, Transaction: compensated}, nil
	}
	return &WebhookResult{Outcome: WebhookProcessed, Transaction: compensated}, nil
}

func (s *WebhookService) duplicate(ctx context.Context, id uuid.UUID) (*WebhookResult, error) {
	current, err := s.store.Transactions().GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Webhook raced with another transition", "transaction_id", id, "status", current.Status)
	return &WebhookResult{Outcome: WebhookDuplicate, Transaction: current}, nil
}

// unit runs fn in one unit of work and dispatches what it staged after commit.
func (s *WebhookService) unit(ctx context.Context, fn func(uow domain.Store, stage func(*domain.OutboxEvent, error) error) error) error {
	var staged []*domain.OutboxEvent
	err := s.store.WithTransaction(ctx, func(uow domain.Store) error {
		staged = staged[:0]
		return fn(uow, func(event *domain.OutboxEvent, err error) error {
			if err != nil {
				return err
			}
			staged = append(staged, event)
			return nil
		})
	})
	if err == nil {
		s.outbox.Dispatch(ctx, staged...)
	}
	return err
}
