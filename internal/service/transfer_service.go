package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/metrics"
)

const (
	reasonOTPExpired        = "OTP has expired"
	reasonOTPAttempts       = "Maximum OTP attempts exceeded"
	reasonChallengeExpired  = "Challenge has expired"
	defaultHistoryPageSize  = 20
	maxHistoryPageSize      = 100
	fallbackRiskScore       = 50
	gatewayMetadataTxID     = "transaction_id"
	gatewayMetadataSenderNo = "sender_account_number"
)

type TransferConfig struct {
	OTPTTL            time.Duration
	OTPResendCooldown time.Duration
	SmartOTPTTL       time.Duration
}

type TransferDeps struct {
	Store     domain.Store
	Ledger    *LedgerService
	Limits    *LimitService
	Router    *ChallengeRouter
	Outbox    *OutboxService
	Risk      domain.RiskAssessor
	Identity  domain.IdentityVerifier
	OTP       domain.OTPProvider
	Gateway   domain.PaymentGateway
	Notifier  domain.Notifier
	Collector metrics.Collector
	Logger    *slog.Logger
}

// TransferService runs the transfer saga: validation, risk and challenge,
// verification, ledger execution and compensation.
type TransferService struct {
	store     domain.Store
	ledger    *LedgerService
	limits    *LimitService
	router    *ChallengeRouter
	outbox    *OutboxService
	risk      domain.RiskAssessor
	identity  domain.IdentityVerifier
	otp       domain.OTPProvider
	gateway   domain.PaymentGateway
	notifier  domain.Notifier
	collector metrics.Collector
	cfg       TransferConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewTransferService(deps TransferDeps, cfg TransferConfig) *TransferService {
	collector := deps.Collector
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &TransferService{
		store:     deps.Store,
		ledger:    deps.Ledger,
		limits:    deps.Limits,
		router:    deps.Router,
		outbox:    deps.Outbox,
		risk:      deps.Risk,
		identity:  deps.Identity,
		otp:       deps.OTP,
		gateway:   deps.Gateway,
		notifier:  deps.Notifier,
		collector: collector,
		cfg:       cfg,
		now:       time.Now,
		logger:    deps.Logger,
	}
}

type TransferRequest struct {
	SenderAccountNumber   string
	ReceiverAccountNumber string
	Amount                decimal.Decimal
	Type                  domain.TransactionType
	Description           string
	IdempotencyKey        string
	CallerUserID          string
	DeviceFingerprint     string
	IPAddress             string
}

type TransferResult struct {
	Transaction *domain.Transaction
	Challenge   *domain.Challenge
}

type DepositRequest struct {
	// Sender is the virtual sender recorded on the deposit; AdminDepositSender
	// when empty.
	Sender                string
	ReceiverAccountNumber string
	Amount                decimal.Decimal
	Description           string
	IdempotencyKey        string
}

type HistoryRequest struct {
	AccountNumber string
	Direction     domain.Direction
	Page          int
	Size          int
}

type HistoryPage struct {
	Transactions []*domain.Transaction `json:"transactions"`
	Page         int                   `json:"page"`
	Size         int                   `json:"size"`
	Total        int64                 `json:"total"`
}

type stager func(tx *domain.Transaction, eventType string) error

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return errors.ErrInvalidAmount
	}
	return nil
}

func failureReason(err error) string {
	if appErr, ok := errors.As(err); ok {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return "ledger operation failed: " + err.Error()
}

func (s *TransferService) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	s.logger.Info("Processing transfer",
		"sender_account_number", req.SenderAccountNumber,
		"receiver_account_number", req.ReceiverAccountNumber,
		"amount", req.Amount,
		"type", req.Type,
		"idempotency_key", req.IdempotencyKey,
	)

	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Type != domain.InternalTransfer && req.Type != domain.ExternalTransfer {
		return nil, errors.ErrInvalidInput.WithDetails("type must be INTERNAL_TRANSFER or EXTERNAL_TRANSFER")
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if !ownedBy(existing, req.CallerUserID) {
				return nil, errors.ErrAccountNotOwned
			}
			s.logger.Info("Returning existing transaction for idempotency key",
				"idempotency_key", req.IdempotencyKey,
				"transaction_id", existing.ID,
			)
			return s.result(existing), nil
		}
	}

	sender, err := s.store.Accounts().GetAccountByNumber(ctx, req.SenderAccountNumber)
	if err != nil {
		return nil, err
	}
	if req.CallerUserID != "" && sender.UserID.String() != req.CallerUserID {
		return nil, errors.ErrAccountNotOwned
	}
	if !sender.CanSend() {
		return nil, errors.ErrAccountInactive.WithDetails("sender account is " + string(sender.Status))
	}

	tx := &domain.Transaction{
		ID:                    uuid.New(),
		CorrelationID:         uuid.New(),
		SenderAccountID:       &sender.ID,
		SenderAccountNumber:   sender.AccountNumber,
		SenderUserID:          &sender.UserID,
		ReceiverAccountNumber: req.ReceiverAccountNumber,
		Amount:                req.Amount,
		Fee:                   decimal.Zero,
		Type:                  req.Type,
		Description:           req.Description,
		SagaStep:              domain.StepStarted,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		tx.IdempotencyKey = &key
	}

	if err := s.resolveReceiver(ctx, tx, sender); err != nil {
		return nil, err
	}

	if err := s.limits.CheckAndReserve(ctx, sender.ID, req.Amount); err != nil {
		return nil, err
	}

	assessment := s.assessRisk(ctx, sender, req)
	tx.RiskLevel = assessment.Level
	tx.RiskScore = assessment.Score

	challenge := s.router.Route(ctx, sender.UserID.String(), tx.ID.String(), assessment.Level)
	tx.ChallengeType = challenge.Type

	var otpCode string
	var otpRecord *domain.OTPRecord
	switch challenge.Type {
	case domain.ChallengeNone:
		tx.Status = domain.StatusPending
	case domain.ChallengeSMSOTP:
		tx.Status = domain.StatusPendingOTP
		otpCode, otpRecord, err = s.issueOTP(ctx, tx)
		if err != nil {
			return nil, err
		}
		tx.ChallengeID = otpRecord.Reference
		challenge.ID = otpRecord.Reference
		challenge.ExpiresAt = &otpRecord.ExpiresAt
	default:
		tx.Status = domain.StatusPendingSmartOTP
		tx.ChallengeID = challenge.ID
	}

	if err := s.store.Transactions().CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, errors.ErrDuplicateTransaction) && tx.IdempotencyKey != nil {
			existing, getErr := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, *tx.IdempotencyKey)
			if getErr == nil && existing != nil {
				if !ownedBy(existing, req.CallerUserID) {
					return nil, errors.ErrAccountNotOwned
				}
				return s.result(existing), nil
			}
		}
		return nil, err
	}

	s.logger.Info("Transaction created",
		"transaction_id", tx.ID,
		"status", tx.Status,
		"risk_level", tx.RiskLevel,
		"challenge_type", tx.ChallengeType.String(),
	)

	if otpRecord != nil {
		s.notifyOTP(ctx, tx, otpCode, otpRecord)
	}

	if tx.Status != domain.StatusPending {
		return &TransferResult{Transaction: tx, Challenge: challenge}, nil
	}

	executed, err := s.execute(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &TransferResult{Transaction: executed}, nil
}

func (s *TransferService) resolveReceiver(ctx context.Context, tx *domain.Transaction, sender *domain.Account) error {
	if tx.Type == domain.ExternalTransfer {
		ok, err := s.gateway.ValidateDestination(ctx, tx.ReceiverAccountNumber)
		if err != nil {
			s.logger.Error("Destination validation failed", "destination", tx.ReceiverAccountNumber, "error", err)
			return errors.ErrServiceUnavailable.WithDetails("payment gateway: " + err.Error())
		}
		if !ok {
			return errors.ErrInvalidDestination
		}
		return nil
	}

	receiver, err := s.store.Accounts().GetAccountByNumber(ctx, tx.ReceiverAccountNumber)
	if err != nil {
		return err
	}
	if receiver.ID == sender.ID {
		return errors.ErrSameAccountTransfer
	}
	if !receiver.CanReceive() {
		return errors.ErrAccountInactive.WithDetails("receiver account is " + string(receiver.Status))
	}
	tx.ReceiverAccountID = &receiver.ID
	tx.ReceiverUserID = &receiver.UserID
	return nil
}

func (s *TransferService) assessRisk(ctx context.Context, sender *domain.Account, req TransferRequest) *domain.RiskAssessment {
	assessment, err := s.risk.Assess(ctx, domain.RiskRequest{
		UserID:            sender.UserID.String(),
		Amount:            req.Amount,
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
	})
	if err != nil {
		s.logger.Warn("Risk assessment unavailable, defaulting to MEDIUM", "user_id", sender.UserID, "error", err)
		return &domain.RiskAssessment{Level: domain.RiskMedium, Score: fallbackRiskScore}
	}
	return assessment
}

func (s *TransferService) issueOTP(ctx context.Context, tx *domain.Transaction) (string, *domain.OTPRecord, error) {
	code, err := s.otp.Generate()
	if err != nil {
		return "", nil, errors.Internal("generate otp", err)
	}
	record, err := s.otp.Save(ctx, tx.ID.String(), code, s.cfg.OTPTTL)
	if err != nil {
		return "", nil, errors.ErrServiceUnavailable.WithDetails("otp store: " + err.Error())
	}
	return code, record, nil
}

// notifyOTP never fails the transfer.
func (s *TransferService) notifyOTP(ctx context.Context, tx *domain.Transaction, code string, record *domain.OTPRecord) {
	userID := ""
	if tx.SenderUserID != nil {
		userID = tx.SenderUserID.String()
	}
	err := s.notifier.SendOTP(ctx, domain.OTPNotification{
		TransactionID: tx.ID.String(),
		UserID:        userID,
		Code:          code,
		Amount:        tx.Amount,
		ExpiresAt:     record.ExpiresAt,
	})
	if err != nil {
		s.logger.Warn("OTP notification failed", "transaction_id", tx.ID, "error", err)
	}
}

func (s *TransferService) result(tx *domain.Transaction) *TransferResult {
	res := &TransferResult{Transaction: tx}
	switch tx.Status {
	case domain.StatusPendingOTP:
		expires := tx.UpdatedAt.Add(s.cfg.OTPTTL)
		res.Challenge = &domain.Challenge{Type: tx.ChallengeType, ID: tx.ChallengeID, ExpiresAt: &expires}
	case domain.StatusPendingSmartOTP:
		expires := tx.CreatedAt.Add(s.cfg.SmartOTPTTL)
		res.Challenge = &domain.Challenge{Type: tx.ChallengeType, ID: tx.ChallengeID, ExpiresAt: &expires}
	}
	return res
}

// unit runs fn in one unit of work and dispatches whatever it staged once
// the unit has committed.
func (s *TransferService) unit(ctx context.Context, fn func(uow domain.Store, stage stager) error) error {
	var staged []*domain.OutboxEvent
	err := s.store.WithTransaction(ctx, func(uow domain.Store) error {
		staged = staged[:0]
		return fn(uow, func(tx *domain.Transaction, eventType string) error {
			event, err := s.outbox.StageTransferEvent(ctx, uow, tx, eventType)
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

// transition applies mutate to a copy of tx and persists it if the stored
// status still equals expected.
func (s *TransferService) transition(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus, eventType string, mutate func(*domain.Transaction)) (*domain.Transaction, error) {
	next := *tx
	mutate(&next)
	err := s.unit(ctx, func(uow domain.Store, stage stager) error {
		if err := uow.Transactions().UpdateTransaction(ctx, &next, expected); err != nil {
			return err
		}
		if eventType != "" {
			return stage(&next, eventType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// current reloads tx after a lost status race so the caller sees the
// winner's outcome.
func (s *TransferService) current(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.logger.Info("Transaction advanced concurrently, returning current state", "transaction_id", id)
	return s.store.Transactions().GetTransactionByID(ctx, id)
}

// fail marks tx FAILED and returns cause so the caller reports it.
func (s *TransferService) fail(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus, reason string, cause error) (*domain.Transaction, error) {
	failed, err := s.transition(ctx, tx, expected, domain.EventTransferFailed, func(t *domain.Transaction) {
		now := s.now().UTC()
		t.Status = domain.StatusFailed
		t.SagaStep = domain.StepFailed
		t.FailureReason = reason
		t.CompletedAt = &now
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.current(ctx, tx.ID)
		}
		s.logger.Error("Failed to record transaction failure", "transaction_id", tx.ID, "error", err)
		return nil, err
	}

	s.logger.Info("Transaction failed", "transaction_id", tx.ID, "reason", reason)
	s.collector.RecordTransfer(string(tx.Type), string(domain.StatusFailed))
	return failed, cause
}

func (s *TransferService) execute(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.Type == domain.ExternalTransfer {
		return s.executeExternal(ctx, tx)
	}
	return s.executeInternal(ctx, tx)
}

func (s *TransferService) executeInternal(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	next := *tx
	err := s.unit(ctx, func(uow domain.Store, stage stager) error {
		if _, err := s.ledger.AtomicTransfer(ctx, uow, *tx.SenderAccountID, *tx.ReceiverAccountID, tx.Amount, tx.ID.String()); err != nil {
			return err
		}
		if err := s.limits.CommitUsage(ctx, uow, *tx.SenderAccountID, tx.Amount, true); err != nil {
			return err
		}

		now := s.now().UTC()
		next.Status = domain.StatusCompleted
		next.SagaStep = domain.StepCompleted
		next.CompletedAt = &now
		if err := uow.Transactions().UpdateTransaction(ctx, &next, domain.StatusPending); err != nil {
			return err
		}
		return stage(&next, domain.EventTransferCompleted)
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.current(ctx, tx.ID)
		}
		s.logger.Error("Internal transfer failed", "transaction_id", tx.ID, "error", err)
		return s.fail(ctx, tx, domain.StatusPending, failureReason(err), err)
	}

	s.logger.Info("Transfer completed successfully", "transaction_id", tx.ID, "amount", tx.Amount)
	s.collector.RecordTransfer(string(tx.Type), string(domain.StatusCompleted))
	return &next, nil
}

// executeExternal debits the sender and hands the money to the gateway. The
// debit commits before the gateway is called so no row lock is held across
// the network call.
func (s *TransferService) executeExternal(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	next := *tx
	err := s.unit(ctx, func(uow domain.Store, stage stager) error {
		if _, err := s.ledger.Debit(ctx, uow, *tx.SenderAccountID, tx.Amount, tx.ID.String()); err != nil {
			return err
		}
		next.Status = domain.StatusDebitCompleted
		next.SagaStep = domain.StepDebitCompleted
		next.GatewayIdempotencyKey = tx.CorrelationID.String()
		return uow.Transactions().UpdateTransaction(ctx, &next, domain.StatusPending)
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.current(ctx, tx.ID)
		}
		s.logger.Error("External transfer debit failed", "transaction_id", tx.ID, "error", err)
		return s.fail(ctx, tx, domain.StatusPending, failureReason(err), err)
	}

	s.logger.Info("Sender debited for external transfer", "transaction_id", tx.ID, "amount", tx.Amount)
	return s.sendToGateway(ctx, &next)
}

// sendToGateway performs the external leg of a DEBIT_COMPLETED transaction,
// compensating if the gateway does not accept it.
func (s *TransferService) sendToGateway(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	transfer, err := s.gateway.CreateTransfer(ctx, domain.GatewayTransferRequest{
		Amount:         tx.Amount,
		Destination:    tx.ReceiverAccountNumber,
		Description:    tx.Description,
		IdempotencyKey: tx.GatewayIdempotencyKey,
		TransferGroup:  tx.CorrelationID.String(),
		Metadata: map[string]string{
			gatewayMetadataTxID:     tx.ID.String(),
			gatewayMetadataSenderNo: tx.SenderAccountNumber,
		},
	})
	if err != nil {
		s.logger.Error("Gateway transfer failed, compensating", "transaction_id", tx.ID, "error", err)
		return s.Compensate(ctx, tx, domain.StatusDebitCompleted, "gateway transfer failed: "+err.Error())
	}

	next := *tx
	err = s.unit(ctx, func(uow domain.Store, stage stager) error {
		next.Status = domain.StatusPending
		next.SagaStep = domain.StepExternalInitiated
		next.GatewayTransferID = transfer.TransferID
		next.GatewayTransferStatus = transfer.Status
		if err := uow.Transactions().UpdateTransaction(ctx, &next, domain.StatusDebitCompleted); err != nil {
			return err
		}
		if err := s.limits.CommitUsage(ctx, uow, *tx.SenderAccountID, tx.Amount, false); err != nil {
			return err
		}
		return stage(&next, domain.EventExternalTransferInitiated)
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.current(ctx, tx.ID)
		}
		// The gateway holds the money. Recovery replays the call with the same
		// idempotency key and records the result.
		s.logger.Error("Failed to record gateway transfer",
			"transaction_id", tx.ID,
			"gateway_transfer_id", transfer.TransferID,
			"error", err,
		)
		return tx, nil
	}

	s.logger.Info("External transfer initiated, awaiting gateway confirmation",
		"transaction_id", tx.ID,
		"gateway_transfer_id", transfer.TransferID,
	)
	s.collector.RecordTransfer(string(tx.Type), string(domain.StepExternalInitiated))
	return &next, nil
}

// Compensate refunds the sender of a debited transaction whose stored status
// is still expected and marks it ROLLBACK_COMPLETED. If the refund cannot be
// applied the transaction becomes ROLLBACK_FAILED for manual reconciliation.
// A transaction that already moved on is returned as it stands.
func (s *TransferService) Compensate(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus, reason string) (*domain.Transaction, error) {
	next := *tx
	err := s.unit(ctx, func(uow domain.Store, stage stager) error {
		if _, err := s.ledger.Credit(ctx, uow, *tx.SenderAccountID, tx.Amount, tx.ID.String(), domain.EntryRefund); err != nil {
			return err
		}
		now := s.now().UTC()
		next.Status = domain.StatusRollbackCompleted
		next.SagaStep = domain.StepRollbackCompleted
		next.FailureReason = reason
		next.CompletedAt = &now
		if err := uow.Transactions().UpdateTransaction(ctx, &next, expected); err != nil {
			return err
		}
		return stage(&next, domain.EventTransferRolledBack)
	})
	if err == nil {
		s.logger.Info("Transfer rolled back, sender refunded", "transaction_id", tx.ID, "amount", tx.Amount, "reason", reason)
		s.collector.RecordTransfer(string(tx.Type), string(domain.StatusRollbackCompleted))
		return &next, nil
	}
	if errors.Is(err, errors.ErrTransactionConflict) || errors.Is(err, errors.ErrDuplicateLedgerEntry) {
		return s.current(ctx, tx.ID)
	}

	refundErr := err
	failed, err := s.transition(ctx, tx, expected, domain.EventTransferRollbackFailed, func(t *domain.Transaction) {
		t.Status = domain.StatusRollbackFailed
		t.SagaStep = domain.StepRollbackFailed
		t.FailureReason = fmt.Sprintf("%s; refund failed: %v", reason, refundErr)
	})
	s.collector.RecordRollbackFailed()
	s.logger.Error("Compensation failed, transaction requires manual reconciliation",
		"transaction_id", tx.ID,
		"sender_account_id", tx.SenderAccountID,
		"amount", tx.Amount,
		"refund_error", refundErr,
		"manual_intervention", true,
	)
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.current(ctx, tx.ID)
		}
		s.logger.Error("Failed to record ROLLBACK_FAILED", "transaction_id", tx.ID, "error", err)
		return nil, refundErr
	}
	s.collector.RecordTransfer(string(tx.Type), string(domain.StatusRollbackFailed))
	return failed, nil
}

// ownedBy reports whether callerUserID may see tx. An empty caller is
// unauthenticated internal traffic.
func ownedBy(tx *domain.Transaction, callerUserID string) bool {
	return callerUserID == "" || (tx.SenderUserID != nil && tx.SenderUserID.String() == callerUserID)
}

func (s *TransferService) loadOwned(ctx context.Context, id uuid.UUID, callerUserID string) (*domain.Transaction, error) {
	tx, err := s.store.Transactions().GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(tx, callerUserID) {
		return nil, errors.ErrAccountNotOwned
	}
	return tx, nil
}

// proceed moves a verified transaction to PENDING and executes it.
func (s *TransferService) proceed(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus) (*domain.Transaction, error) {
	if err := s.limits.CheckAndReserve(ctx, *tx.SenderAccountID, tx.Amount); err != nil {
		return s.fail(ctx, tx, expected, failureReason(err), err)
	}

	verified, err := s.transition(ctx, tx, expected, "", func(t *domain.Transaction) {
		t.Status = domain.StatusPending
		t.SagaStep = domain.StepOTPVerified
	})
	if err != nil {
		if errors.Is(err, errors.ErrTransactionConflict) {
			return s.current(ctx, tx.ID)
		}
		return nil, err
	}

	s.logger.Info("Challenge verified, executing transfer", "transaction_id", tx.ID, "challenge_type", tx.ChallengeType.String())
	return s.execute(ctx, verified)
}

func (s *TransferService) VerifyOTP(ctx context.Context, id uuid.UUID, code, callerUserID string) (*domain.Transaction, error) {
	tx, err := s.loadOwned(ctx, id, callerUserID)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.StatusPendingSmartOTP {
		return nil, errors.ErrChallengeMismatch
	}
	if tx.Status != domain.StatusPendingOTP {
		s.logger.Info("OTP submitted for transaction not awaiting one", "transaction_id", id, "status", tx.Status)
		return tx, nil
	}

	result, err := s.otp.Verify(ctx, tx.ID.String(), code)
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithDetails("otp store: " + err.Error())
	}

	switch {
	case result.NotFound:
		// The code was consumed by a verification that has since moved the
		// transaction on, or it is gone from the store. Neither expires it.
		current, err := s.store.Transactions().GetTransactionByID(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.StatusPendingOTP {
			return current, nil
		}
		s.logger.Warn("No OTP stored for pending transaction", "transaction_id", id)
		return nil, errors.ErrInvalidOTP.WithDetails("no active code, request a new one")
	case result.Expired:
		expired, err := s.transition(ctx, tx, domain.StatusPendingOTP, "", func(t *domain.Transaction) {
			t.Status = domain.StatusOTPExpired
			t.FailureReason = reasonOTPExpired
		})
		if err != nil {
			if errors.Is(err, errors.ErrTransactionConflict) {
				return s.current(ctx, tx.ID)
			}
			return nil, err
		}
		s.logger.Info("OTP expired", "transaction_id", id)
		s.invalidateOTP(ctx, expired)
		return expired, nil
	case result.Success:
		verified, err := s.proceed(ctx, tx, domain.StatusPendingOTP)
		s.invalidateOTP(ctx, verified)
		return verified, err
	case result.RemainingAttempts <= 0:
		failed, err := s.fail(ctx, tx, domain.StatusPendingOTP, reasonOTPAttempts, nil)
		if err != nil {
			return nil, err
		}
		s.invalidateOTP(ctx, failed)
		return failed, nil
	default:
		return nil, errors.ErrInvalidOTP.WithDetails(fmt.Sprintf("%d attempts remaining", result.RemainingAttempts))
	}
}

// invalidateOTP drops the stored code once tx is no longer waiting for it.
// While the transaction is still PENDING_OTP the code stays usable.
func (s *TransferService) invalidateOTP(ctx context.Context, tx *domain.Transaction) {
	if tx == nil || tx.Status == domain.StatusPendingOTP {
		return
	}
	if err := s.otp.Invalidate(ctx, tx.ID.String()); err != nil {
		s.logger.Warn("Failed to delete used OTP", "transaction_id", tx.ID, "error", err)
	}
}

// smartPending loads a transaction that must be waiting for the given smart
// challenge. done is true when the transaction is past verification and
// should be returned unchanged.
func (s *TransferService) smartPending(ctx context.Context, id uuid.UUID, callerUserID string, want domain.ChallengeType) (tx *domain.Transaction, done bool, err error) {
	tx, err = s.loadOwned(ctx, id, callerUserID)
	if err != nil {
		return nil, false, err
	}
	if tx.Status == domain.StatusPendingOTP {
		return nil, false, errors.ErrChallengeMismatch
	}
	if tx.Status != domain.StatusPendingSmartOTP {
		return tx, true, nil
	}
	if tx.ChallengeType != want {
		return nil, false, errors.ErrChallengeMismatch.WithDetails("expected " + tx.ChallengeType.String())
	}

	if s.cfg.SmartOTPTTL > 0 && s.now().After(tx.CreatedAt.Add(s.cfg.SmartOTPTTL)) {
		expired, err := s.transition(ctx, tx, domain.StatusPendingSmartOTP, "", func(t *domain.Transaction) {
			t.Status = domain.StatusOTPExpired
			t.FailureReason = reasonChallengeExpired
		})
		if err != nil {
			if errors.Is(err, errors.ErrTransactionConflict) {
				cur, err := s.current(ctx, tx.ID)
				return cur, true, err
			}
			return nil, false, err
		}
		return expired, true, nil
	}
	return tx, false, nil
}

func (s *TransferService) VerifyDeviceSignature(ctx context.Context, id uuid.UUID, deviceID, signature, callerUserID string) (*domain.Transaction, error) {
	tx, done, err := s.smartPending(ctx, id, callerUserID, domain.ChallengeDeviceBio)
	if err != nil || done {
		return tx, err
	}

	valid, err := s.identity.VerifySignature(ctx, tx.ChallengeID, deviceID, signature)
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithDetails("identity service: " + err.Error())
	}
	if !valid {
		s.logger.Warn("Device signature rejected", "transaction_id", id, "device_id", deviceID)
		return nil, errors.ErrInvalidChallengeResponse
	}
	return s.proceed(ctx, tx, domain.StatusPendingSmartOTP)
}

func (s *TransferService) VerifyFace(ctx context.Context, id uuid.UUID, faceImage []byte, callerUserID string) (*domain.Transaction, error) {
	tx, done, err := s.smartPending(ctx, id, callerUserID, domain.ChallengeFaceVerify)
	if err != nil || done {
		return tx, err
	}

	valid, err := s.identity.VerifyFace(ctx, tx.ChallengeID, faceImage)
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithDetails("identity service: " + err.Error())
	}
	if !valid {
		s.logger.Warn("Face verification rejected", "transaction_id", id)
		return nil, errors.ErrInvalidChallengeResponse
	}
	return s.proceed(ctx, tx, domain.StatusPendingSmartOTP)
}

// CompleteFaceVerification accepts the identity service's verdict for a
// face challenge it verified itself.
func (s *TransferService) CompleteFaceVerification(ctx context.Context, id uuid.UUID, verified bool) (*domain.Transaction, error) {
	tx, done, err := s.smartPending(ctx, id, "", domain.ChallengeFaceVerify)
	if err != nil || done {
		return tx, err
	}
	if !verified {
		return nil, errors.ErrInvalidChallengeResponse
	}
	return s.proceed(ctx, tx, domain.StatusPendingSmartOTP)
}

func (s *TransferService) ResendOTP(ctx context.Context, id uuid.UUID, callerUserID string) (*domain.Challenge, error) {
	tx, err := s.loadOwned(ctx, id, callerUserID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPendingOTP {
		return nil, errors.ErrTransactionConflict.WithDetails("transaction is not awaiting an OTP")
	}

	previous, err := s.otp.Get(ctx, tx.ID.String())
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithDetails("otp store: " + err.Error())
	}
	if previous != nil {
		if wait := previous.CreatedAt.Add(s.cfg.OTPResendCooldown).Sub(s.now()); wait > 0 {
			return nil, errors.ErrOTPResendCooldown.WithDetails(fmt.Sprintf("retry in %ds", int(wait.Seconds())+1))
		}
	}

	code, record, err := s.issueOTP(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := s.transition(ctx, tx, domain.StatusPendingOTP, "", func(t *domain.Transaction) {
		t.ChallengeID = record.Reference
	}); err != nil {
		return nil, err
	}
	s.notifyOTP(ctx, tx, code, record)

	s.logger.Info("OTP resent", "transaction_id", id, "reference", record.Reference)
	s.collector.RecordChallenge(domain.ChallengeSMSOTP.String())
	return &domain.Challenge{Type: domain.ChallengeSMSOTP, ID: record.Reference, ExpiresAt: &record.ExpiresAt}, nil
}

func (s *TransferService) GetTransaction(ctx context.Context, id uuid.UUID) (*TransferResult, error) {
	tx, err := s.store.Transactions().GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.result(tx), nil
}

func (s *TransferService) ListHistory(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	direction := req.Direction
	switch direction {
	case "":
		direction = domain.DirectionAll
	case domain.DirectionSent, domain.DirectionReceived, domain.DirectionAll:
	default:
		return nil, errors.ErrInvalidInput.WithDetails("direction must be SENT, RECEIVED or ALL")
	}
	if req.Page < 0 {
		return nil, errors.ErrInvalidInput.WithDetails("page must not be negative")
	}
	size := req.Size
	if size <= 0 {
		size = defaultHistoryPageSize
	}
	if size > maxHistoryPageSize {
		size = maxHistoryPageSize
	}

	if _, err := s.store.Accounts().GetAccountByNumber(ctx, req.AccountNumber); err != nil {
		return nil, err
	}

	txs, total, err := s.store.Transactions().ListTransactions(ctx, req.AccountNumber, direction, domain.Page{Number: req.Page, Size: size})
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	return &HistoryPage{Transactions: txs, Page: req.Page, Size: size, Total: total}, nil
}

// AdminDeposit credits money arriving from outside the ledger.
func (s *TransferService) AdminDeposit(ctx context.Context, req DepositRequest) (*domain.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		existing, err := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	receiver, err := s.store.Accounts().GetAccountByNumber(ctx, req.ReceiverAccountNumber)
	if err != nil {
		return nil, err
	}
	if !receiver.CanReceive() {
		return nil, errors.ErrAccountInactive.WithDetails("receiver account is " + string(receiver.Status))
	}

	sender := req.Sender
	if sender == "" {
		sender = domain.AdminDepositSender
	}
	now := s.now().UTC()
	tx := &domain.Transaction{
		ID:                    uuid.New(),
		CorrelationID:         uuid.New(),
		SenderAccountNumber:   sender,
		ReceiverAccountID:     &receiver.ID,
		ReceiverAccountNumber: receiver.AccountNumber,
		ReceiverUserID:        &receiver.UserID,
		Amount:                req.Amount,
		Fee:                   decimal.Zero,
		Type:                  domain.Deposit,
		Status:                domain.StatusCompleted,
		Description:           req.Description,
		ChallengeType:         domain.ChallengeNone,
		SagaStep:              domain.StepCompleted,
		CompletedAt:           &now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		tx.IdempotencyKey = &key
	}

	var staged []*domain.OutboxEvent
	err = s.store.WithTransaction(ctx, func(uow domain.Store) error {
		staged = staged[:0]
		if err := uow.Transactions().CreateTransaction(ctx, tx); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, uow, receiver.ID, req.Amount, tx.ID.String(), domain.EntryCredit); err != nil {
			return err
		}
		event, err := s.outbox.StageTransferEvent(ctx, uow, tx, domain.EventDepositCompleted)
		if err != nil {
			return err
		}
		staged = append(staged, event)
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrDuplicateTransaction) && tx.IdempotencyKey != nil {
			if existing, getErr := s.store.Transactions().GetTransactionByIdempotencyKey(ctx, *tx.IdempotencyKey); getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.outbox.Dispatch(ctx, staged...)

	s.logger.Info("Deposit completed", "transaction_id", tx.ID, "account_number", receiver.AccountNumber, "amount", req.Amount)
	s.collector.RecordTransfer(string(domain.Deposit), string(domain.StatusCompleted))
	return tx, nil
}

// ResumeStale finishes the external leg of transactions stuck in
// DEBIT_COMPLETED, replaying the gateway call with the stored idempotency
// key. It returns how many were resumed.
func (s *TransferService) ResumeStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	stale, err := s.store.Transactions().ListStaleTransactions(ctx, domain.StatusDebitCompleted, s.now().UTC().Add(-staleAfter), limit)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, tx := range stale {
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("Resuming stale external transfer", "transaction_id", tx.ID, "updated_at", tx.UpdatedAt)
		if tx.GatewayIdempotencyKey == "" {
			tx.GatewayIdempotencyKey = tx.CorrelationID.String()
		}
		if _, err := s.sendToGateway(ctx, tx); err != nil {
			s.logger.Error("Stale transfer recovery failed", "transaction_id", tx.ID, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}
