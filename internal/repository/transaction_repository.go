package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

const transactionColumns = `
	id, idempotency_key, sender_account_id, sender_account_number, sender_user_id,
	receiver_account_id, receiver_account_number, receiver_user_id, amount, fee, type,
	status, description, risk_level, risk_score, challenge_type, challenge_id,
	correlation_id, saga_step, gateway_idempotency_key, gateway_transfer_id,
	gateway_transfer_status, gateway_failure_code, gateway_failure_message,
	failure_reason, webhook_received_at, created_at, updated_at, completed_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	var idempotencyKey sql.NullString
	if tx.IdempotencyKey != nil {
		idempotencyKey = nullString(*tx.IdempotencyKey)
	}

	_, err := r.db.ExecContext(ctx, query,
		tx.ID,
		idempotencyKey,
		tx.SenderAccountID,
		tx.SenderAccountNumber,
		tx.SenderUserID,
		tx.ReceiverAccountID,
		tx.ReceiverAccountNumber,
		tx.ReceiverUserID,
		tx.Amount.String(),
		tx.Fee.String(),
		string(tx.Type),
		string(tx.Status),
		tx.Description,
		nullString(string(tx.RiskLevel)),
		tx.RiskScore,
		tx.ChallengeType.String(),
		nullString(tx.ChallengeID),
		tx.CorrelationID,
		string(tx.SagaStep),
		nullString(tx.GatewayIdempotencyKey),
		nullString(tx.GatewayTransferID),
		nullString(tx.GatewayTransferStatus),
		nullString(tx.GatewayFailureCode),
		nullString(tx.GatewayFailureMessage),
		nullString(tx.FailureReason),
		tx.WebhookReceivedAt,
		tx.CreatedAt,
		tx.UpdatedAt,
		tx.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_transactions_idempotency_key") {
			r.logger.Warn("Duplicate idempotency key", "idempotency_key", idempotencyKey.String)
			return errors.ErrDuplicateTransaction
		}
		r.logger.Error("Failed to create transaction",
			"sender_account_number", tx.SenderAccountNumber,
			"receiver_account_number", tx.ReceiverAccountNumber,
			"amount", tx.Amount,
			"error", err)
		return errors.Internal("failed to create transaction", err)
	}

	r.logger.Info("Transaction created successfully", "transaction_id", tx.ID, "status", tx.Status)
	return nil
}

func (r *transactionRepository) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrTransactionNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get transaction", "transaction_id", id, "error", err)
		return nil, errors.Internal("failed to get transaction", err)
	}
	return tx, nil
}

func (r *transactionRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get transaction by idempotency key", "idempotency_key", key, "error", err)
		return nil, errors.Internal("failed to get transaction", err)
	}
	return tx, nil
}

func (r *transactionRepository) GetTransactionByGatewayTransferID(ctx context.Context, transferID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway_transfer_id = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, transferID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrTransactionNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get transaction by gateway transfer id", "gateway_transfer_id", transferID, "error", err)
		return nil, errors.Internal("failed to get transaction", err)
	}
	return tx, nil
}

func (r *transactionRepository) GetTransactionByGatewayIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway_idempotency_key = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, errors.ErrTransactionNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get transaction by gateway idempotency key", "gateway_idempotency_key", key, "error", err)
		return nil, errors.Internal("failed to get transaction", err)
	}
	return tx, nil
}

// UpdateTransaction writes every mutable column guarded by the expected
// status. A concurrent writer that got there first leaves zero rows affected.
func (r *transactionRepository) UpdateTransaction(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error {
	query := `
		UPDATE transactions SET
			status = $1, saga_step = $2, challenge_id = $3, gateway_idempotency_key = $4,
			gateway_transfer_id = $5, gateway_transfer_status = $6, gateway_failure_code = $7,
			gateway_failure_message = $8, failure_reason = $9, webhook_received_at = $10,
			completed_at = $11, updated_at = $12
		WHERE id = $13 AND status = $14
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		string(tx.Status),
		string(tx.SagaStep),
		nullString(tx.ChallengeID),
		nullString(tx.GatewayIdempotencyKey),
		nullString(tx.GatewayTransferID),
		nullString(tx.GatewayTransferStatus),
		nullString(tx.GatewayFailureCode),
		nullString(tx.GatewayFailureMessage),
		nullString(tx.FailureReason),
		tx.WebhookReceivedAt,
		tx.CompletedAt,
		now,
		tx.ID,
		string(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update transaction",
			"transaction_id", tx.ID, "status", tx.Status, "error", err)
		return errors.Internal("failed to update transaction", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		r.logger.Warn("Transaction status guard rejected update",
			"transaction_id", tx.ID, "expected", expected, "target", tx.Status)
		return errors.ErrTransactionConflict
	}

	tx.UpdatedAt = now
	r.logger.Info("Transaction updated", "transaction_id", tx.ID, "from", expected, "to", tx.Status, "step", tx.SagaStep)
	return nil
}

func (r *transactionRepository) ListTransactions(ctx context.Context, accountNumber string, direction domain.Direction, page domain.Page) ([]*domain.Transaction, int64, error) {
	var where string
	switch direction {
	case domain.DirectionSent:
		where = `sender_account_number = $1`
	case domain.DirectionReceived:
		where = `receiver_account_number = $1`
	default:
		where = `(sender_account_number = $1 OR receiver_account_number = $1)`
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+where, accountNumber).Scan(&total); err != nil {
		r.logger.Error("Failed to count transactions", "account_number", accountNumber, "error", err)
		return nil, 0, errors.Internal("failed to count transactions", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + where +
		` ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, accountNumber, page.Size, page.Offset())
	if err != nil {
		r.logger.Error("Failed to list transactions", "account_number", accountNumber, "error", err)
		return nil, 0, errors.Internal("failed to list transactions", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, errors.Internal("failed to list transactions", err)
	}
	return txs, total, nil
}

func (r *transactionRepository) ListStaleTransactions(ctx context.Context, status domain.TransactionStatus, updatedBefore time.Time, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, string(status), updatedBefore, limit)
	if err != nil {
		r.logger.Error("Failed to list stale transactions", "status", status, "error", err)
		return nil, errors.Internal("failed to list stale transactions", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, errors.Internal("failed to list stale transactions", err)
	}
	return txs, nil
}

func scanTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx                                  domain.Transaction
		idempotencyKey                      sql.NullString
		senderAccountID, senderUserID       uuid.NullUUID
		receiverAccountID, receiverUserID   uuid.NullUUID
		amountStr, feeStr                   string
		txType, status, sagaStep, challenge string
		riskLevel, challengeID              sql.NullString
		gatewayKey, gatewayID, gatewayState sql.NullString
		failureCode, failureMessage         sql.NullString
		failureReason                       sql.NullString
		webhookReceivedAt, completedAt      sql.NullTime
	)

	err := row.Scan(
		&tx.ID,
		&idempotencyKey,
		&senderAccountID,
		&tx.SenderAccountNumber,
		&senderUserID,
		&receiverAccountID,
		&tx.ReceiverAccountNumber,
		&receiverUserID,
		&amountStr,
		&feeStr,
		&txType,
		&status,
		&tx.Description,
		&riskLevel,
		&tx.RiskScore,
		&challenge,
		&challengeID,
		&tx.CorrelationID,
		&sagaStep,
		&gatewayKey,
		&gatewayID,
		&gatewayState,
		&failureCode,
		&failureMessage,
		&failureReason,
		&webhookReceivedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if tx.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, err
	}
	if tx.Fee, err = decimal.NewFromString(feeStr); err != nil {
		return nil, err
	}
	if tx.ChallengeType, err = domain.ParseChallengeType(challenge); err != nil {
		return nil, err
	}

	if idempotencyKey.Valid {
		tx.IdempotencyKey = &idempotencyKey.String
	}
	tx.SenderAccountID = uuidPtr(senderAccountID)
	tx.SenderUserID = uuidPtr(senderUserID)
	tx.ReceiverAccountID = uuidPtr(receiverAccountID)
	tx.ReceiverUserID = uuidPtr(receiverUserID)
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.SagaStep = domain.SagaStep(sagaStep)
	tx.RiskLevel = domain.RiskLevel(riskLevel.String)
	tx.ChallengeID = challengeID.String
	tx.GatewayIdempotencyKey = gatewayKey.String
	tx.GatewayTransferID = gatewayID.String
	tx.GatewayTransferStatus = gatewayState.String
	tx.GatewayFailureCode = failureCode.String
	tx.GatewayFailureMessage = failureMessage.String
	tx.FailureReason = failureReason.String
	if webhookReceivedAt.Valid {
		t := webhookReceivedAt.Time
		tx.WebhookReceivedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return &tx, nil
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}
