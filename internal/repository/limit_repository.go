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

const limitColumns = `account_id, daily_limit, monthly_limit, daily_used, monthly_used, last_daily_reset, last_monthly_reset, updated_at`

type limitRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewLimitRepository(db SQLExecutor, logger *slog.Logger) domain.LimitRepository {
	return &limitRepository{db: db, logger: logger}
}

func (r *limitRepository) GetLimit(ctx context.Context, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	return r.get(ctx, `SELECT `+limitColumns+` FROM transaction_limits WHERE account_id = $1`, accountID)
}

func (r *limitRepository) GetLimitForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	return r.get(ctx, `SELECT `+limitColumns+` FROM transaction_limits WHERE account_id = $1 FOR UPDATE`, accountID)
}

func (r *limitRepository) get(ctx context.Context, query string, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	var limit domain.TransactionLimit
	var daily, monthly, dailyUsed, monthlyUsed string

	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&limit.AccountID,
		&daily,
		&monthly,
		&dailyUsed,
		&monthlyUsed,
		&limit.LastDailyReset,
		&limit.LastMonthlyReset,
		&limit.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get transaction limit", "account_id", accountID, "error", err)
		return nil, errors.Internal("failed to get transaction limit", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&limit.DailyLimit, daily},
		{&limit.MonthlyLimit, monthly},
		{&limit.DailyUsed, dailyUsed},
		{&limit.MonthlyUsed, monthlyUsed},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, errors.Internal("failed to parse transaction limit", err)
		}
		*f.dst = v
	}
	return &limit, nil
}

func (r *limitRepository) CreateLimit(ctx context.Context, limit *domain.TransactionLimit) error {
	query := `INSERT INTO transaction_limits (` + limitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id) DO NOTHING`

	limit.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		limit.AccountID,
		limit.DailyLimit.String(),
		limit.MonthlyLimit.String(),
		limit.DailyUsed.String(),
		limit.MonthlyUsed.String(),
		limit.LastDailyReset,
		limit.LastMonthlyReset,
		limit.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create transaction limit", "account_id", limit.AccountID, "error", err)
		return errors.Internal("failed to create transaction limit", err)
	}
	return nil
}

func (r *limitRepository) UpdateLimit(ctx context.Context, limit *domain.TransactionLimit) error {
	query := `
		UPDATE transaction_limits SET
			daily_limit = $1, monthly_limit = $2, daily_used = $3, monthly_used = $4,
			last_daily_reset = $5, last_monthly_reset = $6, updated_at = $7
		WHERE account_id = $8
	`

	limit.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		limit.DailyLimit.String(),
		limit.MonthlyLimit.String(),
		limit.DailyUsed.String(),
		limit.MonthlyUsed.String(),
		limit.LastDailyReset,
		limit.LastMonthlyReset,
		limit.UpdatedAt,
		limit.AccountID,
	)
	if err != nil {
		r.logger.Error("Failed to update transaction limit", "account_id", limit.AccountID, "error", err)
		return errors.Internal("failed to update transaction limit", err)
	}
	return nil
}
