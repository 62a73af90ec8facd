package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DailyWindow   = 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

type TransactionLimit struct {
	AccountID        uuid.UUID       `json:"account_id"`
	DailyLimit       decimal.Decimal `json:"daily_limit"`
	MonthlyLimit     decimal.Decimal `json:"monthly_limit"`
	DailyUsed        decimal.Decimal `json:"daily_used"`
	MonthlyUsed      decimal.Decimal `json:"monthly_used"`
	LastDailyReset   time.Time       `json:"last_daily_reset"`
	LastMonthlyReset time.Time       `json:"last_monthly_reset"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ResetIfElapsed zeroes the counters whose window has passed and reports
// whether anything changed.
func (l *TransactionLimit) ResetIfElapsed(now time.Time) bool {
	changed := false
	if now.Sub(l.LastDailyReset) >= DailyWindow {
		l.DailyUsed = decimal.Zero
		l.LastDailyReset = now
		changed = true
	}
	if now.Sub(l.LastMonthlyReset) >= MonthlyWindow {
		l.MonthlyUsed = decimal.Zero
		l.LastMonthlyReset = now
		changed = true
	}
	return changed
}

func (l *TransactionLimit) DailyRemaining() decimal.Decimal {
	return l.DailyLimit.Sub(l.DailyUsed)
}

func (l *TransactionLimit) MonthlyRemaining() decimal.Decimal {
	return l.MonthlyLimit.Sub(l.MonthlyUsed)
}

type LimitRepository interface {
	// GetLimit returns nil, nil when the account has no limit record yet.
	GetLimit(ctx context.Context, accountID uuid.UUID) (*TransactionLimit, error)
	GetLimitForUpdate(ctx context.Context, accountID uuid.UUID) (*TransactionLimit, error)
	// CreateLimit inserts the record unless one already exists.
	CreateLimit(ctx context.Context, limit *TransactionLimit) error
	UpdateLimit(ctx context.Context, limit *TransactionLimit) error
}
