package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

// LimitService tracks rolling daily and monthly spend per account. Counter
// windows reset lazily when a record is read after its window has passed.
type LimitService struct {
	store          domain.Store
	defaultDaily   decimal.Decimal
	defaultMonthly decimal.Decimal
	now            func() time.Time
	logger         *slog.Logger
}

func NewLimitService(store domain.Store, defaultDaily, defaultMonthly decimal.Decimal, logger *slog.Logger) *LimitService {
	return &LimitService{
		store:          store,
		defaultDaily:   defaultDaily,
		defaultMonthly: defaultMonthly,
		now:            time.Now,
		logger:         logger,
	}
}

// CheckAndReserve rejects amount if it would push either counter past its
// cap. It never records usage.
func (s *LimitService) CheckAndReserve(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	return s.store.WithTransaction(ctx, func(uow domain.Store) error {
		limit, err := s.loadForUpdate(ctx, uow, accountID)
		if err != nil {
			return err
		}
		return s.check(limit, amount)
	})
}

// CommitUsage adds amount to both counters inside uow. With enforce set the
// caps are re-checked under the row lock, which catches concurrent spends
// that passed CheckAndReserve together. Without it usage is recorded even
// past the cap, for money that has already left the ledger.
func (s *LimitService) CommitUsage(ctx context.Context, uow domain.Store, accountID uuid.UUID, amount decimal.Decimal, enforce bool) error {
	limit, err := s.loadForUpdate(ctx, uow, accountID)
	if err != nil {
		return err
	}
	if enforce {
		if err := s.check(limit, amount); err != nil {
			return err
		}
	}

	limit.DailyUsed = limit.DailyUsed.Add(amount)
	limit.MonthlyUsed = limit.MonthlyUsed.Add(amount)
	if err := uow.Limits().UpdateLimit(ctx, limit); err != nil {
		return err
	}

	s.logger.Info("Limit usage updated",
		"account_id", accountID,
		"amount", amount,
		"daily_used", limit.DailyUsed,
		"monthly_used", limit.MonthlyUsed,
	)
	return nil
}

// GetLimits returns the account's limits as they stand now, window resets
// applied.
func (s *LimitService) GetLimits(ctx context.Context, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	limit, err := s.store.Limits().GetLimit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		limit = s.defaults(accountID)
	}
	limit.ResetIfElapsed(s.now().UTC())
	return limit, nil
}

func (s *LimitService) check(limit *domain.TransactionLimit, amount decimal.Decimal) error {
	if limit.DailyUsed.Add(amount).GreaterThan(limit.DailyLimit) {
		s.logger.Info("Daily limit exceeded",
			"account_id", limit.AccountID,
			"amount", amount,
			"daily_remaining", limit.DailyRemaining(),
		)
		return errors.ErrDailyLimitExceeded.WithDetails("remaining today: " + limit.DailyRemaining().StringFixed(2))
	}
	if limit.MonthlyUsed.Add(amount).GreaterThan(limit.MonthlyLimit) {
		s.logger.Info("Monthly limit exceeded",
			"account_id", limit.AccountID,
			"amount", amount,
			"monthly_remaining", limit.MonthlyRemaining(),
		)
		return errors.ErrMonthlyLimitExceeded.WithDetails("remaining this month: " + limit.MonthlyRemaining().StringFixed(2))
	}
	return nil
}

func (s *LimitService) loadForUpdate(ctx context.Context, uow domain.Store, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	limit, err := uow.Limits().GetLimitForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		if err := uow.Limits().CreateLimit(ctx, s.defaults(accountID)); err != nil {
			return nil, err
		}
		// a concurrent creator may have won; read back whichever row exists
		if limit, err = uow.Limits().GetLimitForUpdate(ctx, accountID); err != nil {
			return nil, err
		}
		if limit == nil {
			return nil, errors.NewAppError(errors.InternalError, "limit record missing after create")
		}
	}

	if limit.ResetIfElapsed(s.now().UTC()) {
		if err := uow.Limits().UpdateLimit(ctx, limit); err != nil {
			return nil, err
		}
		s.logger.Info("Limit window reset", "account_id", accountID)
	}
	return limit, nil
}

func (s *LimitService) defaults(accountID uuid.UUID) *domain.TransactionLimit {
	now := s.now().UTC()
	return &domain.TransactionLimit{
		AccountID:        accountID,
		DailyLimit:       s.defaultDaily,
		MonthlyLimit:     s.defaultMonthly,
		DailyUsed:        decimal.Zero,
		MonthlyUsed:      decimal.Zero,
		LastDailyReset:   now,
		LastMonthlyReset: now,
		UpdatedAt:        now,
	}
}
