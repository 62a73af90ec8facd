package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

var maxInitialBalance = decimal.NewFromInt(10_000_000_000)

type CreateAccountRequest struct {
	UserID         uuid.UUID
	AccountNumber  string
	InitialBalance decimal.Decimal
}

type AccountService struct {
	store  domain.Store
	limits *LimitService
	logger *slog.Logger
}

func NewAccountService(store domain.Store, limits *LimitService, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:  store,
		limits: limits,
		logger: logger,
	}
}

func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*domain.Account, error) {
	s.logger.Info("Creating account", "account_number", req.AccountNumber, "user_id", req.UserID, "initial_balance", req.InitialBalance)

	if req.InitialBalance.IsNegative() || !req.InitialBalance.Equal(req.InitialBalance.Truncate(2)) {
		return nil, errors.ErrInvalidAmount
	}
	if req.InitialBalance.GreaterThan(maxInitialBalance) {
		return nil, errors.NewAppError(errors.InvalidAmount, "initial balance exceeds maximum limit")
	}
	if req.AccountNumber == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "account number is required")
	}
	if req.UserID == uuid.Nil {
		return nil, errors.NewAppError(errors.InvalidInput, "user id is required")
	}

	account := &domain.Account{
		ID:            uuid.New(),
		UserID:        req.UserID,
		AccountNumber: req.AccountNumber,
		Balance:       req.InitialBalance,
		Status:        domain.AccountActive,
	}
	if err := s.store.Accounts().CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created successfully", "account_id", account.ID)
	return account, nil
}

func parseAccountID(accountID string) (uuid.UUID, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return uuid.Nil, errors.ErrInvalidAccountID
	}
	return id, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return s.store.Accounts().GetAccount(ctx, id)
}

// LockAccount blocks outgoing transfers. Only ACTIVE accounts can be locked.
func (s *AccountService) LockAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.setStatus(ctx, accountID, domain.AccountActive, domain.AccountLocked)
}

func (s *AccountService) UnlockAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.setStatus(ctx, accountID, domain.AccountLocked, domain.AccountActive)
}

func (s *AccountService) setStatus(ctx context.Context, accountID string, from, to domain.AccountStatus) (*domain.Account, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}

	var account *domain.Account
	err = s.store.WithTransaction(ctx, func(uow domain.Store) error {
		account, err = uow.Accounts().GetAccountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if account.Status != from {
			return errors.ErrAccountStatusConflict.WithDetails("account is " + string(account.Status))
		}
		if err := uow.Accounts().UpdateAccountStatus(ctx, id, to); err != nil {
			return err
		}
		account.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account status changed", "account_id", id, "from", from, "to", to)
	return account, nil
}

func (s *AccountService) GetLimits(ctx context.Context, accountID string) (*domain.TransactionLimit, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.limits.GetLimits(ctx, account.ID)
}
