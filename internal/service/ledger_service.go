package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

type BalanceChange struct {
	AccountID uuid.UUID       `json:"account_id"`
	Before    decimal.Decimal `json:"balance_before"`
	After     decimal.Decimal `json:"balance_after"`
}

type TransferBalances struct {
	From BalanceChange `json:"from"`
	To   BalanceChange `json:"to"`
}

// LedgerService mutates balances. Every method runs inside the caller's unit
// of work and reads balances only through row locks taken in that unit, so a
// failure anywhere in the unit leaves all balances untouched.
type LedgerService struct {
	logger *slog.Logger
}

func NewLedgerService(logger *slog.Logger) *LedgerService {
	return &LedgerService{logger: logger}
}

// LockAccount takes the row lock for id until uow ends.
func (l *LedgerService) LockAccount(ctx context.Context, uow domain.Store, id uuid.UUID) (*domain.Account, error) {
	return uow.Accounts().GetAccountForUpdate(ctx, id)
}

func (l *LedgerService) Debit(ctx context.Context, uow domain.Store, accountID uuid.UUID, amount decimal.Decimal, txRef string) (*BalanceChange, error) {
	account, err := l.LockAccount(ctx, uow, accountID)
	if err != nil {
		return nil, err
	}
	if account.Balance.LessThan(amount) {
		l.logger.Info("Debit rejected for insufficient balance",
			"account_id", accountID,
			"balance", account.Balance,
			"amount", amount,
			"tx_ref", txRef,
		)
		return nil, errors.ErrInsufficientBalance
	}

	change := &BalanceChange{AccountID: accountID, Before: account.Balance, After: account.Balance.Sub(amount)}
	if err := l.apply(ctx, uow, change, domain.EntryDebit, amount, txRef); err != nil {
		return nil, err
	}
	return change, nil
}

// Credit adds amount to the account. entryType is CREDIT for transfers and
// deposits and REFUND for compensation; a second entry of the same type for
// the same txRef is rejected.
func (l *LedgerService) Credit(ctx context.Context, uow domain.Store, accountID uuid.UUID, amount decimal.Decimal, txRef string, entryType domain.EntryType) (*BalanceChange, error) {
	account, err := l.LockAccount(ctx, uow, accountID)
	if err != nil {
		return nil, err
	}

	change := &BalanceChange{AccountID: accountID, Before: account.Balance, After: account.Balance.Add(amount)}
	if err := l.apply(ctx, uow, change, entryType, amount, txRef); err != nil {
		return nil, err
	}
	return change, nil
}

// AtomicTransfer locks both accounts in one request ordered by id, so two
// transfers in opposite directions over the same pair cannot deadlock.
func (l *LedgerService) AtomicTransfer(ctx context.Context, uow domain.Store, fromID, toID uuid.UUID, amount decimal.Decimal, txRef string) (*TransferBalances, error) {
	accounts, err := uow.Accounts().GetAccountsForUpdate(ctx, []uuid.UUID{fromID, toID})
	if err != nil {
		return nil, err
	}
	if len(accounts) < 2 {
		return nil, errors.ErrAccountNotFound
	}

	var from, to *domain.Account
	for _, a := range accounts {
		switch a.ID {
		case fromID:
			from = a
		case toID:
			to = a
		}
	}
	if from == nil || to == nil {
		return nil, errors.ErrAccountNotFound
	}

	if !from.CanSend() || !to.CanReceive() {
		return nil, errors.ErrAccountInactive
	}
	if from.Balance.LessThan(amount) {
		l.logger.Info("Transfer rejected for insufficient balance",
			"from_account_id", fromID,
			"balance", from.Balance,
			"amount", amount,
			"tx_ref", txRef,
		)
		return nil, errors.ErrInsufficientBalance
	}

	result := &TransferBalances{
		From: BalanceChange{AccountID: fromID, Before: from.Balance, After: from.Balance.Sub(amount)},
		To:   BalanceChange{AccountID: toID, Before: to.Balance, After: to.Balance.Add(amount)},
	}
	if err := l.apply(ctx, uow, &result.From, domain.EntryDebit, amount, txRef); err != nil {
		return nil, err
	}
	if err := l.apply(ctx, uow, &result.To, domain.EntryCredit, amount, txRef); err != nil {
		return nil, err
	}

	l.logger.Info("Ledger transfer applied",
		"tx_ref", txRef,
		"from_account_id", fromID,
		"to_account_id", toID,
		"amount", amount,
	)
	return result, nil
}

func (l *LedgerService) apply(ctx context.Context, uow domain.Store, change *BalanceChange, entryType domain.EntryType, amount decimal.Decimal, txRef string) error {
	if err := uow.Accounts().UpdateAccountBalance(ctx, change.AccountID, change.After); err != nil {
		return err
	}
	return uow.Entries().CreateEntry(ctx, &domain.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     change.AccountID,
		TxRef:         txRef,
		Type:          entryType,
		Amount:        amount,
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
	})
}
