package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountLocked AccountStatus = "LOCKED"
	AccountClosed AccountStatus = "CLOSED"
)

type Account struct {
	ID            uuid.UUID       `json:"account_id"`
	UserID        uuid.UUID       `json:"user_id"`
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
	Status        AccountStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CanSend reports whether the account may originate a transfer.
func (a *Account) CanSend() bool {
	return a.Status == AccountActive
}

// CanReceive reports whether the account may be credited by a transfer.
func (a *Account) CanReceive() bool {
	return a.Status != AccountClosed
}

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
	EntryRefund EntryType = "REFUND"
)

// LedgerEntry is the immutable record of one balance mutation.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	TxRef         string          `json:"tx_ref"`
	Type          EntryType       `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByNumber(ctx context.Context, accountNumber string) (*Account, error)
	// GetAccountForUpdate locks the row until the enclosing unit of work ends.
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*Account, error)
	// GetAccountsForUpdate locks every listed row in ascending id order.
	GetAccountsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*Account, error)
	UpdateAccountBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus) error
}

type LedgerEntryRepository interface {
	CreateEntry(ctx context.Context, entry *LedgerEntry) error
	ListEntries(ctx context.Context, txRef string) ([]*LedgerEntry, error)
}
