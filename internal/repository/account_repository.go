package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

const accountColumns = `id, user_id, account_number, balance, status, created_at, updated_at`

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, user_id, account_number, balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	now := time.Now().UTC()
	if account.Status == "" {
		account.Status = domain.AccountActive
	}

	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.UserID,
		account.AccountNumber,
		account.Balance.String(),
		string(account.Status),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID, "account_number", account.AccountNumber)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return errors.Internal("failed to create account", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id), id.String())
}

func (r *accountRepository) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, accountNumber), accountNumber)
}

func (r *accountRepository) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id), id.String())
}

// GetAccountsForUpdate issues one locking read for all ids. Postgres acquires
// the row locks in ORDER BY order, so every caller locks in ascending id order.
func (r *accountRepository) GetAccountsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*domain.Account, error) {
	sorted := make([]string, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, id.String())
	}
	sort.Strings(sorted)

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(sorted))
	if err != nil {
		r.logger.Error("Failed to lock accounts", "account_ids", sorted, "error", err)
		return nil, errors.Internal("failed to lock accounts", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		account, err := r.scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to lock accounts", err)
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *accountRepository) scanAccount(row rowScanner, ref string) (*domain.Account, error) {
	var account domain.Account
	var balanceStr, status string

	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.AccountNumber,
		&balanceStr,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Account not found", "account", ref)
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account", ref, "error", err)
		return nil, errors.Internal("failed to get account", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		r.logger.Error("Failed to parse balance", "account_id", account.ID, "balance_str", balanceStr, "error", err)
		return nil, errors.Internal("failed to parse balance", err)
	}

	account.Balance = balance
	account.Status = domain.AccountStatus(status)
	return &account, nil
}

func (r *accountRepository) UpdateAccountBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, newBalance.String(), time.Now().UTC(), id)
	if err != nil {
		if isCheckViolation(err) {
			return errors.ErrInsufficientBalance
		}
		r.logger.Error("Failed to update account balance", "account_id", id, "error", err)
		return errors.Internal("failed to update account balance", err)
	}

	return r.expectOneRow(result, id)
}

func (r *accountRepository) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	query := `UPDATE accounts SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		r.logger.Error("Failed to update account status", "account_id", id, "error", err)
		return errors.Internal("failed to update account status", err)
	}

	if err := r.expectOneRow(result, id); err != nil {
		return err
	}
	r.logger.Info("Account status updated", "account_id", id, "status", status)
	return nil
}

func (r *accountRepository) expectOneRow(result sql.Result, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		r.logger.Warn("No account found to update", "account_id", id)
		return errors.ErrAccountNotFound
	}
	return nil
}
