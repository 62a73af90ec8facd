package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

type ledgerEntryRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewLedgerEntryRepository(db SQLExecutor, logger *slog.Logger) domain.LedgerEntryRepository {
	return &ledgerEntryRepository{db: db, logger: logger}
}

func (r *ledgerEntryRepository) CreateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, account_id, tx_ref, entry_type, amount, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	entry.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.TxRef,
		string(entry.Type),
		entry.Amount.String(),
		entry.BalanceBefore.String(),
		entry.BalanceAfter.String(),
		entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_ledger_entries_ref") {
			r.logger.Warn("Ledger entry already recorded", "tx_ref", entry.TxRef, "account_id", entry.AccountID, "entry_type", entry.Type)
			return errors.ErrDuplicateLedgerEntry
		}
		r.logger.Error("Failed to create ledger entry", "tx_ref", entry.TxRef, "error", err)
		return errors.Internal("failed to create ledger entry", err)
	}
	return nil
}

func (r *ledgerEntryRepository) ListEntries(ctx context.Context, txRef string) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT id, account_id, tx_ref, entry_type, amount, balance_before, balance_after, created_at
		FROM ledger_entries WHERE tx_ref = $1 ORDER BY created_at, entry_type
	`

	rows, err := r.db.QueryContext(ctx, query, txRef)
	if err != nil {
		return nil, errors.Internal("failed to list ledger entries", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var entryType, amount, before, after string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TxRef, &entryType, &amount, &before, &after, &e.CreatedAt); err != nil {
			return nil, errors.Internal("failed to scan ledger entry", err)
		}
		e.Type = domain.EntryType(entryType)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.Internal("failed to parse ledger entry", err)
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, errors.Internal("failed to parse ledger entry", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, errors.Internal("failed to parse ledger entry", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to list ledger entries", err)
	}
	return entries, nil
}
