package domain

import "context"

// Store groups the repositories that share one unit of work.
type Store interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	Limits() LimitRepository
	Entries() LedgerEntryRepository
	Outbox() OutboxRepository
	// WithTransaction runs fn against a transactional Store and commits or
	// rolls back exactly once when fn returns.
	WithTransaction(ctx context.Context, fn func(Store) error) error
}
