// Package memory is an in-process domain.Store. A unit of work holds the
// store mutex for its whole duration and works on a copy of the state that is
// swapped in on commit, which gives the same all-or-nothing behaviour as the
// postgres store with serializable isolation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

type state struct {
	accounts     map[uuid.UUID]domain.Account
	transactions map[uuid.UUID]domain.Transaction
	limits       map[uuid.UUID]domain.TransactionLimit
	entries      []domain.LedgerEntry
	outbox       []domain.OutboxEvent
}

func newState() *state {
	return &state{
		accounts:     make(map[uuid.UUID]domain.Account),
		transactions: make(map[uuid.UUID]domain.Transaction),
		limits:       make(map[uuid.UUID]domain.TransactionLimit),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.limits {
		c.limits[k] = v
	}
	c.entries = append([]domain.LedgerEntry(nil), s.entries...)
	c.outbox = append([]domain.OutboxEvent(nil), s.outbox...)
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu    *sync.Mutex
	state *state
	inTx  bool
}

var _ domain.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{mu: &sync.Mutex{}, state: newState()}
}

func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		return errors.ErrCannotBeginTransaction
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txStore := &Store{mu: s.mu, state: s.state.clone(), inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}
	s.state = txStore.state
	return nil
}

// view runs fn under the mutex unless this store is already a unit of work.
func (s *Store) view(fn func(st *state) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.state)
}

func (s *Store) Accounts() domain.AccountRepository { return accountRepo{s} }
func (s *Store) Transactions() domain.TransactionRepository { return transactionRepo{s} }
func (s *Store) Limits() domain.LimitRepository { return limitRepo{s} }
func (s *Store) Entries() domain.LedgerEntryRepository { return entryRepo{s} }
func (s *Store) Outbox() domain.OutboxRepository { return outboxRepo{s} }

type accountRepo struct{ s *Store }

func (r accountRepo) CreateAccount(_ context.Context, account *domain.Account) error {
	return r.s.view(func(st *state) error {
		if _, ok := st.accounts[account.ID]; ok {
			return errors.ErrDuplicateAccount
		}
		for _, a := range st.accounts {
			if a.AccountNumber == account.AccountNumber {
				return errors.ErrDuplicateAccount
			}
		}
		now := time.Now().UTC()
		if account.Status == "" {
			account.Status = domain.AccountActive
		}
		account.CreatedAt, account.UpdatedAt = now, now
		st.accounts[account.ID] = *account
		return nil
	})
}

func (r accountRepo) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	var out *domain.Account
	err := r.s.view(func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return errors.ErrAccountNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func (r accountRepo) GetAccountByNumber(_ context.Context, accountNumber string) (*domain.Account, error) {
	var out *domain.Account
	err := r.s.view(func(st *state) error {
		for _, a := range st.accounts {
			if a.AccountNumber == accountNumber {
				acc := a
				out = &acc
				return nil
			}
		}
		return errors.ErrAccountNotFound
	})
	return out, err
}

func (r accountRepo) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return r.GetAccount(ctx, id)
}

func (r accountRepo) GetAccountsForUpdate(_ context.Context, ids []uuid.UUID) ([]*domain.Account, error) {
	var out []*domain.Account
	err := r.s.view(func(st *state) error {
		seen := make(map[uuid.UUID]bool)
		for _, id := range ids {
			if a, ok := st.accounts[id]; ok && !seen[id] {
				seen[id] = true
				acc := a
				out = append(out, &acc)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

func (r accountRepo) UpdateAccountBalance(_ context.Context, id uuid.UUID, newBalance decimal.Decimal) error {
	return r.s.view(func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return errors.ErrAccountNotFound
		}
		if newBalance.IsNegative() {
			return errors.ErrInsufficientBalance
		}
		a.Balance = newBalance
		a.UpdatedAt = time.Now().UTC()
		st.accounts[id] = a
		return nil
	})
}

func (r accountRepo) UpdateAccountStatus(_ context.Context, id uuid.UUID, status domain.AccountStatus) error {
	return r.s.view(func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return errors.ErrAccountNotFound
		}
		a.Status = status
		a.UpdatedAt = time.Now().UTC()
		st.accounts[id] = a
		return nil
	})
}

type transactionRepo struct{ s *Store }

func (r transactionRepo) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	return r.s.view(func(st *state) error {
		if _, ok := st.transactions[tx.ID]; ok {
			return errors.ErrDuplicateTransaction
		}
		if tx.IdempotencyKey != nil {
			for _, existing := range st.transactions {
				if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *tx.IdempotencyKey {
					return errors.ErrDuplicateTransaction
				}
			}
		}
		now := time.Now().UTC()
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.UpdatedAt = now
		st.transactions[tx.ID] = *tx
		return nil
	})
}

func (r transactionRepo) GetTransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.s.view(func(st *state) error {
		tx, ok := st.transactions[id]
		if !ok {
			return errors.ErrTransactionNotFound
		}
		out = &tx
		return nil
	})
	return out, err
}

func (r transactionRepo) find(match func(domain.Transaction) bool) *domain.Transaction {
	var out *domain.Transaction
	_ = r.s.view(func(st *state) error {
		for _, tx := range st.transactions {
			if match(tx) {
				t := tx
				out = &t
				return nil
			}
		}
		return nil
	})
	return out
}

func (r transactionRepo) GetTransactionByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	return r.find(func(tx domain.Transaction) bool {
		return tx.IdempotencyKey != nil && *tx.IdempotencyKey == key
	}), nil
}

func (r transactionRepo) GetTransactionByGatewayTransferID(_ context.Context, transferID string) (*domain.Transaction, error) {
	tx := r.find(func(tx domain.Transaction) bool {
		return transferID != "" && tx.GatewayTransferID == transferID
	})
	if tx == nil {
		return nil, errors.ErrTransactionNotFound
	}
	return tx, nil
}

func (r transactionRepo) GetTransactionByGatewayIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	tx := r.find(func(tx domain.Transaction) bool {
		return key != "" && tx.GatewayIdempotencyKey == key
	})
	if tx == nil {
		return nil, errors.ErrTransactionNotFound
	}
	return tx, nil
}

func (r transactionRepo) UpdateTransaction(_ context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error {
	return r.s.view(func(st *state) error {
		stored, ok := st.transactions[tx.ID]
		if !ok || stored.Status != expected {
			return errors.ErrTransactionConflict
		}
		tx.UpdatedAt = time.Now().UTC()
		stored.Status = tx.Status
		stored.SagaStep = tx.SagaStep
		stored.ChallengeID = tx.ChallengeID
		stored.GatewayIdempotencyKey = tx.GatewayIdempotencyKey
		stored.GatewayTransferID = tx.GatewayTransferID
		stored.GatewayTransferStatus = tx.GatewayTransferStatus
		stored.GatewayFailureCode = tx.GatewayFailureCode
		stored.GatewayFailureMessage = tx.GatewayFailureMessage
		stored.FailureReason = tx.FailureReason
		stored.WebhookReceivedAt = tx.WebhookReceivedAt
		stored.CompletedAt = tx.CompletedAt
		stored.UpdatedAt = tx.UpdatedAt
		st.transactions[tx.ID] = stored
		return nil
	})
}

func (r transactionRepo) ListTransactions(_ context.Context, accountNumber string, direction domain.Direction, page domain.Page) ([]*domain.Transaction, int64, error) {
	var matched []domain.Transaction
	_ = r.s.view(func(st *state) error {
		for _, tx := range st.transactions {
			sent := tx.SenderAccountNumber == accountNumber
			received := tx.ReceiverAccountNumber == accountNumber
			switch direction {
			case domain.DirectionSent:
				received = false
			case domain.DirectionReceived:
				sent = false
			}
			if sent || received {
				matched = append(matched, tx)
			}
		}
		return nil
	})

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	var out []*domain.Transaction
	for i := page.Offset(); i < len(matched) && len(out) < page.Size; i++ {
		tx := matched[i]
		out = append(out, &tx)
	}
	return out, total, nil
}

func (r transactionRepo) ListStaleTransactions(_ context.Context, status domain.TransactionStatus, updatedBefore time.Time, limit int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	_ = r.s.view(func(st *state) error {
		for _, tx := range st.transactions {
			if tx.Status == status && tx.UpdatedAt.Before(updatedBefore) {
				t := tx
				out = append(out, &t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type limitRepo struct{ s *Store }

func (r limitRepo) GetLimit(_ context.Context, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	var out *domain.TransactionLimit
	_ = r.s.view(func(st *state) error {
		if l, ok := st.limits[accountID]; ok {
			out = &l
		}
		return nil
	})
	return out, nil
}

func (r limitRepo) GetLimitForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.TransactionLimit, error) {
	return r.GetLimit(ctx, accountID)
}

func (r limitRepo) CreateLimit(_ context.Context, limit *domain.TransactionLimit) error {
	return r.s.view(func(st *state) error {
		if _, ok := st.limits[limit.AccountID]; !ok {
			limit.UpdatedAt = time.Now().UTC()
			st.limits[limit.AccountID] = *limit
		}
		return nil
	})
}

func (r limitRepo) UpdateLimit(_ context.Context, limit *domain.TransactionLimit) error {
	return r.s.view(func(st *state) error {
		limit.UpdatedAt = time.Now().UTC()
		st.limits[limit.AccountID] = *limit
		return nil
	})
}

type entryRepo struct{ s *Store }

func (r entryRepo) CreateEntry(_ context.Context, entry *domain.LedgerEntry) error {
	return r.s.view(func(st *state) error {
		for _, e := range st.entries {
			if e.TxRef == entry.TxRef && e.AccountID == entry.AccountID && e.Type == entry.Type {
				return errors.ErrDuplicateLedgerEntry
			}
		}
		entry.CreatedAt = time.Now().UTC()
		st.entries = append(st.entries, *entry)
		return nil
	})
}

func (r entryRepo) ListEntries(_ context.Context, txRef string) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	_ = r.s.view(func(st *state) error {
		for _, e := range st.entries {
			if e.TxRef == txRef {
				entry := e
				out = append(out, &entry)
			}
		}
		return nil
	})
	return out, nil
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) CreateEvent(_ context.Context, event *domain.OutboxEvent) error {
	return r.s.view(func(st *state) error {
		if event.Status == "" {
			event.Status = domain.OutboxPending
		}
		event.CreatedAt = time.Now().UTC()
		st.outbox = append(st.outbox, *event)
		return nil
	})
}

func (r outboxRepo) ClaimPending(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	_ = r.s.view(func(st *state) error {
		for _, e := range st.outbox {
			if e.Status == domain.OutboxPending && len(out) < limit {
				event := e
				out = append(out, &event)
			}
		}
		return nil
	})
	return out, nil
}

func (r outboxRepo) update(id uuid.UUID, fn func(e *domain.OutboxEvent)) error {
	return r.s.view(func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == id && st.outbox[i].Status == domain.OutboxPending {
				fn(&st.outbox[i])
			}
		}
		return nil
	})
}

func (r outboxRepo) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(e *domain.OutboxEvent) {
		e.Status = domain.OutboxPublished
		e.PublishedAt = &at
		e.LastError = ""
	})
}

func (r outboxRepo) RecordFailure(_ context.Context, id uuid.UUID, lastError string, maxRetries int) error {
	return r.update(id, func(e *domain.OutboxEvent) {
		e.RetryCount++
		e.LastError = lastError
		if e.RetryCount >= maxRetries {
			e.Status = domain.OutboxFailed
		}
	})
}

func (r outboxRepo) CountPending(_ context.Context) (int64, error) {
	var n int64
	_ = r.s.view(func(st *state) error {
		for _, e := range st.outbox {
			if e.Status == domain.OutboxPending {
				n++
			}
		}
		return nil
	})
	return n, nil
}

// Events returns a snapshot of every outbox row.
func (s *Store) Events() []domain.OutboxEvent {
	var out []domain.OutboxEvent
	_ = s.view(func(st *state) error {
		out = append(out, st.outbox...)
		return nil
	})
	return out
}
