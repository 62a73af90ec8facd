package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	account, err := h.accounts.CreateAccount(ctx, CreateAccountRequest{
		UserID:         uuid.New(),
		AccountNumber:  "2001",
		InitialBalance: decimal.RequireFromString("150.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, account.Status)

	got, err := h.accounts.GetAccount(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "150.25", got.Balance.StringFixed(2))

	_, err = h.accounts.CreateAccount(ctx, CreateAccountRequest{
		UserID:         uuid.New(),
		AccountNumber:  "2001",
		InitialBalance: decimal.Zero,
	})
	assert.ErrorIs(t, err, errors.ErrDuplicateAccount)
}

func TestCreateAccountValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateAccountRequest
		want errors.ErrorCode
	}{
		{"negative balance", CreateAccountRequest{UserID: uuid.New(), AccountNumber: "1", InitialBalance: decimal.NewFromInt(-1)}, errors.InvalidAmount},
		{"three decimals", CreateAccountRequest{UserID: uuid.New(), AccountNumber: "1", InitialBalance: decimal.RequireFromString("1.001")}, errors.InvalidAmount},
		{"over maximum", CreateAccountRequest{UserID: uuid.New(), AccountNumber: "1", InitialBalance: decimal.NewFromInt(10_000_000_001)}, errors.InvalidAmount},
		{"missing number", CreateAccountRequest{UserID: uuid.New(), InitialBalance: decimal.Zero}, errors.InvalidInput},
		{"missing user", CreateAccountRequest{AccountNumber: "1", InitialBalance: decimal.Zero}, errors.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.accounts.CreateAccount(context.Background(), tt.req)
			appErr, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, appErr.Code)
		})
	}
}

func TestGetAccountInvalidID(t *testing.T) {
	h := newHarness(t)

	_, err := h.accounts.GetAccount(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, errors.ErrInvalidAccountID)

	_, err = h.accounts.GetAccount(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
}

func TestLockAndUnlockAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	account := h.account(t, "1001", "10.00")
	id := account.ID.String()

	locked, err := h.accounts.LockAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountLocked, locked.Status)

	_, err = h.accounts.LockAccount(ctx, id)
	assert.ErrorIs(t, err, errors.ErrAccountStatusConflict)

	unlocked, err := h.accounts.UnlockAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, unlocked.Status)

	_, err = h.accounts.UnlockAccount(ctx, id)
	assert.ErrorIs(t, err, errors.ErrAccountStatusConflict)

	require.NoError(t, h.mem.Accounts().UpdateAccountStatus(ctx, account.ID, domain.AccountClosed))
	_, err = h.accounts.LockAccount(ctx, id)
	assert.ErrorIs(t, err, errors.ErrAccountStatusConflict)
}

func TestAccountLimits(t *testing.T) {
	h := newHarness(t)
	account := h.account(t, "1001", "10.00")
	require.NoError(t, commitUsage(t, h, account, "12.50", true))

	limit, err := h.accounts.GetLimits(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "12.50", limit.DailyUsed.StringFixed(2))
	assert.Equal(t, "49987.50", limit.DailyRemaining().StringFixed(2))
}
