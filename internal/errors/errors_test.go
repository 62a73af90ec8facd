package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDetailsDoesNotMutateSentinel(t *testing.T) {
	detailed := ErrAccountNotFound.WithDetails("id=42")

	assert.Equal(t, "id=42", detailed.Details)
	assert.Empty(t, ErrAccountNotFound.Details)
	assert.Equal(t, AccountNotFound, detailed.Code)
}

func TestIsMatchesWrappedCode(t *testing.T) {
	wrapped := fmt.Errorf("debit: %w", ErrInsufficientBalance.WithDetails("balance=1"))

	assert.True(t, Is(wrapped, ErrInsufficientBalance))
	assert.False(t, Is(wrapped, ErrAccountNotFound))
	assert.False(t, Is(stderrors.New("plain"), ErrAccountNotFound))

	appErr, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, InsufficientBalance, appErr.Code)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[*AppError]int{
		ErrInvalidAmount:            http.StatusBadRequest,
		ErrSameAccountTransfer:      http.StatusBadRequest,
		ErrInvalidSignature:         http.StatusUnauthorized,
		ErrAccountNotOwned:          http.StatusForbidden,
		ErrAccountNotFound:          http.StatusNotFound,
		ErrDuplicateAccount:         http.StatusConflict,
		ErrTransactionConflict:      http.StatusConflict,
		ErrInsufficientBalance:      http.StatusUnprocessableEntity,
		ErrDailyLimitExceeded:       http.StatusUnprocessableEntity,
		ErrOTPResendCooldown:        http.StatusTooManyRequests,
		ErrServiceUnavailable:       http.StatusServiceUnavailable,
		Internal("boom", nil):       http.StatusInternalServerError,
		ErrInvalidChallengeResponse: http.StatusUnprocessableEntity,
	}

	for appErr, want := range cases {
		assert.Equal(t, want, appErr.HTTPStatus(), string(appErr.Code))
	}
}
