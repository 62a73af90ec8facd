package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidInput             ErrorCode = "invalid_input"
	InvalidAmount            ErrorCode = "invalid_amount"
	InvalidAccountID         ErrorCode = "invalid_account_id"
	SameAccountTransfer      ErrorCode = "same_account_transfer"
	AccountNotFound          ErrorCode = "account_not_found"
	AccountInactive          ErrorCode = "account_inactive"
	AccountNotOwned          ErrorCode = "account_not_owned"
	AccountStatusConflict    ErrorCode = "account_status_conflict"
	DuplicateAccount         ErrorCode = "duplicate_account"
	DuplicateTransaction     ErrorCode = "duplicate_transaction"
	DuplicateLedgerEntry     ErrorCode = "duplicate_ledger_entry"
	InsufficientBalance      ErrorCode = "insufficient_balance"
	LimitExceeded            ErrorCode = "limit_exceeded"
	InvalidDestination       ErrorCode = "invalid_destination"
	TransactionNotFound      ErrorCode = "transaction_not_found"
	TransactionConflict      ErrorCode = "transaction_status_conflict"
	ChallengeMismatch        ErrorCode = "challenge_mismatch"
	InvalidOTP               ErrorCode = "invalid_otp"
	OTPNotFound              ErrorCode = "otp_not_found"
	OTPResendCooldown        ErrorCode = "otp_resend_cooldown"
	InvalidChallengeResponse ErrorCode = "invalid_challenge_response"
	InvalidSignature         ErrorCode = "invalid_signature"
	ServiceUnavailable       ErrorCode = "service_unavailable"
	InternalError            ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code, so wrapped sentinels match.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !stderrors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy carrying details; predefined errors stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// HTTPStatus maps the error code to the status written by handlers.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount, InvalidAccountID, SameAccountTransfer, ChallengeMismatch:
		return http.StatusBadRequest
	case InvalidSignature:
		return http.StatusUnauthorized
	case AccountNotOwned:
		return http.StatusForbidden
	case AccountNotFound, TransactionNotFound, OTPNotFound:
		return http.StatusNotFound
	case DuplicateAccount, DuplicateTransaction, DuplicateLedgerEntry, TransactionConflict, AccountStatusConflict:
		return http.StatusConflict
	case InsufficientBalance, LimitExceeded, AccountInactive, InvalidOTP, InvalidChallengeResponse, InvalidDestination:
		return http.StatusUnprocessableEntity
	case OTPResendCooldown:
		return http.StatusTooManyRequests
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is is errors.Is for callers that import this package under the name errors.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As extracts the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Internal wraps an unexpected error as an internal_error with details.
func Internal(message string, err error) *AppError {
	appErr := NewAppError(InternalError, message)
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// Predefined errors for common cases
var (
	ErrInvalidInput             = NewAppError(InvalidInput, "invalid request")
	ErrInvalidAmount            = NewAppError(InvalidAmount, "amount must be positive with at most two decimal places")
	ErrInvalidAccountID         = NewAppError(InvalidAccountID, "invalid account id")
	ErrSameAccountTransfer      = NewAppError(SameAccountTransfer, "cannot transfer to the same account")
	ErrAccountNotFound          = NewAppError(AccountNotFound, "account not found")
	ErrAccountInactive          = NewAppError(AccountInactive, "account is not active")
	ErrAccountNotOwned          = NewAppError(AccountNotOwned, "account does not belong to the caller")
	ErrAccountStatusConflict    = NewAppError(AccountStatusConflict, "account status does not allow this change")
	ErrDuplicateAccount         = NewAppError(DuplicateAccount, "account already exists")
	ErrDuplicateTransaction     = NewAppError(DuplicateTransaction, "transaction already processed")
	ErrDuplicateLedgerEntry     = NewAppError(DuplicateLedgerEntry, "ledger entry already recorded")
	ErrInsufficientBalance      = NewAppError(InsufficientBalance, "insufficient balance")
	ErrDailyLimitExceeded       = NewAppError(LimitExceeded, "daily transfer limit exceeded")
	ErrMonthlyLimitExceeded     = NewAppError(LimitExceeded, "monthly transfer limit exceeded")
	ErrInvalidDestination       = NewAppError(InvalidDestination, "destination account is not a valid connected account")
	ErrTransactionNotFound      = NewAppError(TransactionNotFound, "transaction not found")
	ErrTransactionConflict      = NewAppError(TransactionConflict, "transaction status changed concurrently")
	ErrChallengeMismatch        = NewAppError(ChallengeMismatch, "transaction does not expect this challenge")
	ErrInvalidOTP               = NewAppError(InvalidOTP, "invalid otp")
	ErrOTPNotFound              = NewAppError(OTPNotFound, "no otp issued for this transaction")
	ErrOTPResendCooldown        = NewAppError(OTPResendCooldown, "otp was sent recently, please wait")
	ErrInvalidChallengeResponse = NewAppError(InvalidChallengeResponse, "challenge verification failed")
	ErrInvalidSignature         = NewAppError(InvalidSignature, "invalid webhook signature")
	ErrServiceUnavailable       = NewAppError(ServiceUnavailable, "dependency unavailable")
	ErrCannotBeginTransaction   = NewAppError(InternalError, "cannot begin a transaction inside a transaction")
)
