package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/resilience"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) ValidateDestination(ctx context.Context, destination string) (bool, error) {
	args := m.Called(ctx, destination)
	return args.Bool(0), args.Error(1)
}

func (m *mockGateway) CreateTransfer(ctx context.Context, req domain.GatewayTransferRequest) (*domain.GatewayTransfer, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayTransfer), args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRetrying(next domain.PaymentGateway, retries uint64, tripAfter uint32) *RetryingGateway {
	breaker := resilience.NewBreaker("gateway", resilience.BreakerConfig{
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: tripAfter,
	}, nil, discardLogger())
	policy := RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	return NewRetryingGateway(next, breaker, policy, nil, discardLogger())
}

func transferRequest() domain.GatewayTransferRequest {
	return domain.GatewayTransferRequest{
		Amount:         decimal.NewFromInt(100),
		Destination:    "acct_123",
		IdempotencyKey: "key-1",
	}
}

func TestRetryingGatewayRecoversFromTransientFailure(t *testing.T) {
	next := &mockGateway{}
	req := transferRequest()
	next.On("CreateTransfer", mock.Anything, req).Return(nil, stderrors.New("connection reset")).Twice()
	next.On("CreateTransfer", mock.Anything, req).Return(&domain.GatewayTransfer{TransferID: "tr_1"}, nil).Once()

	g := newRetrying(next, 3, 10)
	tr, err := g.CreateTransfer(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "tr_1", tr.TransferID)
	next.AssertNumberOfCalls(t, "CreateTransfer", 3)
}

func TestRetryingGatewayStopsOnPermanentError(t *testing.T) {
	next := &mockGateway{}
	req := transferRequest()
	declined := resilience.Permanent(stderrors.New("declined"))
	next.On("CreateTransfer", mock.Anything, req).Return(nil, declined)

	g := newRetrying(next, 5, 10)
	_, err := g.CreateTransfer(context.Background(), req)

	assert.ErrorIs(t, err, declined)
	next.AssertNumberOfCalls(t, "CreateTransfer", 1)
}

func TestRetryingGatewayGivesUpAfterMaxRetries(t *testing.T) {
	next := &mockGateway{}
	req := transferRequest()
	next.On("CreateTransfer", mock.Anything, req).Return(nil, stderrors.New("timeout"))

	g := newRetrying(next, 2, 10)
	_, err := g.CreateTransfer(context.Background(), req)

	assert.EqualError(t, err, "timeout")
	next.AssertNumberOfCalls(t, "CreateTransfer", 3)
}

func TestRetryingGatewayOpenCircuitFailsFast(t *testing.T) {
	next := &mockGateway{}
	req := transferRequest()
	next.On("CreateTransfer", mock.Anything, req).Return(nil, stderrors.New("timeout"))

	g := newRetrying(next, 5, 2)
	_, err := g.CreateTransfer(context.Background(), req)

	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	next.AssertNumberOfCalls(t, "CreateTransfer", 2)
}

func TestRetryingGatewayValidateDestination(t *testing.T) {
	next := &mockGateway{}
	next.On("ValidateDestination", mock.Anything, "acct_ok").Return(true, nil)

	ok, err := newRetrying(next, 1, 10).ValidateDestination(context.Background(), "acct_ok")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSandboxGateway(t *testing.T) {
	g := NewSandboxGateway(discardLogger())
	ctx := context.Background()

	ok, err := g.ValidateDestination(ctx, "acct_abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.ValidateDestination(ctx, "bogus")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := g.CreateTransfer(ctx, transferRequest())
	require.NoError(t, err)
	replay, err := g.CreateTransfer(ctx, transferRequest())
	require.NoError(t, err)
	assert.Equal(t, first.TransferID, replay.TransferID)

	req := transferRequest()
	req.Destination = sandboxDeclined
	_, err = g.CreateTransfer(ctx, req)
	assert.True(t, resilience.IsPermanent(err))
}

func TestClassifyStripeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"payment required", http.StatusPaymentRequired, true},
		{"rate limited", http.StatusTooManyRequests, false},
		{"idempotency conflict", http.StatusConflict, false},
		{"server error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(&stripe.Error{HTTPStatusCode: tt.status, Msg: "boom"})
			assert.Equal(t, tt.permanent, resilience.IsPermanent(err))
		})
	}

	plain := stderrors.New("dial tcp")
	assert.Equal(t, plain, classify(plain))
}
