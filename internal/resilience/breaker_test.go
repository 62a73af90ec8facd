package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"transfer-saga/internal/errors"
	"transfer-saga/internal/metrics"
)

type stateRecorder struct {
	metrics.NoOpCollector
	states []metrics.CircuitState
}

func (r *stateRecorder) RecordCircuitState(_ string, state metrics.CircuitState) {
	r.states = append(r.states, state)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	recorder := &stateRecorder{}
	b := NewBreaker("gateway", BreakerConfig{MaxRequests: 1, Timeout: time.Minute, ConsecutiveFailures: 2}, recorder, testLogger())

	failing := func(context.Context) (interface{}, error) { return nil, stderrors.New("connection refused") }

	_, err := b.Execute(context.Background(), failing)
	assert.Error(t, err)
	_, err = b.Execute(context.Background(), failing)
	assert.Error(t, err)

	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, []metrics.CircuitState{metrics.CircuitOpen}, recorder.states)

	called := false
	_, err = b.Execute(context.Background(), func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("gateway", BreakerConfig{MaxRequests: 1, Timeout: time.Minute, ConsecutiveFailures: 1}, nil, testLogger())

	declined := Permanent(stderrors.New("card declined"))
	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), func(context.Context) (interface{}, error) { return nil, declined })
		assert.ErrorIs(t, err, declined)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestIsPermanent(t *testing.T) {
	base := stderrors.New("invalid destination")

	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("gateway: %w", Permanent(base))))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(base), base)
}
