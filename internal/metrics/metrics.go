package metrics

import "time"

// Collector records saga, gateway and outbox metrics.
type Collector interface {
	RecordTransfer(txType, status string)
	RecordRollbackFailed()
	RecordChallenge(challengeType string)
	RecordGatewayCall(success bool, duration time.Duration)
	RecordWebhook(event, outcome string)
	RecordOutboxPublish(success bool)
	RecordOutboxPending(depth int64)
	RecordCircuitState(name string, state CircuitState)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything.
type NoOpCollector struct{}

func (NoOpCollector) RecordTransfer(string, string) {}
func (NoOpCollector) RecordRollbackFailed() {}
func (NoOpCollector) RecordChallenge(string) {}
func (NoOpCollector) RecordGatewayCall(bool, time.Duration) {}
func (NoOpCollector) RecordWebhook(string, string) {}
func (NoOpCollector) RecordOutboxPublish(bool) {}
func (NoOpCollector) RecordOutboxPending(int64) {}
func (NoOpCollector) RecordCircuitState(string, CircuitState) {}
