package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	pc := NewPrometheusCollector("transfer_saga")
	require.NoError(t, pc.Register(registry))

	pc.RecordTransfer("INTERNAL_TRANSFER", "COMPLETED")
	pc.RecordTransfer("INTERNAL_TRANSFER", "COMPLETED")
	pc.RecordRollbackFailed()
	pc.RecordGatewayCall(false, 150*time.Millisecond)
	pc.RecordOutboxPending(7)
	pc.RecordCircuitState("gateway", CircuitOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(pc.transfers.WithLabelValues("INTERNAL_TRANSFER", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.rollbackFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.gatewayCalls.WithLabelValues("false")))
	assert.Equal(t, 7.0, testutil.ToFloat64(pc.outboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.circuitState.WithLabelValues("gateway")))
}

func TestRegisterTwiceFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, NewPrometheusCollector("a").Register(registry))
	assert.Error(t, NewPrometheusCollector("a").Register(registry))
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
