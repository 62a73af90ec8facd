package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector for Prometheus.
type PrometheusCollector struct {
	transfers       *prometheus.CounterVec
	rollbackFailed  prometheus.Counter
	challenges      *prometheus.CounterVec
	gatewayCalls    *prometheus.CounterVec
	gatewayLatency  prometheus.Histogram
	webhooks        *prometheus.CounterVec
	outboxPublished *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	circuitState    *prometheus.GaugeVec
}

func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Transfers reaching a saga state, by type and status",
			},
			[]string{"type", "status"},
		),
		rollbackFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_failed_total",
				Help:      "Compensations that failed and need manual reconciliation",
			},
		),
		challenges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "challenges_total",
				Help:      "Resolved step-up challenges by type",
			},
			[]string{"type"},
		),
		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Payment gateway transfer calls by result",
			},
			[]string{"success"},
		),
		gatewayLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Payment gateway transfer call latency including retries",
				Buckets:   prometheus.DefBuckets,
			},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Gateway webhooks by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		outboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox publish attempts by result",
			},
			[]string{"success"},
		),
		outboxPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending",
				Help:      "Outbox rows waiting to be published",
			},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transfers,
		pc.rollbackFailed,
		pc.challenges,
		pc.gatewayCalls,
		pc.gatewayLatency,
		pc.webhooks,
		pc.outboxPublished,
		pc.outboxPending,
		pc.circuitState,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) RecordTransfer(txType, status string) {
	pc.transfers.WithLabelValues(txType, status).Inc()
}

func (pc *PrometheusCollector) RecordRollbackFailed() {
	pc.rollbackFailed.Inc()
}

func (pc *PrometheusCollector) RecordChallenge(challengeType string) {
	pc.challenges.WithLabelValues(challengeType).Inc()
}

func (pc *PrometheusCollector) RecordGatewayCall(success bool, duration time.Duration) {
	pc.gatewayCalls.WithLabelValues(strconv.FormatBool(success)).Inc()
	pc.gatewayLatency.Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordWebhook(event, outcome string) {
	pc.webhooks.WithLabelValues(event, outcome).Inc()
}

func (pc *PrometheusCollector) RecordOutboxPublish(success bool) {
	pc.outboxPublished.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (pc *PrometheusCollector) RecordOutboxPending(depth int64) {
	pc.outboxPending.Set(float64(depth))
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
}
