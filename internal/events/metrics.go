package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments derived from the journal.
type Metrics struct {
	Operations     *prometheus.CounterVec
	OperationTime  *prometheus.HistogramVec
	CircuitState   *prometheus.GaugeVec
	CircuitTrips   *prometheus.CounterVec
	Restarts       *prometheus.CounterVec
	StartupPhase   *prometheus.HistogramVec
	SignalsTotal   prometheus.Counter
	OrdersTotal    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

// Global metrics instance (singleton pattern to avoid Prometheus
// registration conflicts when multiple components initialize).
var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			Operations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradefleet_operations_total",
				Help: "Safe-evaluate operations by class and outcome",
			}, []string{"op_class", "outcome"}),
			OperationTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tradefleet_operation_duration_seconds",
				Help:    "Safe-evaluate duration by class",
				Buckets: prometheus.DefBuckets,
			}, []string{"op_class"}),
			CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tradefleet_circuit_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			}, []string{"tab", "op_class"}),
			CircuitTrips: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradefleet_circuit_trips_total",
				Help: "Circuit breaker trips to open",
			}, []string{"tab", "op_class"}),
			Restarts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradefleet_browser_restarts_total",
				Help: "Browser restarts per account",
			}, []string{"account"}),
			StartupPhase: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tradefleet_startup_phase_seconds",
				Help:    "Startup phase durations",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"phase"}),
			SignalsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradefleet_signals_total",
				Help: "Trading signals accepted by the control surface",
			}),
			OrdersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradefleet_orders_total",
				Help: "Order legs by result",
			}, []string{"result"}),
			ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradefleet_active_sessions",
				Help: "Sessions currently in READY state",
			}),
		}
	})
	return metricsInstance
}
