// Registers:
//
//	#yieldmover_cycles_total
//	#yieldmover_cycle_duration_seconds
//	#yieldmover_candidates_total
//	#yieldmover_executions_total{status}
//	#yieldmover_gas_quotes_total{chain,source}
//	#yieldmover_breaker_trips_total
//	#yieldmover_tripped_users
//	#go_* and process_* system metrics
//
// Served by the web server on /metrics.
package metrics

import (
	"net/http"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Candidates    prometheus.Counter
	Executions    *prometheus.CounterVec
	GasQuotes     *prometheus.CounterVec
	BreakerTrips  prometheus.Counter
	TrippedUsers  prometheus.Gauge
}

// New registers every collector on a fresh registry, plus the Go and process collectors when
// withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yieldmover_cycles_total",
			Help: "Number of completed scan cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "yieldmover_cycle_duration_seconds",
			Help:    "Wall time of a scan cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		Candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yieldmover_candidates_total",
			Help: "Opportunities that passed every filter",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yieldmover_executions_total",
			Help: "Executed moves by outcome",
		}, []string{"status"}),
		GasQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yieldmover_gas_quotes_total",
			Help: "Gas quotes served by chain and source",
		}, []string{"chain", "source"}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yieldmover_breaker_trips_total",
			Help: "Users tripped by the circuit breaker",
		}),
		TrippedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yieldmover_tripped_users",
			Help: "Users currently blocked by the circuit breaker",
		}),
	}

	m.registry.MustRegister(m.Cycles, m.CycleDuration, m.Candidates, m.Executions, m.GasQuotes, m.BreakerTrips, m.TrippedUsers)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(summary types.CycleSummary) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDuration.Observe(summary.Duration.Seconds())
	m.Candidates.Add(float64(summary.CandidatesFound))
}

func (m *Metrics) ObserveExecution(status types.ExecutionStatus) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(string(status)).Inc()
}

// ObserveGasQuote matches oracle.SourceObserver.
func (m *Metrics) ObserveGasQuote(chain types.ChainID, source string) {
	if m == nil {
		return
	}
	m.GasQuotes.WithLabelValues(string(chain), source).Inc()
}

func (m *Metrics) ObserveTrip() {
	if m == nil {
		return
	}
	m.BreakerTrips.Inc()
}

func (m *Metrics) SetTrippedUsers(n int) {
	if m == nil {
		return
	}
	m.TrippedUsers.Set(float64(n))
}
