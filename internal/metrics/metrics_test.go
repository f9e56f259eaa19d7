package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New(false)

	m.ObserveCycle(types.CycleSummary{Duration: 2 * time.Second, CandidatesFound: 3})
	m.ObserveExecution(types.ExecutionSucceeded)
	m.ObserveExecution(types.ExecutionSucceeded)
	m.ObserveExecution(types.ExecutionPartial)
	m.ObserveGasQuote(types.ChainBase, "owlracle")
	m.ObserveTrip()
	m.SetTrippedUsers(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Candidates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Executions.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GasQuotes.WithLabelValues("base", "owlracle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TrippedUsers))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle(types.CycleSummary{})
		m.ObserveExecution(types.ExecutionFailed)
		m.ObserveGasQuote(types.ChainBase, "node")
		m.ObserveTrip()
		m.SetTrippedUsers(1)
	})
}

func TestHandlerServesText(t *testing.T) {
	m := New(false)
	m.ObserveTrip()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "yieldmover_breaker_trips_total 1")
}
