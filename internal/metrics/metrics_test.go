package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.PositionOpened("signal")
	m.PositionOpened("reentry")
	m.PositionClosed("stop_loss")
	m.Execution("sell", "ok", 300*time.Millisecond)
	m.Execution("sell", "error", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.opened.WithLabelValues("signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closed.WithLabelValues("stop_loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("sell", "error")))

	m.SetActive(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.active))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PositionOpened("signal")
		m.PositionClosed("manual")
		m.Execution("buy", "ok", time.Second)
		m.HTTPRequest("GET", 200)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.HTTPRequest("GET", 200)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `exitpilot_http_requests_total{code="200",method="GET"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
