package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ResponseExecuted("block_ip", nil)
	m.ResponseExecuted("block_ip", errors.New("store down"))
	m.FailedOpen("detection")
	m.FailedOpen("detection")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponseActions.WithLabelValues("block_ip", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponseActions.WithLabelValues("block_ip", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FailOpen.WithLabelValues("detection")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventAnalyzed("login_failed", 0.01)
		m.AlertCreated("high")
		m.NotificationSent("webhook", nil)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.AlertCreated("critical")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `secmon_alerts_created_total{severity="critical"} 1`)
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.AlertCreated("low")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AlertsCreated.WithLabelValues("low")))
}
