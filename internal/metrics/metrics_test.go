package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/wkit/internal/navigation"
)

func TestObserveNavigation(t *testing.T) {
	m := New()
	m.ObserveNavigation(navigation.Resolved, 200*time.Millisecond, 12)
	m.ObserveNavigation(navigation.Resolved, time.Second, 3)
	m.ObserveNavigation(navigation.TimedOut, 10*time.Second, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.navigations.WithLabelValues("resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.navigations.WithLabelValues("timed_out")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.navigations.WithLabelValues("correlation_failed")))
}

func TestObserveJobAndRequest(t *testing.T) {
	m := New()
	m.ObserveJob("succeeded", 3*time.Second)
	m.ObserveJob("failed", time.Second)
	m.ObserveRequest("/wkit/request", http.StatusGatewayTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/wkit/request", "504")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveNavigation(navigation.CorrelationFailed, time.Second, 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `wkit_navigations_total{state="correlation_failed"} 1`))
	assert.Contains(t, text, "wkit_navigation_exchanges_bucket")
	assert.Contains(t, text, "go_goroutines")
}
