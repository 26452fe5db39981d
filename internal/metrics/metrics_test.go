package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/modfin/smime/tools"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New(Config{}, tools.LoggerCloner(nil))
	m.Observe("ok", 0.2, 1024, 0)
	m.Observe("ok", 0.1, 2048, 2)
	m.Observe("signing-error", 0.1, 0, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.signs.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.signs.WithLabelValues("signing-error")))
	assert.Equal(t, float64(3072), testutil.ToFloat64(m.bytes))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.warnings))

	n, err := testutil.GatherAndCount(m.Gatherer(), "smime_sign_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Observe("ok", 1, 1, 1)
	assert.NoError(t, m.Push())
}

func TestPush(t *testing.T) {
	var pushed atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed.Store(r.Method + " " + r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{ServiceName: "smime", Push: srv.URL}, tools.LoggerCloner(nil))
	m.Observe("ok", 0.1, 10, 0)
	require.NoError(t, m.Push())
	assert.True(t, strings.HasPrefix(pushed.Load().(string), "PUT /metrics/job/smime"))

	// nothing configured, nothing pushed
	assert.NoError(t, New(Config{}, nil).Push())
}
