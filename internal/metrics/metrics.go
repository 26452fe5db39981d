package metrics

import (
	"github.com/modfin/smime/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName string `cli:"metrics-job"`
	Push        string `cli:"metrics-push-url"`
}

// Metrics owns the sign collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	config   Config
	logger   *logrus.Logger
	gatherer prometheus.Gatherer
	pusher   *push.Pusher

	signs    *prometheus.CounterVec
	warnings prometheus.Counter
	bytes    prometheus.Counter
	duration prometheus.Histogram
}

// New registers the collectors on a fresh registry so that several engines in one process, or
// in one test binary, do not clash on the default registerer.
func New(c Config, lc *tools.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		config:   c,
		logger:   lc.New("prometheus"),
		gatherer: reg,
	}
	f := promauto.With(reg)

	m.signs = f.NewCounterVec(prometheus.CounterOpts{
		Name: "smime_sign_total",
		Help: "Number of S/MIME sign calls by result.",
	}, []string{"result"})
	m.warnings = f.NewCounter(prometheus.CounterOpts{
		Name: "smime_sign_warnings_total",
		Help: "Number of non-fatal warnings reported by the signing primitive.",
	})
	m.bytes = f.NewCounter(prometheus.CounterOpts{
		Name: "smime_signed_bytes_total",
		Help: "Number of body bytes streamed into signatures.",
	})
	m.duration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "smime_sign_duration_seconds",
		Help:    "Duration of S/MIME sign calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	if c.Push != "" {
		m.pusher = push.New(c.Push, c.ServiceName).Gatherer(reg)
	}
	return m
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Observe records one sign call. result is "ok" or an error kind.
func (m *Metrics) Observe(result string, seconds float64, bodyBytes int64, warnings int) {
	if m == nil {
		return
	}
	m.signs.WithLabelValues(result).Inc()
	m.duration.Observe(seconds)
	if bodyBytes > 0 {
		m.bytes.Add(float64(bodyBytes))
	}
	if warnings > 0 {
		m.warnings.Add(float64(warnings))
	}
}

// Push sends the collected metrics to the configured Pushgateway, if any.
func (m *Metrics) Push() error {
	if m == nil || m.pusher == nil {
		return nil
	}
	m.logger.Infof("pushing metrics to %s", m.config.Push)
	err := m.pusher.Push()
	if err != nil {
		m.logger.Errorf("failed to push metrics: %v", err)
	}
	return err
}
