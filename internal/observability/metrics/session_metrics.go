package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics captures generation pipeline health signals.
type SessionMetrics struct {
	admitted        *prometheus.CounterVec
	finalized       *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	creditsSettled  prometheus.Counter
	creditsReleased prometheus.Counter
}

var (
	sessionMetricsOnce sync.Once
	sessionMetrics     *SessionMetrics
)

// Sessions returns the singleton session metrics registry.
func Sessions() *SessionMetrics {
	return SessionsWithConfig(Config{})
}

// SessionsWithConfig returns the singleton session metrics registry using config labels.
func SessionsWithConfig(cfg Config) *SessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionMetrics = newSessionMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sessionMetrics
}

// ResetSessionMetricsForTest resets the session metrics singleton for tests.
func ResetSessionMetricsForTest() {
	sessionMetricsOnce = sync.Once{}
	sessionMetrics = nil
}

func newSessionMetrics(registerer prometheus.Registerer, cfg Config) *SessionMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "loreline"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	admitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "loreline_sessions_admitted_total",
		Help:        "Generation sessions admitted, by kind and origin.",
		ConstLabels: constLabels,
	}, []string{"kind", "source"})
	finalized := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "loreline_sessions_finalized_total",
		Help:        "Generation sessions reaching a terminal status.",
		ConstLabels: constLabels,
	}, []string{"kind", "status"})
	sessionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "loreline_session_duration_seconds",
		Help:        "Wall time from session start to terminal status.",
		Buckets:     []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"kind"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "loreline_stage_duration_seconds",
		Help:        "External operation stage latency.",
		Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"stage"})
	creditsSettled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "loreline_credits_settled_total",
		Help:        "Credit units settled against completed work.",
		ConstLabels: constLabels,
	})
	creditsReleased := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "loreline_credits_released_total",
		Help:        "Reserved credit units returned without charge.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		admitted,
		finalized,
		sessionDuration,
		stageDuration,
		creditsSettled,
		creditsReleased,
	)

	return &SessionMetrics{
		admitted:        admitted,
		finalized:       finalized,
		sessionDuration: sessionDuration,
		stageDuration:   stageDuration,
		creditsSettled:  creditsSettled,
		creditsReleased: creditsReleased,
	}
}

// IncSessionAdmitted counts one admitted session by origin.
func (m *SessionMetrics) IncSessionAdmitted(kind, source string) {
	if m == nil || m.admitted == nil {
		return
	}
	m.admitted.WithLabelValues(kind, source).Inc()
}

// IncSessionFinalized counts one terminal session transition.
func (m *SessionMetrics) IncSessionFinalized(kind, status string) {
	if m == nil || m.finalized == nil {
		return
	}
	m.finalized.WithLabelValues(kind, status).Inc()
}

// ObserveSessionDuration records time from start to terminal status.
func (m *SessionMetrics) ObserveSessionDuration(kind string, duration time.Duration) {
	if m == nil || m.sessionDuration == nil {
		return
	}
	m.sessionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveStageDuration records one stage's execution latency.
func (m *SessionMetrics) ObserveStageDuration(stage string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// AddCreditsSettled counts credit units charged for completed work.
func (m *SessionMetrics) AddCreditsSettled(units int64) {
	if m == nil || units <= 0 || m.creditsSettled == nil {
		return
	}
	m.creditsSettled.Add(float64(units))
}

// AddCreditsReleased counts reserved units returned without charge.
func (m *SessionMetrics) AddCreditsReleased(units int64) {
	if m == nil || units <= 0 || m.creditsReleased == nil {
		return
	}
	m.creditsReleased.Add(float64(units))
}
