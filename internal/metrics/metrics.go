package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh and sync outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeExpired = "expired"
	OutcomePartial = "partial"
	OutcomeEmpty   = "empty"
	OutcomeSkipped = "skipped"
	OutcomeJoined  = "joined"
)

// Metrics holds the agent's collectors on a private registry, so several
// instances can coexist in one process. All methods are safe on a nil
// receiver.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RefreshTotal     *prometheus.CounterVec
	SyncPassesTotal  *prometheus.CounterVec
	AttemptsQueued   prometheus.Counter
	AttemptsAccepted prometheus.Counter
	PendingAttempts  prometheus.Gauge
	Online           prometheus.Gauge
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "learnsync",
				Name:      "backend_requests_total",
				Help:      "Backend requests sent through the pipeline, by method and status code.",
			},
			[]string{"method", "code"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "learnsync",
				Name:      "token_refresh_total",
				Help:      "Token refresh cycles by outcome.",
			},
			[]string{"outcome"},
		),
		SyncPassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "learnsync",
				Name:      "sync_passes_total",
				Help:      "Offline sync passes by outcome.",
			},
			[]string{"outcome"},
		),
		AttemptsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learnsync",
			Name:      "attempts_queued_total",
			Help:      "Quiz attempts written to the local queue.",
		}),
		AttemptsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learnsync",
			Name:      "attempts_accepted_total",
			Help:      "Quiz attempts acknowledged by the backend.",
		}),
		PendingAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "learnsync",
			Name:      "attempts_pending",
			Help:      "Queued attempts not yet acknowledged.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "learnsync",
			Name:      "backend_online",
			Help:      "1 when the last connectivity probe succeeded.",
		}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RefreshTotal,
		m.SyncPassesTotal,
		m.AttemptsQueued,
		m.AttemptsAccepted,
		m.PendingAttempts,
		m.Online,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method string, code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.RequestsTotal.WithLabelValues(method, label).Inc()
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSyncPass(outcome string, accepted int) {
	if m == nil {
		return
	}
	m.SyncPassesTotal.WithLabelValues(outcome).Inc()
	if accepted > 0 {
		m.AttemptsAccepted.Add(float64(accepted))
	}
}

func (m *Metrics) AttemptQueued() {
	if m == nil {
		return
	}
	m.AttemptsQueued.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingAttempts.Set(float64(n))
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
}
