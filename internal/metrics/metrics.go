// Package metrics exposes the session client's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authclient"

var sessionStatuses = []string{"initializing", "authenticated", "unauthenticated"}

// Recorder holds the collectors in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sessionsEnded   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	status          *prometheus.GaugeVec
}

// NewRecorder creates a Recorder. withRuntime adds the go and process collectors.
func NewRecorder(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refreshes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Authenticated HTTP round trips by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round trip latency of authenticated requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Times the stored credentials were cleared, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target status.",
		}, []string{"status"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current session status, 0 otherwise.",
		}, []string{"status"}),
	}

	r.registry.MustRegister(r.refreshes, r.requests, r.requestDuration, r.sessionsEnded, r.transitions, r.status)
	if withRuntime {
		_ = r.registry.Register(collectors.NewGoCollector())
		_ = r.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return r
}

func (r *Recorder) RefreshCompleted(trigger, outcome string) {
	r.refreshes.WithLabelValues(trigger, outcome).Inc()
}

func (r *Recorder) RequestCompleted(method string, status int, d time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	r.requests.WithLabelValues(method, code).Inc()
	r.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (r *Recorder) SessionEnded(reason string) {
	r.sessionsEnded.WithLabelValues(reason).Inc()
}

// SessionTransition records the session settling into status.
func (r *Recorder) SessionTransition(status string) {
	r.transitions.WithLabelValues(status).Inc()
	for _, s := range sessionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.status.WithLabelValues(s).Set(v)
	}
}

// Registry returns the registry the collectors are registered with.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
