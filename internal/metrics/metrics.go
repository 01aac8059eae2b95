// Package metrics exposes Prometheus metrics for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder registers and updates the relay's Prometheus metrics.
type Recorder struct {
	registry *prometheus.Registry

	connectionsActive   prometheus.Gauge
	registrationsActive prometheus.Gauge
	sessionsActive      prometheus.Gauge
	messagesRelayed     *prometheus.CounterVec
	relayErrors         *prometheus.CounterVec
	admissionDenied     prometheus.Counter
	heartbeatEvictions  prometheus.Counter
	malformedDropped    prometheus.Counter
}

// NewRecorder registers the relay metrics on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Open WebSocket connections, registered or not",
		}),
		registrationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_registrations_active",
			Help: "Live identity-to-connection bindings",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Non-terminal call sessions",
		}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Frames relayed between devices grouped by kind",
		}, []string{"kind"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "callError notifications emitted grouped by code",
		}, []string{"code"}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_admission_denied_total",
			Help: "Connection attempts refused by the rate limiter",
		}),
		heartbeatEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_evictions_total",
			Help: "Registrations evicted for missed heartbeats",
		}),
		malformedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_dropped_total",
			Help: "Client frames dropped for failing validation",
		}),
	}
	registry.MustRegister(
		r.connectionsActive,
		r.registrationsActive,
		r.sessionsActive,
		r.messagesRelayed,
		r.relayErrors,
		r.admissionDenied,
		r.heartbeatEvictions,
		r.malformedDropped,
	)
	return r
}

// Handler serves the registry for the ops API's /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ConnOpened()                { r.connectionsActive.Inc() }
func (r *Recorder) ConnClosed()                { r.connectionsActive.Dec() }
func (r *Recorder) SetRegistrations(n int)     { r.registrationsActive.Set(float64(n)) }
func (r *Recorder) SetSessions(n int)          { r.sessionsActive.Set(float64(n)) }
func (r *Recorder) MessageRelayed(kind string) { r.messagesRelayed.WithLabelValues(kind).Inc() }
func (r *Recorder) RelayError(code string)     { r.relayErrors.WithLabelValues(code).Inc() }
func (r *Recorder) AdmissionDenied()           { r.admissionDenied.Inc() }
func (r *Recorder) HeartbeatEviction()         { r.heartbeatEvictions.Inc() }
func (r *Recorder) MalformedDropped()          { r.malformedDropped.Inc() }
