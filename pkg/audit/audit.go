// Package audit is the observability collaborator: components emit typed
// events to a Sink, and the core depends on nothing beyond that interface.
package audit

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventType names the audited operations.
type EventType string

const (
	EventRegistered       EventType = "registered"
	EventRenewed          EventType = "renewed"
	EventRevoked          EventType = "revoked"
	EventResolved         EventType = "resolved"
	EventOCSPFallback     EventType = "ocsp_fallback"
	EventSignatureFailure EventType = "signature_failure"
	EventAPIFailure       EventType = "api_failure"
)

// Event is a single audit record.
type Event struct {
	Type      EventType
	RequestID string
	Subject   string // agent_id or serial when known
	Kind      string // failure kind for failure events
	Detail    string
	Time      time.Time
}

// Sink receives audit events.
type Sink interface {
	Emit(e Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Metrics counts events by type and exposes them over /metrics.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// NewMetrics builds a metrics collector on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ans",
		Name:      "audit_events_total",
		Help:      "Audit events by type.",
	}, []string{"type"})
	reg.MustRegister(events)
	return &Metrics{registry: reg, events: events}
}

// Handler serves the prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Logger is a Sink that writes structured logs and bumps counters.
type Logger struct {
	log     *zap.Logger
	metrics *Metrics
}

// NewLogger builds the default sink. metrics may be nil.
func NewLogger(log *zap.Logger, metrics *Metrics) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log, metrics: metrics}
}

func (l *Logger) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if l.metrics != nil {
		l.metrics.events.WithLabelValues(string(e.Type)).Inc()
	}
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.Time("at", e.Time),
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if e.Subject != "" {
		fields = append(fields, zap.String("subject", e.Subject))
	}
	if e.Kind != "" {
		fields = append(fields, zap.String("kind", e.Kind))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	switch e.Type {
	case EventAPIFailure, EventSignatureFailure:
		l.log.Warn("audit", fields...)
	default:
		l.log.Info("audit", fields...)
	}
}
