// Package metrics exposes proxy and replay counters for Prometheus scraping.
// A nil *Metrics is valid and records nothing, so engines can take one
// unconditionally.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry; it never touches the global one.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal       *prometheus.CounterVec
	protocolErrorsTotal *prometheus.CounterVec
	decisionsTotal      *prometheus.CounterVec
	replayTotal         *prometheus.CounterVec

	pendingRequests prometheus.Gauge

	replayLatencySeconds *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "counteragent_messages_total",
				Help: "Messages observed by the proxy",
			},
			[]string{"direction", "kind"},
		),
		protocolErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "counteragent_protocol_errors_total",
				Help: "Protocol anomalies recorded in the session error log",
			},
			[]string{"kind"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "counteragent_intercept_decisions_total",
				Help: "Operator decisions on held messages",
			},
			[]string{"action"},
		),
		replayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "counteragent_replay_messages_total",
				Help: "Replayed messages by outcome",
			},
			[]string{"outcome"},
		),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "counteragent_pending_requests",
			Help: "Client requests awaiting a server response",
		}),
		replayLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "counteragent_replay_latency_seconds",
				Help:    "Time from send to response during replay",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.messagesTotal,
		m.protocolErrorsTotal,
		m.decisionsTotal,
		m.replayTotal,
		m.pendingRequests,
		m.replayLatencySeconds,
	)
	return m
}

// ObserveMessage counts one proxied message.
func (m *Metrics) ObserveMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(direction, kind).Inc()
}

// ObserveProtocolError counts one error-log entry.
func (m *Metrics) ObserveProtocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveDecision counts one intercept decision.
func (m *Metrics) ObserveDecision(action string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(action).Inc()
}

// SetPending records the size of the correlation table.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// ObserveReplay counts one replayed message; d is zero for failures that
// never got a response.
func (m *Metrics) ObserveReplay(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.replayTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.replayLatencySeconds.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "url", "http://"+ln.Addr().String()+"/metrics")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
