// Package metrics exposes Prometheus instrumentation for the signer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Facade metrics
	SignCalls    *prometheus.CounterVec
	SignDuration prometheus.Histogram

	// Channel metrics
	PendingCalls   prometheus.Gauge
	WorkerStarts   prometheus.Counter
	WorkerFailures prometheus.Counter

	// Sandbox metrics
	Instantiations prometheus.Counter
	SandboxErrors  *prometheus.CounterVec
}

// New creates a metrics collector with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SignCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sigbridge_sign_calls_total",
				Help: "Sign calls by outcome",
			},
			[]string{"result"},
		),
		SignDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sigbridge_sign_duration_seconds",
				Help:    "Sign call latency as seen by the caller",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		PendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sigbridge_channel_pending_calls",
				Help: "Calls sent to the worker and not yet resolved",
			},
		),
		WorkerStarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sigbridge_worker_starts_total",
				Help: "Background workers started",
			},
		),
		WorkerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sigbridge_worker_failures_total",
				Help: "Background workers lost with calls possibly in flight",
			},
		),
		Instantiations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sigbridge_sandbox_instantiations_total",
				Help: "Sandbox instances created",
			},
		),
		SandboxErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sigbridge_sandbox_errors_total",
				Help: "Failed sandbox calls by kind",
			},
			[]string{"kind"},
		),
	}
}

// ObserveSign records one facade call. result is "ok" or an error kind.
func (m *Metrics) ObserveSign(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SignCalls.WithLabelValues(result).Inc()
	m.SignDuration.Observe(d.Seconds())
}

// CallSent marks a call as pending.
func (m *Metrics) CallSent() {
	if m == nil {
		return
	}
	m.PendingCalls.Inc()
}

// CallDone marks a pending call as resolved or abandoned.
func (m *Metrics) CallDone() {
	if m == nil {
		return
	}
	m.PendingCalls.Dec()
}

// WorkerStarted counts a worker start.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkerStarts.Inc()
}

// WorkerLost counts a worker that went away on its own.
func (m *Metrics) WorkerLost() {
	if m == nil {
		return
	}
	m.WorkerFailures.Inc()
}

// SandboxInstantiated counts a new sandbox instance.
func (m *Metrics) SandboxInstantiated() {
	if m == nil {
		return
	}
	m.Instantiations.Inc()
}

// SandboxFailed counts a failed sandbox call.
func (m *Metrics) SandboxFailed(kind string) {
	if m == nil {
		return
	}
	m.SandboxErrors.WithLabelValues(kind).Inc()
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on port until ctx is done.
func (m *Metrics) Serve(ctx context.Context, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("Serving metrics", zap.String("addr", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
