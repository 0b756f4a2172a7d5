// Package metrics wraps a Prometheus registry and defines the collectors the
// chat, ingest and cost paths report into.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Registry is a private Prometheus registry. Asking for a collector that is
// already registered returns the existing one.
type Registry struct {
	reg *prometheus.Registry
}

// New creates a Registry with the Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

func register[C prometheus.Collector](r *Registry, c C) C {
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(fmt.Sprintf("metrics: register: %v", err))
	}
	return c
}

// Counter returns (or creates) a counter vector.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return register(r, prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels))
}

// Gauge returns (or creates) a gauge vector.
func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return register(r, prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels))
}

// Histogram returns (or creates) a histogram vector. nil buckets means
// DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return register(r, prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels))
}

// Since observes the seconds elapsed since t.
func Since(o prometheus.Observer, t time.Time) { o.Observe(time.Since(t).Seconds()) }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and federation.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Serve starts an HTTP server on the given port serving /metrics.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (r *Registry) ServeAsync(port int, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		if err := r.Serve(port); err != nil {
			logger.Error("metrics server stopped", "port", port, "err", err)
		}
	}()
}

// Chat collects chat engine metrics.
type Chat struct {
	Requests      *prometheus.CounterVec   // by mode, outcome
	StageDuration *prometheus.HistogramVec // by stage
	Tokens        *prometheus.CounterVec   // by direction
	CostUSD       *prometheus.CounterVec   // by provider, model
	Retries       *prometheus.CounterVec   // by stage
}

func NewChat(r *Registry) *Chat {
	return &Chat{
		Requests:      r.Counter("docchat_chat_requests_total", "Chat exchanges by mode and outcome", "mode", "outcome"),
		StageDuration: r.Histogram("docchat_chat_stage_duration_seconds", "Per-stage chat latency", nil, "stage"),
		Tokens:        r.Counter("docchat_chat_tokens_total", "Tokens billed by direction", "direction"),
		CostUSD:       r.Counter("docchat_chat_cost_usd_total", "Recorded spend in USD", "provider", "model"),
		Retries:       r.Counter("docchat_chat_retries_total", "Provider call retries by stage", "stage"),
	}
}

// Ingest collects ingestion metrics.
type Ingest struct {
	Docs          *prometheus.CounterVec   // by category
	Chunks        *prometheus.CounterVec   // by category
	Errors        *prometheus.CounterVec   // by stage
	StageDuration *prometheus.HistogramVec // by stage
	DLQ           *prometheus.CounterVec
}

func NewIngest(r *Registry) *Ingest {
	return &Ingest{
		Docs:          r.Counter("docchat_ingest_docs_total", "Documents ingested", "category"),
		Chunks:        r.Counter("docchat_ingest_chunks_total", "Chunks written", "category"),
		Errors:        r.Counter("docchat_ingest_errors_total", "Ingestion errors by stage", "stage"),
		StageDuration: r.Histogram("docchat_ingest_stage_duration_seconds", "Per-stage ingest duration", nil, "stage"),
		DLQ:           r.Counter("docchat_ingest_dlq_total", "Messages dead-lettered"),
	}
}
