// Package metrics exposes measurement events as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"streamq/internal/events"
)

// Sink records every event it receives on its own registry.
type Sink struct {
	events   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
	registry *prometheus.Registry
}

func NewSink() *Sink {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Sink{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamq_events_total",
			Help: "Measurement events by name and result",
		}, []string{"kind", "name", "result"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamq_event_latency_seconds",
			Help:    "Latency carried by measurement events",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"name"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamq_response_bytes_total",
			Help: "Response length carried by measurement events",
		}, []string{"name"}),
		registry: reg,
	}
}

// sourcePrefix starts talk source events, whose names carry response data.
const sourcePrefix = "source/"

// label keeps the name label bounded: every source event shares one series.
func label(name string) string {
	if strings.HasPrefix(name, sourcePrefix) {
		return sourcePrefix + "*"
	}
	return name
}

func (s *Sink) Fire(e events.Event) {
	result := "success"
	if e.Failure != nil {
		result = "failure"
	}
	name := label(e.Name)
	s.events.WithLabelValues(e.Kind, name, result).Inc()
	s.latency.WithLabelValues(name).Observe(e.ElapsedMs / 1000)
	s.bytes.WithLabelValues(name).Add(float64(e.ResponseLength))
}

// Registry is exposed for tests and for callers adding their own collectors.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (s *Sink) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
