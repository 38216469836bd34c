// Package metrics provides Prometheus metrics for the xremote daemons.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xremote"

// Metrics holds the collectors shared by the client and server daemons.
// Each daemon only touches the ones that apply to it.
type Metrics struct {
	Registry *prometheus.Registry

	// Request pipeline
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	QueueDepth      prometheus.Gauge

	// Tunnel
	TunnelStartAttempts *prometheus.CounterVec
	TunnelState         prometheus.Gauge
	ChannelsOpen        prometheus.Gauge

	// Server side file traffic
	BytesTransferred *prometheus.CounterVec
}

// New registers every collector on a private registry together with the
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewWithRegisterer(reg)
	m.Registry = reg
	return m
}

// NewWithRegisterer registers the daemon collectors on reg. Registry is left
// nil; Serve then needs an explicit gatherer.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by message kind and result",
		}, []string{"kind", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dequeue (client) or receipt (server) to response",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests taken off the queue and not yet answered",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for a free channel",
		}),
		TunnelStartAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_start_attempts_total",
			Help:      "Transport launch attempts, by outcome",
		}, []string{"result"}),
		TunnelState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_state",
			Help:      "Current tunnel session state (numeric tunnel.State)",
		}),
		ChannelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Forwarded channels with a live connection",
		}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_total",
			Help:      "File bytes moved, by direction",
		}, []string{"direction"}),
	}
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(kind, result string, took time.Duration) {
	m.RequestsTotal.WithLabelValues(kind, result).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// Serve exposes /metrics on addr until ctx is done. An empty addr disables
// the endpoint.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log *slog.Logger) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics endpoint listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics endpoint stopped", "err", err)
		}
	}()
	return nil
}
