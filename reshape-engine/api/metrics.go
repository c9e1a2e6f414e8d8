package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the reshape servers.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RowsIn          *prometheus.HistogramVec
	RowsOut         *prometheus.HistogramVec

	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge
}

var rowBuckets = prometheus.ExponentialBuckets(1, 4, 12)

// NewMetrics creates metrics under namespace and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total reshape requests by operation and result code",
		}, []string{"op", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Reshape request duration by operation",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
		RowsIn: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rows_in",
			Help:      "Rows of the first input per request",
			Buckets:   rowBuckets,
		}, []string{"op"}),
		RowsOut: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rows_out",
			Help:      "Rows of the output per successful request",
			Buckets:   rowBuckets,
		}, []string{"op"}),

		WorkerPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of tasks currently running",
		}),
		WorkerPoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of tasks waiting in the queue",
		}),
	}
}

// RecordRequest records one finished request. code is CodeOK or a wire error
// code; rowsOut is ignored for failed requests.
func (m *Metrics) RecordRequest(op, code string, duration time.Duration, rowsIn, rowsOut int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(op, code).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(duration.Seconds())
	m.RowsIn.WithLabelValues(op).Observe(float64(rowsIn))
	if code == CodeOK {
		m.RowsOut.WithLabelValues(op).Observe(float64(rowsOut))
	}
}

// UpdateWorkerPool updates the worker pool gauges.
func (m *Metrics) UpdateWorkerPool(stats core.PoolStats) {
	if m == nil {
		return
	}
	m.WorkerPoolActive.Set(float64(stats.Active))
	m.WorkerPoolPending.Set(float64(stats.Pending))
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server on addr serving gatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the HTTP handler of the server.
func (s *MetricsServer) Handler() http.Handler { return s.server.Handler }

// Start listens and serves until Stop is called. It returns nil after a
// clean stop.
func (s *MetricsServer) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	if err := s.server.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
