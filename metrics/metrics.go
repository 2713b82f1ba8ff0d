// Package metrics exposes Prometheus collectors and the server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruteri/threshold-key-manager/common"
)

var (
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Always 1, labelled with the package and version serving metrics.",
	}, []string{"package", "version"})

	MetadataReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metadata_reads_total",
		Help: "Metadata record reads by outcome.",
	}, []string{"outcome"})

	MetadataWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metadata_writes_total",
		Help: "Metadata record writes by outcome.",
	}, []string{"outcome"})

	MetadataBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metadata_batch_size",
		Help:    "Number of records per metadata write batch.",
		Buckets: []float64{1, 2, 3, 5, 8},
	})

	OracleShareRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_share_requests_total",
		Help: "Oracle node share requests by proof type and outcome.",
	}, []string{"proof", "outcome"})

	OracleRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_request_duration_seconds",
		Help:    "Latency of oracle node requests as seen by the client.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// Registry holds every collector of this module plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		BuildInfo,
		MetadataReads,
		MetadataWrites,
		MetadataBatchSize,
		OracleShareRequests,
		OracleRequestDuration,
	)
}

// MetricsServer serves Registry on /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on listenAddr.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	BuildInfo.WithLabelValues(namespace, common.Version).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
