// Package metrics exposes the service's Prometheus metrics on a separate listener.
package metrics

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medvault"

var (
	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_total",
		Help:      "Completed download attempts by result.",
	}, []string{"result"})

	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Record uploads by result.",
	}, []string{"result"})

	KeyServerFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keyserver_fetches_total",
		Help:      "Key requests sent to key servers by node and result.",
	}, []string{"node", "result"})

	KeyReleasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keyserver_releases_total",
		Help:      "Key requests served by this key server node, by result.",
	}, []string{"node", "result"})

	BootstrapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enclave_bootstraps_total",
		Help:      "Enclave key-load completions by result.",
	}, []string{"result"})

	SessionsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_swept_total",
		Help:      "Expired sessions removed by the sweeper.",
	})

	SessionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Pending sessions evicted because their requester hit the per-requester bound.",
	})

	InsecureFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "insecure_fallback_total",
		Help:      "Operations served by the insecure local cipher.",
	}, []string{"op"})
)

// Result converts an error into a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server with the service metrics and the Go runtime collectors.
func New(service, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: service}),
		DownloadsTotal,
		UploadsTotal,
		KeyServerFetchesTotal,
		KeyReleasesTotal,
		BootstrapsTotal,
		SessionsSweptTotal,
		SessionsEvictedTotal,
		InsecureFallbackTotal,
	)

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
