package service

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsServer struct {
	server   *http.Server
	gatherer prometheus.Gatherer
}

// NewMetricsServer serves the metrics of gatherer, or of the default
// registry when it is nil.
func NewMetricsServer(gatherer prometheus.Gatherer) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	m := &MetricsServer{gatherer: gatherer}
	m.server = &http.Server{Handler: m.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	return m
}

func (m *MetricsServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (m *MetricsServer) Start(ln net.Listener) error {
	return m.server.Serve(ln)
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
