package service

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const readHeaderTimeout = 10 * time.Second

// ReadinessFunc reports whether the service has finished its first run.
type ReadinessFunc func() bool

type HealthzServer struct {
	server *http.Server
	ready  ReadinessFunc
}

func NewHealthzServer(ready ReadinessFunc) *HealthzServer {
	h := &HealthzServer{ready: ready}
	h.server = &http.Server{Handler: h.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	return h
}

// Handler routes /healthz and /readyz.
func (h *HealthzServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReadyz).Methods(http.MethodGet)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(r)
}

// Start serves on ln until Shutdown is called.
func (h *HealthzServer) Start(ln net.Listener) error {
	return h.server.Serve(ln)
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HealthzServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	log.Debug("Received health check request", "path", r.URL.Path)
	w.Write([]byte("OK")) //nolint:errcheck
}

func (h *HealthzServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY")) //nolint:errcheck
		return
	}
	w.Write([]byte("READY")) //nolint:errcheck
}
