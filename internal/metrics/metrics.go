// Package metrics owns the process-wide Prometheus registry. Per
// spec §9's design note, the metrics registry is one of the two
// legitimate process-wide singletons (the other being the fencing
// epoch counter); it is initialized once and torn down with the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// Server exposes the default Prometheus registry over HTTP at /metrics,
// the operator-facing half of the journal/broadcast instrumentation
// those packages register against prometheus.DefaultRegisterer.
type Server struct {
	logger *logging.Logger
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics HTTP server bound to addr (e.g.
// ":9090"). Call Start to begin serving.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return &Server{
		logger: logging.GetLogger("metrics"),
		addr:   addr,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving in a background goroutine. Bind errors are
// logged; Start does not block the caller.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "err", err, "addr", s.addr)
		}
	}()
}

// Stop closes the metrics server's listener and any active connections
// immediately, without waiting for in-flight requests to finish.
func (s *Server) Stop() error {
	return s.srv.Close()
}
