package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the auxiliary HTTP server exposing the process-wide registry
// at /metrics, mirroring the teacher's AuxiliaryServer (Start/Stop/Port)
// pattern for its own metrics and API servers.
type Server struct {
	port int
	srv  *http.Server
}

// NewServer constructs a metrics Server bound to port. Call Start to
// begin serving.
func NewServer(port int) *Server {
	return &Server{port: port}
}

// Start starts the HTTP server and blocks until the context is
// cancelled or ListenAndServe returns a non-shutdown error.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop initiates graceful shutdown.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Port returns the configured metrics port.
func (s *Server) Port() int { return s.port }
