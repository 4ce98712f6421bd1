package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/NikhilSetiya/agentcore/internal/app"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// Server is the monitoring HTTP server
type Server struct {
	http   *http.Server
	logger *logging.Logger
}

// NewServer builds a server for rt on the configured monitoring address
func NewServer(rt *app.Runtime) *Server {
	cfg := rt.Config().Monitoring
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(rt),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       2 * writeTimeout,
		},
		logger: rt.Logger(),
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve accepts connections on l until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Monitoring API listening", "addr", l.Addr().String())
	if err := s.http.Serve(l); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
