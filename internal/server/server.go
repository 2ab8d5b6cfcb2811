package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/IliaW/nsfw-gate/config"
)

// Server is a thin wrapper over http.Server serving the censor router.
type Server struct {
	srv *http.Server
}

func NewServer(cfg *config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

func (s *Server) Addr() string {
	return s.srv.Addr
}

// Run blocks until the server is shut down.
func (s *Server) Run() error {
	slog.Info("http server listening.", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("stopping http server.")
	return s.srv.Shutdown(ctx)
}
