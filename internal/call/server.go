package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server exposes the webhook, media stream, and health endpoints on the
// local port that the tunnel forwards to.
type Server struct {
	core   *Core
	logger *slog.Logger

	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates the HTTP server for the given core.
func NewServer(core *Core, logger *slog.Logger) *Server {
	return &Server{core: core, logger: logger}
}

// Start begins serving on addr (e.g. ":3333"). Non-blocking; the server
// shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/twiml", s.core.HandleWebhook)
	mux.HandleFunc("/media-stream", s.core.HandleMediaStream)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook server listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("webhook server started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webhook server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}
}

// BoundAddr returns the address the server is listening on.
func (s *Server) BoundAddr() string {
	return s.boundAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"activeCalls": s.core.Registry().ActiveCount(),
	})
}
