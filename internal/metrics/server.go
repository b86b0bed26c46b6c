package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/envagent/internal/buildinfo"
	"github.com/nugget/envagent/internal/connwatch"
)

// HealthSource reports dependency health; *connwatch.Manager
// implements it.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Ready() (bool, []string)
}

// Server is the operational HTTP endpoint.
type Server struct {
	addr     string
	recorder *Recorder
	health   HealthSource
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a server listening on addr (host:port).
func NewServer(addr string, rec *Recorder, health HealthSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		recorder: rec,
		health:   health,
		logger:   logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.recorder.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting metrics server", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status   string                             `json:"status"`
	Version  string                             `json:"version"`
	Uptime   string                             `json:"uptime"`
	Down     []string                           `json:"down,omitempty"`
	Services map[string]connwatch.ServiceStatus `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, down := s.health.Ready()
	resp := healthResponse{
		Status:   "healthy",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().String(),
		Down:     down,
		Services: s.health.Status(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
