package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"kvimport/pkg/registry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeJSON          = "application/json"
	defaultReadHeaderTimeout = time.Second
)

type iEngineLister interface {
	List() []registry.EngineInfo
}

// Server is the admin API: health, prometheus metrics and open engines.
type Server struct {
	engines    iEngineLister
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance
func NewServer(engines iEngineLister, gatherer prometheus.Gatherer, port int, readHeaderTimeout time.Duration) *Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}
	addr := ":" + strconv.Itoa(port)
	s := &Server{
		engines:  engines,
		gatherer: gatherer,
		URL:      "http://localhost" + addr,
		addr:     addr,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/engines", func(r chi.Router) {
		r.Get("/", s.handleListEngines)
		r.Get("/{uuid}", s.handleGetEngine)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewEnginesResponse(s.engines.List()))
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid engine uuid"))
		return
	}

	for _, info := range s.engines.List() {
		if info.ID == id {
			s.writeJSON(w, http.StatusOK, NewEngineResponse(info))
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, NewErrorResponse("engine not found"))
}
