package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"relay-ai-engine/internal/domain/model"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// EndpointSource exposes the pool's view of relay state.
type EndpointSource interface {
	Snapshot() []model.Endpoint
}

// QueueSource exposes the dispatcher's backlog.
type QueueSource interface {
	QueueDepth() int
}

// Server is the admin HTTP surface: health, status and metrics.
type Server struct {
	endpoints EndpointSource
	queue     QueueSource
	log       *zerolog.Logger
	server    *http.Server
}

func NewServer(port int, endpoints EndpointSource, queue QueueSource, logger *zerolog.Logger) *Server {
	webLog := logger.With().Str("component", "AdminServer").Logger()
	s := &Server{endpoints: endpoints, queue: queue, log: &webLog}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("admin server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Endpoints  []model.Endpoint `json:"endpoints"`
		QueueDepth int              `json:"queue_depth"`
	}{
		Endpoints:  s.endpoints.Snapshot(),
		QueueDepth: s.queue.QueueDepth(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error().Err(err).Msg("encode status response")
	}
}
