package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentpay/internal/lifecycle"
	"agentpay/internal/metrics"
	"agentpay/internal/repo"
)

// Server wraps an http.Server with the versioned lifecycle API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	repository repo.Repository
	service    *lifecycle.Service
}

// New creates an HTTP server listening on addr. issuerWebhook, when non-nil,
// is mounted on the unauthenticated webhook path (it verifies its own
// signature).
func New(addr string, service *lifecycle.Service, repository repo.Repository, issuerWebhook http.Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    m,
		repository: repository,
		service:    service,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", server.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if issuerWebhook != nil {
		router.Handle("/webhook/issuer/authorization", issuerWebhook).Methods(http.MethodPost)
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(server.authenticate)
	api.Handle("/intents", server.requireUser(server.idempotent(http.HandlerFunc(server.handleCreateIntent)))).Methods(http.MethodPost)
	api.Handle("/intents/{id}", server.requireOwnerOrWorker(http.HandlerFunc(server.handleGetIntent))).Methods(http.MethodGet)
	api.Handle("/intents/{id}/quote", server.requireWorker(http.HandlerFunc(server.handleQuote))).Methods(http.MethodPost)
	api.Handle("/intents/{id}/approval-request", server.requireOwnerOrWorker(http.HandlerFunc(server.handleApprovalRequest))).Methods(http.MethodPost)
	api.Handle("/intents/{id}/decision", server.requireOwner(server.idempotent(http.HandlerFunc(server.handleDecision)))).Methods(http.MethodPost)
	api.Handle("/intents/{id}/card/reveal", server.requireWorker(http.HandlerFunc(server.handleReveal))).Methods(http.MethodPost)
	api.Handle("/intents/{id}/checkout", server.requireWorker(http.HandlerFunc(server.handleCheckout))).Methods(http.MethodPost)
	api.Handle("/intents/{id}/result", server.requireWorker(http.HandlerFunc(server.handleResult))).Methods(http.MethodPost)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repository.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
