// Package api exposes the send-governance engine over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campaignforge/sendguard/internal/policy"
	"github.com/campaignforge/sendguard/internal/quota"
	"github.com/campaignforge/sendguard/internal/ratelimit"
	"github.com/campaignforge/sendguard/internal/store"
	"github.com/campaignforge/sendguard/internal/verify"
	"github.com/campaignforge/sendguard/internal/warmup"
)

// Deps are the engine components the server fronts.
type Deps struct {
	Enforcer  *policy.Enforcer
	Verifier  *verify.Verifier
	Limiter   *ratelimit.Limiter
	Scheduler *warmup.Scheduler
	Ledger    *quota.Ledger
	Tracker   *policy.Tracker
	Counters  store.Counters
}

// Server is the HTTP front for the engine.
type Server struct {
	listenAddr string
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates an API server. Call Start to begin serving.
func NewServer(listenAddr string, deps Deps) *Server {
	s := &Server{
		listenAddr: listenAddr,
		deps:       deps,
		logger:     slog.Default().With("component", "api"),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed so tests can drive handlers
// without a listening socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/policy/evaluate", s.handleEvaluate).Methods("POST")
	api.HandleFunc("/policy/record", s.handleRecordDispatch).Methods("POST")

	api.HandleFunc("/verify", s.handleVerify).Methods("POST")
	api.HandleFunc("/verify/batch", s.handleVerifyBatch).Methods("POST")

	api.HandleFunc("/ratelimit/{account}", s.handleRateLimitStatus).Methods("GET")
	api.HandleFunc("/ratelimit/{account}/sent", s.handleRateLimitSent).Methods("POST")

	api.HandleFunc("/warmup/{account}", s.handleWarmupStatus).Methods("GET")
	api.HandleFunc("/warmup/{account}/start", s.handleWarmupStart).Methods("POST")
	api.HandleFunc("/warmup/{account}/sent", s.handleWarmupSent).Methods("POST")
	api.HandleFunc("/warmup/{account}/metrics", s.handleWarmupMetrics).Methods("POST")

	api.HandleFunc("/quota/check", s.handleQuotaCheck).Methods("POST")
	api.HandleFunc("/quota/record", s.handleQuotaRecord).Methods("POST")

	api.HandleFunc("/bounce", s.handleBounce).Methods("POST")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return r
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("api server stopping")
	return s.httpServer.Shutdown(ctx)
}
