package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/campaignforge/sendguard/internal/quota"
	"github.com/campaignforge/sendguard/internal/store"
	"github.com/campaignforge/sendguard/internal/warmup"
)

const maxBatchSize = 500

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Not found: %v", err), http.StatusNotFound)
		return
	}
	http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

type evaluateRequest struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	Domain    string `json:"domain"`
	Count     int64  `json:"count"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	verdict, err := s.deps.Enforcer.Evaluate(r.Context(), req.TenantID, req.AccountID, req.Domain, req.Count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleRecordDispatch(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	if err := s.deps.Enforcer.RecordDispatch(r.Context(), req.TenantID, req.AccountID, req.Domain, req.Count); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Verifier.Verify(r.Context(), req.Address))
}

type verifyBatchRequest struct {
	Addresses  []string `json:"addresses"`
	DelayMsecs int64    `json:"delay_ms"`
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req verifyBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Addresses) == 0 {
		http.Error(w, "addresses is required", http.StatusBadRequest)
		return
	}
	if len(req.Addresses) > maxBatchSize {
		http.Error(w, fmt.Sprintf("batch too large: %d addresses (max %d)", len(req.Addresses), maxBatchSize), http.StatusBadRequest)
		return
	}

	delay := time.Duration(req.DelayMsecs) * time.Millisecond
	s.writeJSON(w, http.StatusOK, s.deps.Verifier.VerifyBatch(r.Context(), req.Addresses, delay))
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	status, err := s.deps.Limiter.CheckRateLimit(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRateLimitSent(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	if err := s.deps.Limiter.IncrementSent(r.Context(), accountID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type warmupResponse struct {
	Decision warmup.Decision `json:"decision"`
	Status   warmup.Status   `json:"status"`
}

func (s *Server) handleWarmupStatus(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	decision, err := s.deps.Scheduler.CanSend(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.deps.Scheduler.Status(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, warmupResponse{Decision: decision, Status: status})
}

func (s *Server) handleWarmupStart(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	if err := s.deps.Scheduler.Start(r.Context(), accountID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWarmupSent(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	if err := s.deps.Scheduler.AdvanceProgress(r.Context(), accountID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type warmupMetricsRequest struct {
	OpenRate  float64 `json:"open_rate"`
	ReplyRate float64 `json:"reply_rate"`
}

func (s *Server) handleWarmupMetrics(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	var req warmupMetricsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Scheduler.UpdateMetrics(r.Context(), accountID, req.OpenRate, req.ReplyRate); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quotaRequest struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		req.Amount = 1
	}

	result, err := s.deps.Ledger.CheckQuota(r.Context(), req.TenantID, quota.Kind(req.Kind), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuotaRecord(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		req.Amount = 1
	}

	if err := s.deps.Ledger.RecordUsage(r.Context(), req.TenantID, quota.Kind(req.Kind), req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bounceRequest struct {
	TenantID string `json:"tenant_id"`
	Bounced  int64  `json:"bounced"`
}

// handleBounce ingests bounce events into the trailing 24h window the
// circuit breaker reads.
func (s *Server) handleBounce(w http.ResponseWriter, r *http.Request) {
	var req bounceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.Bounced <= 0 {
		req.Bounced = 1
	}

	if err := s.deps.Tracker.RecordBounce(r.Context(), req.TenantID, req.Bounced); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	StoreType     string    `json:"store_type"`
	StoreOK       bool      `json:"store_ok"`
	NumGoroutines int       `json:"num_goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		NumGoroutines: runtime.NumGoroutine(),
	}
	if s.deps.Counters != nil {
		resp.StoreType = s.deps.Counters.Type()
		resp.StoreOK = s.deps.Counters.IsConnected()
		if !resp.StoreOK {
			resp.Status = "degraded"
		}
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
