// Package api is the thin HTTP surface enclosing the ingestion core: a
// run trigger/cancel/status contract plus one server-sent-events stream
// per run-id, backed by the in-process event bus. Everything here is a
// non-core collaborator — request envelopes stay at this boundary and
// never leak into the core packages.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/eventbus"
	"github.com/scholarr/ingestcore/internal/observability"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/runengine"
	"github.com/scholarr/ingestcore/internal/searchhints"
	"github.com/scholarr/ingestcore/internal/types"
)

// sseHeartbeatInterval keeps idle SSE connections alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// Server owns the router and the handles into the core.
type Server struct {
	Engine *runengine.Engine
	Runs   *repo.RunRepo
	Bus    *eventbus.Bus
	Hints  *searchhints.Hinter
	Cfg    config.HTTPConfig
	Logger *slog.Logger

	router chi.Router
}

// New builds the Server and its routes.
func New(engine *runengine.Engine, runs *repo.RunRepo, bus *eventbus.Bus, hints *searchhints.Hinter, cfg config.HTTPConfig, logger *slog.Logger) *Server {
	s := &Server{Engine: engine, Runs: runs, Bus: bus, Hints: hints, Cfg: cfg, Logger: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/users/{userID}/runs", s.handleStartRun)
		r.Get("/users/{userID}/runs/active", s.handleActiveRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.Get("/runs/{runID}/events", s.handleRunEvents)
		r.Get("/search-hints", s.handleSearchHints)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRunRequest struct {
	ScholarIDs     []int64 `json:"scholar_ids"`
	IdempotencyKey string  `json:"idempotency_key"`
}

type runSummaryResponse struct {
	CrawlRunID          int64  `json:"crawl_run_id"`
	Status              string `json:"status"`
	ScholarCount        int    `json:"scholar_count"`
	SucceededCount      int    `json:"succeeded_count"`
	FailedCount         int    `json:"failed_count"`
	PartialCount        int    `json:"partial_count"`
	NewPublicationCount int    `json:"new_publication_count"`
	ReusedExistingRun   bool   `json:"reused_existing_run,omitempty"`
}

func summaryResponse(s types.RunSummary) runSummaryResponse {
	return runSummaryResponse{
		CrawlRunID:          s.CrawlRunID,
		Status:              string(s.Status),
		ScholarCount:        s.ScholarCount,
		SucceededCount:      s.SucceededCount,
		FailedCount:         s.FailedCount,
		PartialCount:        s.PartialCount,
		NewPublicationCount: s.NewPublicationCount,
		ReusedExistingRun:   s.ReusedExistingRun,
	}
}

// handleStartRun triggers a manual run and blocks until it completes,
// returning the run summary. Callers wanting live progress subscribe to
// the run's SSE stream (discoverable via the active-run endpoint) while
// this request is in flight.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	var body startRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		body.IdempotencyKey = key
	}

	req := runengine.StartRunRequest{
		UserID:        userID,
		Trigger:       types.RunTriggerManual,
		ScholarSubset: body.ScholarIDs,
	}
	if body.IdempotencyKey != "" {
		req.IdempotencyKey = &body.IdempotencyKey
	}

	summary, err := s.Engine.StartRun(r.Context(), req)
	if err != nil {
		var blocked *types.RunBlockedBySafetyPolicyError
		switch {
		case errors.As(err, &blocked):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":        "scrape_cooldown_active",
				"safety_state": safetyStateResponse(blocked.Safety),
			})
		case errors.Is(err, types.ErrRunAlreadyInProgress):
			writeError(w, http.StatusConflict, "run_already_in_progress", err.Error())
		default:
			s.Logger.Error("start run failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "run failed to start")
		}
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse(summary))
}

func safetyStateResponse(p types.SafetyStatePayload) map[string]any {
	return map[string]any{
		"cooldown_active":            p.CooldownActive,
		"cooldown_reason":            p.CooldownReason,
		"cooldown_reason_label":      p.CooldownReasonLabel,
		"cooldown_until":             p.CooldownUntil,
		"cooldown_remaining_seconds": p.CooldownRemainingSeconds,
		"recommended_action":         p.RecommendedAction,
		"counters": map[string]any{
			"consecutive_blocked_runs":   p.Counters.ConsecutiveBlockedRuns,
			"consecutive_network_runs":   p.Counters.ConsecutiveNetworkRuns,
			"cooldown_entry_count":       p.Counters.CooldownEntryCount,
			"blocked_start_count":        p.Counters.BlockedStartCount,
			"last_blocked_failure_count": p.Counters.LastBlockedFailureCount,
			"last_network_failure_count": p.Counters.LastNetworkFailureCount,
		},
	}
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	run, err := s.Runs.ActiveRunForUser(r.Context(), userID)
	if err != nil {
		s.Logger.Error("active run lookup failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no_active_run", "no running or resolving run for user")
		return
	}
	writeJSON(w, http.StatusOK, runResponse(*run))
}

func runResponse(run types.CrawlRun) map[string]any {
	return map[string]any{
		"crawl_run_id":  run.ID,
		"user_id":       run.UserID,
		"trigger_type":  run.TriggerType,
		"status":        run.Status,
		"start_dt":      run.StartDT,
		"end_dt":        run.EndDT,
		"scholar_count": run.ScholarCount,
		"new_pub_count": run.NewPubCount,
		"error_log":     run.ErrorLog,
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.Runs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runResponse(run))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "runID")
	if !ok {
		return
	}
	if err := s.Engine.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, types.ErrNotCancelable) {
			writeError(w, http.StatusConflict, "not_cancelable", "run is already terminal")
			return
		}
		s.Logger.Error("cancel run failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl_run_id": runID, "status": types.RunStatusCanceled})
}

// handleRunEvents streams the run's events as SSE. Delivery is
// gap-tolerant: a slow consumer may miss events (they are dropped at the
// bus, never buffered unboundedly).
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "runID")
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	sub := s.Bus.Subscribe(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-sub.Events():
			data, err := json.Marshal(evt.Data)
			if err != nil {
				s.Logger.Warn("encode sse event failed", "run_id", runID, "error", err)
				continue
			}
			if _, err := w.Write([]byte("event: " + string(evt.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleSearchHints(w http.ResponseWriter, r *http.Request) {
	if s.Hints == nil {
		writeError(w, http.StatusNotFound, "search_hints_disabled", "author search hints are not configured")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "q parameter is required")
		return
	}
	hints, err := s.Hints.Suggest(r.Context(), query, 5)
	if err != nil {
		s.Logger.Warn("search hints failed", "query", query, "error", err)
		writeError(w, http.StatusBadGateway, "search_unavailable", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(hints))
	for _, h := range hints {
		out = append(out, map[string]any{
			"scholar_id":   h.ScholarID,
			"display_name": h.DisplayName,
			"confidence":   h.Confidence,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hints": out})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, "path parameter must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
