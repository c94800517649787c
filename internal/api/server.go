// Package api is the gateway's HTTP surface: match intake and status, popular
// communities, the realtime websocket endpoint, worker heartbeat intake, the
// dead-letter admin queue, and metrics.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/commatch/internal/candidates"
	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/orchestrator"
	"github.com/example/commatch/internal/realtime"
	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/pkg/matchapi"
)

type Server struct {
	engine  *orchestrator.Engine
	source  candidates.Source
	hub     *realtime.Hub
	limiter *submitLimiter

	workersMu sync.Mutex
	workers   map[string]state.WorkerRecord
}

func NewServer(engine *orchestrator.Engine, source candidates.Source, hub *realtime.Hub) *Server {
	return &Server{
		engine:  engine,
		source:  source,
		hub:     hub,
		limiter: newSubmitLimiterFromEnv(),
		workers: map[string]state.WorkerRecord{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/match", s.handleSubmit)
	mux.HandleFunc("/api/v1/match/", s.handleStatus)
	mux.HandleFunc("/api/v1/popular-communities", s.handlePopular)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/workers/", s.handleWorkerSubresource)
	mux.HandleFunc("/v1/workers", s.handleListWorkers)
	mux.HandleFunc("/v1/admin/queue/dead-letter", s.handleDeadLetterQueue)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWS)
	}
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req matchapi.SubmitMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.limiter.allow(req.UserID) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	resp, err := s.engine.Submit(r.Context(), match.Request{
		UserID:       req.UserID,
		Bio:          req.Bio,
		InterestTags: req.InterestTags,
		City:         req.City,
		Timezone:     req.Timezone,
		SubmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		var ire *match.InvalidRequestError
		if errors.As(err, &ire) {
			writeJSON(w, http.StatusBadRequest, matchapi.ErrorResponse{Error: ire.Error(), Kind: match.KindInvalidRequest})
			return
		}
		log.Printf("api: submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/v1/match/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	rec, err := s.engine.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, match.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, matchapi.ErrorResponse{Error: "task not found or expired", Kind: match.KindNotFound})
			return
		}
		log.Printf("api: status %s: %v", taskID, err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(rec))
}

func statusResponse(rec state.TaskRecord) matchapi.TaskStatusResponse {
	out := matchapi.TaskStatusResponse{
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		Retries:   rec.Retries,
		ErrorKind: rec.ErrorKind,
		Error:     rec.Error,
		ResultURI: rec.ResultURI,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.Result != nil {
		out.Result = resultPayload(rec.Result)
	}
	return out
}

func resultPayload(res *match.Result) *matchapi.MatchResultPayload {
	out := &matchapi.MatchResultPayload{
		TaskID:                res.TaskID,
		UserID:                res.UserID,
		Tier:                  res.Tier,
		RequiresProfileUpdate: res.RequiresProfileUpdate,
		ProcessingTimeMS:      res.ProcessingTimeMS,
	}
	for _, m := range res.Matches {
		out.Matches = append(out.Matches, rankedMatch(m))
	}
	return out
}

func rankedMatch(m match.RankedMatch) matchapi.RankedMatch {
	return matchapi.RankedMatch{
		CommunityID:   m.CommunityID,
		CommunityName: m.CommunityName,
		Category:      m.Category,
		Score:         m.Score,
		Similarity:    m.Similarity,
		LocalityBonus: m.LocalityBonus,
		RecencyBonus:  m.RecencyBonus,
		MemberCount:   m.MemberCount,
		RecentEvents:  m.RecentEvents,
	}
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := candidates.DefaultPopularLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 50 {
			limit = v
		}
	}
	popular, err := s.source.Popular(r.Context(), limit)
	if err != nil {
		log.Printf("api: popular communities: %v", err)
		writeError(w, http.StatusServiceUnavailable, "candidate source unavailable")
		return
	}
	resp := matchapi.PopularCommunitiesResponse{Communities: make([]matchapi.RankedMatch, 0, len(popular))}
	for _, c := range popular {
		resp.Communities = append(resp.Communities, rankedMatch(match.RankedMatch{Candidate: c}))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

// handleWorkerSubresource routes /v1/workers/{id}/heartbeat.
func (s *Server) handleWorkerSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "heartbeat" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req matchapi.WorkerHeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workerID := parts[0]
	if req.WorkerID != "" {
		workerID = req.WorkerID
	}

	s.workersMu.Lock()
	s.workers[workerID] = state.WorkerRecord{
		ID:            workerID,
		InFlight:      req.InFlight,
		QueueDepth:    req.QueueDepth,
		Health:        req.Health,
		LastHeartbeat: time.Now().UTC(),
	}
	fleet := len(s.workers)
	s.workersMu.Unlock()

	observability.Default.SetGauge("worker_fleet_size", nil, float64(fleet))
	writeJSON(w, http.StatusOK, matchapi.WorkerHeartbeatResponse{Accepted: true})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.workersMu.Lock()
	out := make([]state.WorkerRecord, 0, len(s.workers))
	for _, rec := range s.workers {
		out = append(out, rec)
	}
	s.workersMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (s *Server) handleDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		jobs, err := s.engine.ListDeadLetters(r.Context(), limit)
		if err != nil {
			log.Printf("api: dead letters: %v", err)
			writeError(w, http.StatusInternalServerError, "dead letter listing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	case http.MethodPost:
		var req struct {
			TaskIDs []string `json:"task_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.TaskIDs) == 0 {
			writeError(w, http.StatusBadRequest, "task_ids are required")
			return
		}
		n, err := s.engine.RequeueDeadLetters(r.Context(), req.TaskIDs)
		if err != nil {
			log.Printf("api: dead letter requeue: %v", err)
			writeError(w, http.StatusInternalServerError, "requeue failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, matchapi.ErrorResponse{Error: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps the websocket upgrade working through the middleware chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
