package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"automation-workflow-engine/internal/approval"
	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/config"
	"automation-workflow-engine/internal/engine"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/ratelimit"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
	"automation-workflow-engine/internal/trigger"
)

// Server wires HTTP handlers for event ingest and automation management.
type Server struct {
	cfg      config.Config
	store    store.Store
	matcher  *trigger.Matcher
	engine   *engine.Engine
	gate     *approval.Gate
	auditLog *audit.Log
	limiter  *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, m *trigger.Matcher, eng *engine.Engine, gate *approval.Gate, auditLog *audit.Log, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		matcher:  m,
		engine:   eng,
		gate:     gate,
		auditLog: auditLog,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handleIngestEvent)

	r.Post("/automations", s.handleCreateAutomation)
	r.Get("/automations", s.handleListAutomations)
	r.Get("/automations/{id}", s.handleGetAutomation)
	r.Post("/automations/{id}/activate", s.handleActivate)
	r.Post("/automations/{id}/pause", s.handlePause)
	r.Get("/automations/{id}/stats", s.handleAutomationStats)
	r.Get("/automations/{id}/triggers", s.handleListTriggers)
	r.Get("/triggers", s.handleQueryTriggers)

	r.Get("/executions", s.handleListExecutions)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Post("/executions/{id}/cancel", s.handleCancelExecution)

	r.Get("/approvals", s.handleListApprovals)
	r.Get("/approvals/{id}", s.handleGetApproval)
	r.Post("/approvals/{id}/approve", s.handleApprove)
	r.Post("/approvals/{id}/reject", s.handleReject)

	r.Get("/audit", s.handleQueryAudit)
	return r
}

type ingestResponse struct {
	Matched  int              `json:"matched"`
	Triggers []models.Trigger `json:"triggers"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if ev.Type == "" || ev.EntityID == "" {
		http.Error(w, "type and entity_id are required", http.StatusBadRequest)
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if s.limiter != nil {
		source := ev.Source
		if source == "" {
			source = "default"
		}
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:events:%s", source))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}
	triggers, err := s.matcher.Ingest(r.Context(), ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Matched: len(triggers), Triggers: triggers})
}

type createAutomationRequest struct {
	Name                    string             `json:"name"`
	TriggerKind             models.TriggerKind `json:"trigger_kind"`
	TriggerConditions       []models.Condition `json:"trigger_conditions"`
	Steps                   []models.Step      `json:"steps"`
	SegmentID               string             `json:"segment_id"`
	AllowReEntry            bool               `json:"allow_re_entry"`
	ResumeOnApprovalTimeout bool               `json:"resume_on_approval_timeout"`
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req createAutomationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.TriggerKind == "" {
		http.Error(w, "name and trigger_kind are required", http.StatusBadRequest)
		return
	}
	if err := models.ValidateSteps(req.Steps); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	a := models.Automation{
		ID:                      uuid.New().String(),
		Name:                    req.Name,
		TriggerKind:             req.TriggerKind,
		TriggerConditions:       req.TriggerConditions,
		Steps:                   req.Steps,
		Status:                  models.AutomationDraft,
		SegmentID:               req.SegmentID,
		AllowReEntry:            req.AllowReEntry,
		ResumeOnApprovalTimeout: req.ResumeOnApprovalTimeout,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.store.CreateAutomation(r.Context(), &a); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	automations, err := s.store.ListAutomations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": automations})
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type activateRequest struct {
	RegisterExisting bool `json:"register_existing"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req activateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	a, err := s.store.GetAutomation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := models.ValidateSteps(a.Steps); err != nil {
		http.Error(w, fmt.Sprintf("cannot activate: %v", err), http.StatusConflict)
		return
	}
	if err := s.store.SetAutomationStatus(r.Context(), id, models.AutomationActive); err != nil {
		writeStoreError(w, err)
		return
	}
	s.auditLog.Record(r.Context(), models.AuditEvent{
		EventType:    "automation.activated",
		ResourceType: "automation",
		ResourceID:   id,
		ActorID:      actorFromRequest(r),
		Outcome:      models.AuditSuccess,
	})
	registered := 0
	if req.RegisterExisting {
		triggers, err := s.matcher.RegisterExisting(r.Context(), id)
		if err != nil {
			http.Error(w, fmt.Sprintf("activated, register existing failed: %v", err), http.StatusConflict)
			return
		}
		registered = len(triggers)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": models.AutomationActive, "registered": registered})
}

type pauseRequest struct {
	CancelPending bool `json:"cancel_pending"`
}

// handlePause stops new firings. In-flight executions drain unless
// cancel_pending is set, which cancels every live execution as well.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req pauseRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if _, err := s.store.GetAutomation(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.SetAutomationStatus(r.Context(), id, models.AutomationPaused); err != nil {
		writeStoreError(w, err)
		return
	}
	cancelled := 0
	if req.CancelPending {
		for _, status := range models.LiveExecutionStatuses {
			execs, err := s.store.ListExecutions(r.Context(), store.ExecutionFilter{AutomationID: id, Status: status})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for _, exec := range execs {
				if err := s.engine.Cancel(r.Context(), exec.ID, actorFromRequest(r)); err == nil {
					cancelled++
				}
			}
		}
	}
	s.auditLog.Record(r.Context(), models.AuditEvent{
		EventType:    "automation.paused",
		ResourceType: "automation",
		ResourceID:   id,
		ActorID:      actorFromRequest(r),
		Outcome:      models.AuditSuccess,
		Payload:      map[string]any{"cancelled_executions": cancelled},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": models.AutomationPaused, "cancelled_executions": cancelled})
}

type statsResponse struct {
	AutomationID    string  `json:"automation_id"`
	ExecutionCount  int64   `json:"execution_count"`
	SuccessCount    int64   `json:"success_count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgExecutionMs  int64   `json:"avg_execution_ms"`
	TotalExecutions int64   `json:"total_execution_ms"`
}

func (s *Server) handleAutomationStats(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		AutomationID:    a.ID,
		ExecutionCount:  a.ExecutionCount,
		SuccessCount:    a.SuccessCount,
		SuccessRate:     a.SuccessRate(),
		AvgExecutionMs:  a.AvgExecutionMs(),
		TotalExecutions: a.TotalExecutionMs,
	})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *Server) handleQueryTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers(r.Context(), r.URL.Query().Get("automation_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := s.store.ListExecutions(r.Context(), store.ExecutionFilter{
		AutomationID: q.Get("automation_id"),
		EntityID:     q.Get("entity_id"),
		Status:       q.Get("status"),
		Limit:        limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), id, actorFromRequest(r)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.ExecutionCancelled})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.ApprovalPending
	}
	reqs, err := s.store.ListApprovalRequests(r.Context(), status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetApprovalRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.ApproverID == "" {
		body.ApproverID = actorFromRequest(r)
	}
	if body.ApproverID == "" {
		http.Error(w, "approver_id is required", http.StatusBadRequest)
		return
	}
	req, err := s.gate.Approve(r.Context(), chi.URLParam(r, "id"), body.ApproverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.ApproverID == "" {
		body.ApproverID = actorFromRequest(r)
	}
	if body.ApproverID == "" {
		http.Error(w, "approver_id is required", http.StatusBadRequest)
		return
	}
	req, err := s.gate.Reject(r.Context(), chi.URLParam(r, "id"), body.ApproverID, body.Reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{
		ExecutionID:  q.Get("execution_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		EventType:    q.Get("event_type"),
		Limit:        200,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	events, err := s.auditLog.Query(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return v
	}
	return ""
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
