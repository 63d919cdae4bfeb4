package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Craig-0219/potato-sub004/automation"
)

// Health check handler.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Event ingestion handler.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ScopeID == "" {
		respondError(w, http.StatusBadRequest, "scope_id is required", nil)
		return
	}
	if !automation.ValidTriggerType(req.TriggerType) {
		respondError(w, http.StatusBadRequest, "unknown trigger_type", nil)
		return
	}

	occurredAt := time.Now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	results, err := s.engine.Process(r.Context(), automation.TriggerEvent{
		ScopeID:     req.ScopeID,
		TriggerType: req.TriggerType,
		Payload:     req.Payload,
		OccurredAt:  occurredAt,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "dispatch failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ProcessResponse{Results: results})
}

// Webhook ingestion handler: wraps the request body as a webhook-trigger
// event for the scope in the URL.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook payload", err)
		return
	}

	results, err := s.engine.Process(r.Context(), automation.TriggerEvent{
		ScopeID:     scopeID,
		TriggerType: automation.TriggerWebhook,
		Payload:     payload,
		OccurredAt:  time.Now(),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "dispatch failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ProcessResponse{Results: results})
}

// Create rule handler.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")

	var spec RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := specToRule(&spec, scopeID, "")
	id, err := s.engine.Manager.Create(rule, actorFrom(r))
	if err != nil {
		respondValidation(w, err)
		return
	}

	created, err := s.engine.Manager.Get(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load created rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// List rules handler.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")

	filter := automation.RuleFilter{ScopeID: scopeID}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = automation.RuleStatus(status)
	}
	if trigger := r.URL.Query().Get("trigger_type"); trigger != "" {
		filter.TriggerType = automation.TriggerType(trigger)
	}

	rules, err := s.engine.Manager.List(filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// Get rule handler.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.scopedRule(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler: full-spec replace with preserved identity.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.scopedRule(w, r)
	if !ok {
		return
	}

	var spec RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := specToRule(&spec, existing.ScopeID, existing.ID)
	if err := s.engine.Manager.Update(rule, actorFrom(r)); err != nil {
		respondValidation(w, err)
		return
	}

	updated, err := s.engine.Manager.Get(existing.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load updated rule", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Delete rule handler.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.scopedRule(w, r)
	if !ok {
		return
	}
	if err := s.engine.Manager.Delete(rule.ID, actorFrom(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status transition handler.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.scopedRule(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.engine.Manager.UpdateStatus(rule.ID, req.Status, actorFrom(r)); err != nil {
		respondValidation(w, err)
		return
	}

	updated, _ := s.engine.Manager.Get(rule.ID)
	respondJSON(w, http.StatusOK, updated)
}

// Rule statistics handler.
func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.scopedRule(w, r)
	if !ok {
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	executions, err := s.engine.Store.ListExecutions(rule.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}

	respondJSON(w, http.StatusOK, RuleStatsResponse{
		RuleID:           rule.ID,
		ExecutionCount:   rule.ExecutionCount,
		SuccessCount:     rule.SuccessCount,
		FailureCount:     rule.FailureCount,
		LastExecuted:     rule.LastExecuted,
		RecentExecutions: executions,
	})
}

// Audit trail handler.
func (s *Server) handleRuleAudit(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.scopedRule(w, r)
	if !ok {
		return
	}
	changes, err := s.engine.Manager.Changes(rule.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list audit entries", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

// scopedRule loads the rule from the URL and enforces that it belongs to
// the scope in the URL. Writes the error response itself on failure.
func (s *Server) scopedRule(w http.ResponseWriter, r *http.Request) (*automation.Rule, bool) {
	scopeID := chi.URLParam(r, "scopeID")
	ruleID := chi.URLParam(r, "ruleID")

	rule, err := s.engine.Manager.Get(ruleID)
	if err != nil || rule.ScopeID != scopeID {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return nil, false
	}
	return rule, true
}

func specToRule(spec *RuleSpec, scopeID, id string) *automation.Rule {
	return &automation.Rule{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		ScopeID:     scopeID,
		Trigger:     spec.Trigger,
		Actions:     spec.Actions,
		Status:      spec.Status,
		Priority:    spec.Priority,
	}
}

// actorFrom identifies the author for the audit trail. An authenticating
// proxy supplies X-Actor; anonymous otherwise.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "anonymous"
}

func respondValidation(w http.ResponseWriter, err error) {
	var verr *automation.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, "validation failed", err)
	case errors.Is(err, automation.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, automation.ErrRuleExists):
		respondError(w, http.StatusConflict, "rule already exists", err)
	default:
		respondError(w, http.StatusInternalServerError, "operation failed", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}
