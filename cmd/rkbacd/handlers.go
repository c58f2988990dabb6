package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rkbac/pkg/auth"
	"rkbac/pkg/httpx"
	"rkbac/pkg/lifecycle"
	"rkbac/pkg/models"
	"rkbac/pkg/tier"

	"github.com/go-chi/chi/v5"
)

func (s *Server) actorFromRequest(r *http.Request) (models.Actor, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return models.Actor{}, false
	}
	actor := models.Actor{
		ID:         principal.Subject,
		Tenant:     principal.Tenant,
		Tier:       principal.Tier,
		Department: principal.Department,
	}
	// Dev-only escape hatch: with auth off the anonymous principal has no
	// tenant, so accept header overrides instead.
	if strings.EqualFold(s.AuthMode, "off") {
		if v := strings.TrimSpace(r.Header.Get("X-Tenant")); v != "" {
			actor.Tenant = v
		}
		if v := strings.TrimSpace(r.Header.Get("X-Actor")); v != "" {
			actor.ID = v
		}
		if v := strings.TrimSpace(r.Header.Get("X-Tier")); v != "" {
			if parsed, err := tier.Parse(v); err == nil {
				actor.Tier = parsed
			}
		}
		if v := strings.TrimSpace(r.Header.Get("X-Department")); v != "" {
			actor.Department = v
		}
	}
	return actor, actor.Tenant != ""
}

// writeServiceError maps the lifecycle error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	if errors.As(err, &validation) {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": validation.Error(),
			"field": validation.Field,
		})
		return
	}
	var notFound *lifecycle.NotFoundError
	if errors.As(err, &notFound) {
		httpx.Error(w, http.StatusNotFound, notFound.Error())
		return
	}
	var duplicate *lifecycle.DuplicateActiveWaiverError
	if errors.As(err, &duplicate) {
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":       duplicate.Error(),
			"existing_id": duplicate.ExistingID,
		})
		return
	}
	var invalidState *lifecycle.InvalidStateError
	if errors.As(err, &invalidState) {
		httpx.Error(w, http.StatusConflict, invalidState.Error())
		return
	}
	var privilege *lifecycle.InsufficientPrivilegeError
	if errors.As(err, &privilege) {
		httpx.Error(w, http.StatusForbidden, privilege.Error())
		return
	}
	var immutable *lifecycle.ImmutablePolicyError
	if errors.As(err, &immutable) {
		httpx.Error(w, http.StatusForbidden, immutable.Error())
		return
	}
	var unavailable *lifecycle.StoreUnavailableError
	if errors.As(err, &unavailable) {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	policies, err := s.Lifecycle.ListActivePolicies(r.Context(), actor.Tenant)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	policy, err := s.Lifecycle.GetPolicy(r.Context(), actor.Tenant, chi.URLParam(r, "policy_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, policy)
}

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	var p models.Policy
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.Error(w, 400, "invalid json: "+err.Error())
		return
	}
	p.Tenant = actor.Tenant
	saved, err := s.Lifecycle.UpsertPolicy(r.Context(), actor.ID, p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, saved)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	if err := s.Lifecycle.DeletePolicy(r.Context(), actor.Tenant, actor.ID, chi.URLParam(r, "policy_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) handleRequestWaiver(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		result := s.RateLimiter.Allow("waiver:"+actor.Tenant+":"+actor.ID, s.RateLimitPerMinute)
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	cacheKey := ""
	if idemKey != "" {
		cacheKey = "waiver-idem:" + strings.ToLower(actor.Tenant) + ":" + strings.ToLower(actor.ID) + ":" + idemKey
		if cachedID, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cachedID != "" {
			if existing, err := s.Lifecycle.GetWaiver(r.Context(), actor.Tenant, cachedID); err == nil {
				httpx.WriteJSON(w, 200, existing)
				return
			}
		}
	}
	var req lifecycle.WaiverRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json: "+err.Error())
		return
	}
	waiver, err := s.Lifecycle.RequestWaiver(r.Context(), actor, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cacheKey != "" {
		_ = s.Cache.Set(r.Context(), cacheKey, waiver.ID, s.IdempotencyTTL)
	}
	s.Metrics.IncWaiverStatus(string(waiver.Status))
	s.Metrics.IncWaiverRisk(string(waiver.Risk))
	httpx.WriteJSON(w, http.StatusCreated, waiver)
}

func (s *Server) handleGetWaiver(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	waiver, err := s.Lifecycle.GetWaiver(r.Context(), actor.Tenant, chi.URLParam(r, "waiver_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, waiver)
}

func (s *Server) handleListWaivers(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	filter := lifecycle.WaiverFilter{
		Status:   models.WaiverStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		ActorID:  strings.TrimSpace(r.URL.Query().Get("actor_id")),
		PolicyID: strings.TrimSpace(r.URL.Query().Get("policy_id")),
		Risk:     models.RiskLevel(strings.TrimSpace(r.URL.Query().Get("risk"))),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	waivers, err := s.Lifecycle.ListWaivers(r.Context(), actor.Tenant, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": waivers})
}

type decisionRequest struct {
	Decision  string `json:"decision"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (s *Server) handleDecideWaiver(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json: "+err.Error())
		return
	}
	decision := strings.ToLower(strings.TrimSpace(req.Decision))
	if decision != lifecycle.DecisionApprove && decision != lifecycle.DecisionDeny {
		httpx.Error(w, 400, "decision must be approve or deny")
		return
	}
	var customExpiry *time.Time
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, 400, "expires_at must be RFC3339")
			return
		}
		utc := parsed.UTC()
		customExpiry = &utc
	}
	waiver, err := s.Lifecycle.DecideWaiver(r.Context(), actor, chi.URLParam(r, "waiver_id"), decision, customExpiry)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.Metrics.IncWaiverStatus(string(waiver.Status))
	httpx.WriteJSON(w, 200, waiver)
}

func (s *Server) handleRevokeWaiver(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	waiver, err := s.Lifecycle.RevokeWaiver(r.Context(), actor, chi.URLParam(r, "waiver_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.Metrics.IncWaiverStatus(string(waiver.Status))
	httpx.WriteJSON(w, 200, waiver)
}

type evaluateRequest struct {
	ActorID      string `json:"actor_id,omitempty"`
	ActorTier    string `json:"actor_tier,omitempty"`
	Department   string `json:"department,omitempty"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
}

// handleEvaluate answers access checks. Callers evaluating on behalf of
// another subject (enforcement points) pass the subject's identity and tier
// explicitly; that path is restricted to manager tier and above, since an
// allow through a one-time waiver consumes the subject's grant. Otherwise the
// authenticated principal is the subject.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	var req evaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json: "+err.Error())
		return
	}
	subject := actor
	if id := strings.TrimSpace(req.ActorID); id != "" {
		if !tier.MoreOrEquallyPrivileged(actor.Tier, tier.Manager) {
			httpx.Error(w, 403, "evaluating another subject requires manager tier")
			return
		}
		subject.ID = id
		subject.Department = strings.TrimSpace(req.Department)
		parsed, err := tier.Parse(req.ActorTier)
		if err != nil {
			httpx.Error(w, 400, "actor_tier invalid")
			return
		}
		subject.Tier = parsed
	}
	start := time.Now()
	decision, err := s.Lifecycle.Evaluate(r.Context(), subject, req.ResourceType, req.Action)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.Metrics.ObserveEvalLatency(time.Since(start))
	s.Metrics.IncDecision(string(decision.Effect))
	s.Metrics.IncReason(decision.ReasonCode)
	s.Metrics.IncDecisionReason(string(decision.Effect), decision.ReasonCode)
	httpx.WriteJSON(w, 200, decision)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.SweepToken == "" {
		httpx.Error(w, http.StatusForbidden, "sweep endpoint disabled")
		return
	}
	if r.Header.Get("X-Internal-Token") != s.SweepToken {
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	n, err := s.Lifecycle.ExpireDueWaivers(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.Metrics.ObserveSweep(int64(n))
	httpx.WriteJSON(w, 200, map[string]int{"expired": n})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		httpx.Error(w, 403, "tenant required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.AuditLog.List(r.Context(), actor.Tenant, strings.TrimSpace(r.URL.Query().Get("event")), limit)
	if err != nil {
		httpx.Error(w, 500, "failed to list audit records")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": events})
}
