// Package lifecycle implements the policy store operations and the
// exception-waiver state machine against a transactional store, and exposes
// the decision function over a fresh snapshot. All operations are synchronous
// request/response calls; the only sweep, ExpireDueWaivers, is an idempotent
// conditional update safe to run from concurrent callers.
package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rkbac/pkg/audit"
	"rkbac/pkg/models"
	"rkbac/pkg/policyeval"
	"rkbac/pkg/tier"
	"rkbac/pkg/waiverfsm"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Auditor receives fire-and-forget audit events.
type Auditor interface {
	Emit(ev audit.Event)
}

type Service struct {
	DB    DB
	Audit Auditor

	// Now is injectable for tests; defaults to time.Now UTC.
	Now func() time.Time

	// CallTimeout bounds each store call so requests never hang behind the
	// user-facing handlers.
	CallTimeout time.Duration
}

const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Service) emit(name, tenant, actorID, targetID string, details map[string]any) {
	if s.Audit == nil {
		return
	}
	s.Audit.Emit(audit.Event{
		Name:     name,
		Tenant:   tenant,
		ActorID:  actorID,
		TargetID: targetID,
		Details:  details,
	})
}

// storeErr classifies a store failure. Duplicate-key violations are handled
// at call sites; everything else that is not a domain error surfaces as
// StoreUnavailableError so callers can apply retry policy.
func storeErr(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const policyColumns = `id, tenant, name, COALESCE(description,''), resource_type, action, effect, sensitivity, min_tier, active, immutable, created_at, updated_at`

func scanPolicy(row pgx.Row) (models.Policy, error) {
	var (
		p       models.Policy
		minTier int
	)
	err := row.Scan(&p.ID, &p.Tenant, &p.Name, &p.Description, &p.ResourceType, &p.Action,
		&p.Effect, &p.Sensitivity, &minTier, &p.Active, &p.Immutable, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Policy{}, err
	}
	p.MinimumTier = tier.Tier(minTier)
	if err := p.Validate(); err != nil {
		return models.Policy{}, err
	}
	return p, nil
}

const waiverColumns = `id, tenant, policy_id, requested_by, COALESCE(department,''), reason, duration, expires_at, status, risk, COALESCE(approved_by,''), requested_at, decided_at`

func scanWaiver(row pgx.Row) (models.ExceptionWaiver, error) {
	var w models.ExceptionWaiver
	err := row.Scan(&w.ID, &w.Tenant, &w.PolicyID, &w.RequestedBy, &w.Department, &w.Reason,
		&w.Duration, &w.ExpiresAt, &w.Status, &w.Risk, &w.ApprovedBy, &w.RequestedAt, &w.DecidedAt)
	if err != nil {
		return models.ExceptionWaiver{}, err
	}
	if err := w.Validate(); err != nil {
		return models.ExceptionWaiver{}, err
	}
	return w, nil
}

// GetPolicy loads one policy scoped to a tenant.
func (s *Service) GetPolicy(ctx context.Context, tenant, id string) (models.Policy, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	row := s.DB.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant=$1 AND id=$2`, tenant, id)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Policy{}, &NotFoundError{Kind: "policy", ID: id}
	}
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return models.Policy{}, err
		}
		return models.Policy{}, storeErr("get policy", err)
	}
	return p, nil
}

// ListActivePolicies returns the tenant's active policies, most privileged
// gate first, then by name.
func (s *Service) ListActivePolicies(ctx context.Context, tenant string) ([]models.Policy, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	rows, err := s.DB.Query(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE tenant=$1 AND active=true
		ORDER BY min_tier ASC, name ASC
	`, tenant)
	if err != nil {
		return nil, storeErr("list policies", err)
	}
	defer rows.Close()
	items := make([]models.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list policies", err)
	}
	return items, nil
}

// UpsertPolicy creates or updates a policy. The synthetic owner policy can
// never be targeted.
func (s *Service) UpsertPolicy(ctx context.Context, actorID string, p models.Policy) (models.Policy, error) {
	if p.Immutable {
		// Only migrations seed the synthetic owner policy.
		return models.Policy{}, &ImmutablePolicyError{PolicyID: p.ID}
	}
	if err := p.Validate(); err != nil {
		return models.Policy{}, err
	}
	created := false
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.New().String()
		created = true
	} else {
		existing, err := s.GetPolicy(ctx, p.Tenant, p.ID)
		var nf *NotFoundError
		switch {
		case errors.As(err, &nf):
			created = true
		case err != nil:
			return models.Policy{}, err
		case existing.Immutable:
			return models.Policy{}, &ImmutablePolicyError{PolicyID: p.ID}
		}
	}
	now := s.now()
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	cmd, err := s.DB.Exec(ctxDB, `
		INSERT INTO policies (id, tenant, name, description, resource_type, action, effect, sensitivity, min_tier, active, immutable, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false,$11,$11)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			description=EXCLUDED.description,
			resource_type=EXCLUDED.resource_type,
			action=EXCLUDED.action,
			effect=EXCLUDED.effect,
			sensitivity=EXCLUDED.sensitivity,
			min_tier=EXCLUDED.min_tier,
			active=EXCLUDED.active,
			updated_at=EXCLUDED.updated_at
		WHERE policies.immutable=false AND policies.tenant=EXCLUDED.tenant
	`, p.ID, p.Tenant, p.Name, p.Description, p.ResourceType, p.Action, p.Effect, p.Sensitivity, int(p.MinimumTier), p.Active, now)
	if err != nil {
		return models.Policy{}, storeErr("upsert policy", err)
	}
	if cmd.RowsAffected() == 0 {
		// The id exists but the conflict guard refused the update: the row is
		// immutable or belongs to another tenant. Report it exactly as the
		// tenant-scoped read would.
		return models.Policy{}, &NotFoundError{Kind: "policy", ID: p.ID}
	}
	action := "updated"
	if created {
		action = "created"
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.emit(audit.EventPolicyChange, p.Tenant, actorID, p.ID, map[string]any{
		"change":        action,
		"resource_type": p.ResourceType,
		"action":        p.Action,
		"effect":        string(p.Effect),
		"minimum_tier":  p.MinimumTier.String(),
	})
	return p, nil
}

// DeletePolicy removes a policy; the synthetic owner policy is protected.
func (s *Service) DeletePolicy(ctx context.Context, tenant, actorID, id string) error {
	existing, err := s.GetPolicy(ctx, tenant, id)
	if err != nil {
		return err
	}
	if existing.Immutable {
		return &ImmutablePolicyError{PolicyID: id}
	}
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	cmd, err := s.DB.Exec(ctxDB, `DELETE FROM policies WHERE tenant=$1 AND id=$2 AND immutable=false`, tenant, id)
	if err != nil {
		return storeErr("delete policy", err)
	}
	if cmd.RowsAffected() == 0 {
		return &NotFoundError{Kind: "policy", ID: id}
	}
	s.emit(audit.EventPolicyChange, tenant, actorID, id, map[string]any{"change": "deleted"})
	return nil
}

// WaiverRequest is the input to RequestWaiver.
type WaiverRequest struct {
	PolicyID     string          `json:"policy_id"`
	Department   string          `json:"department"`
	Reason       string          `json:"reason"`
	Duration     models.Duration `json:"duration"`
}

// RequestWaiver opens a pending waiver for the actor against one policy.
// Risk is classified at creation and never recomputed. At most one pending
// or active waiver may exist per (actor, policy) pair; the partial unique
// index is the safety net behind the application-level pre-check.
func (s *Service) RequestWaiver(ctx context.Context, actor models.Actor, req WaiverRequest) (models.ExceptionWaiver, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return models.ExceptionWaiver{}, &models.ValidationError{Field: "reason", Reason: "required"}
	}
	if !req.Duration.Valid() {
		return models.ExceptionWaiver{}, &models.ValidationError{Field: "duration", Reason: "unknown duration"}
	}
	policy, err := s.GetPolicy(ctx, actor.Tenant, req.PolicyID)
	if err != nil {
		return models.ExceptionWaiver{}, err
	}

	if existing, err := s.findOpenWaiver(ctx, actor.ID, policy.ID); err != nil {
		return models.ExceptionWaiver{}, err
	} else if existing != "" {
		return models.ExceptionWaiver{}, &DuplicateActiveWaiverError{ExistingID: existing}
	}

	w := models.ExceptionWaiver{
		ID:          uuid.New().String(),
		Tenant:      actor.Tenant,
		PolicyID:    policy.ID,
		RequestedBy: actor.ID,
		Department:  req.Department,
		Reason:      reason,
		Duration:    req.Duration,
		Status:      models.WaiverPending,
		Risk:        models.ClassifyRisk(policy, actor.Tier),
		RequestedAt: s.now(),
	}
	if w.Department == "" {
		w.Department = actor.Department
	}
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	_, err = s.DB.Exec(ctxDB, `
		INSERT INTO waivers (id, tenant, policy_id, requested_by, department, reason, duration, status, risk, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, w.ID, w.Tenant, w.PolicyID, w.RequestedBy, w.Department, w.Reason, w.Duration, w.Status, w.Risk, w.RequestedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; report the winner's id.
			if existing, lookupErr := s.findOpenWaiver(ctx, actor.ID, policy.ID); lookupErr == nil && existing != "" {
				return models.ExceptionWaiver{}, &DuplicateActiveWaiverError{ExistingID: existing}
			}
			return models.ExceptionWaiver{}, &DuplicateActiveWaiverError{}
		}
		return models.ExceptionWaiver{}, storeErr("request waiver", err)
	}
	s.emit(audit.EventExceptionRequested, w.Tenant, actor.ID, w.ID, map[string]any{
		"policy_id":  w.PolicyID,
		"risk_level": string(w.Risk),
		"duration":   string(w.Duration),
	})
	return w, nil
}

func (s *Service) findOpenWaiver(ctx context.Context, actorID, policyID string) (string, error) {
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	var id string
	err := s.DB.QueryRow(ctxDB, `
		SELECT id FROM waivers
		WHERE requested_by=$1 AND policy_id=$2 AND status IN ('pending','active')
	`, actorID, policyID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("check open waiver", err)
	}
	return id, nil
}

// GetWaiver loads one waiver scoped to a tenant.
func (s *Service) GetWaiver(ctx context.Context, tenant, id string) (models.ExceptionWaiver, error) {
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	row := s.DB.QueryRow(ctxDB, `SELECT `+waiverColumns+` FROM waivers WHERE tenant=$1 AND id=$2`, tenant, id)
	w, err := scanWaiver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExceptionWaiver{}, &NotFoundError{Kind: "waiver", ID: id}
	}
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return models.ExceptionWaiver{}, err
		}
		return models.ExceptionWaiver{}, storeErr("get waiver", err)
	}
	return w, nil
}

// DecideWaiver approves or denies a pending waiver. Approval requires the
// decider to be strictly more privileged than the target policy's gate, or
// Owner. The status flip is a compare-and-set on pending so a concurrent
// decision loses cleanly.
func (s *Service) DecideWaiver(ctx context.Context, decider models.Actor, waiverID, decision string, customExpiry *time.Time) (models.ExceptionWaiver, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return models.ExceptionWaiver{}, &models.ValidationError{Field: "decision", Reason: "must be approve or deny"}
	}
	w, err := s.GetWaiver(ctx, decider.Tenant, waiverID)
	if err != nil {
		return models.ExceptionWaiver{}, err
	}
	if w.Status != models.WaiverPending {
		return models.ExceptionWaiver{}, &InvalidStateError{From: w.Status, Attempted: models.WaiverActive}
	}
	policy, err := s.GetPolicy(ctx, decider.Tenant, w.PolicyID)
	if err != nil {
		return models.ExceptionWaiver{}, err
	}

	now := s.now()
	if decision == DecisionDeny {
		return s.applyDecision(ctx, w, models.WaiverDenied, decider.ID, nil, now)
	}

	if !tier.CanApprove(decider.Tier, policy.MinimumTier) {
		s.emit(audit.EventPrivilegeViolation, decider.Tenant, decider.ID, w.ID, map[string]any{
			"operation":     "approve_waiver",
			"actor_tier":    decider.Tier.String(),
			"required_tier": policy.MinimumTier.String(),
		})
		return models.ExceptionWaiver{}, &InsufficientPrivilegeError{ActorTier: decider.Tier, RequiredTier: policy.MinimumTier}
	}
	if w.Duration == models.DurationCustom {
		if customExpiry == nil {
			return models.ExceptionWaiver{}, &models.ValidationError{Field: "expires_at", Reason: "required for custom duration"}
		}
		if !customExpiry.After(now) {
			return models.ExceptionWaiver{}, &models.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
	}
	expiresAt := models.ExpiryFor(w.Duration, now, customExpiry)
	return s.applyDecision(ctx, w, models.WaiverActive, decider.ID, expiresAt, now)
}

func (s *Service) applyDecision(ctx context.Context, w models.ExceptionWaiver, to models.WaiverStatus, deciderID string, expiresAt *time.Time, now time.Time) (models.ExceptionWaiver, error) {
	if _, err := waiverfsm.Transition(w.Status, to); err != nil {
		return models.ExceptionWaiver{}, &InvalidStateError{From: w.Status, Attempted: to}
	}
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	cmd, err := s.DB.Exec(ctxDB, `
		UPDATE waivers
		SET status=$1, approved_by=$2, decided_at=$3, expires_at=$4
		WHERE id=$5 AND status='pending'
	`, to, deciderID, now, expiresAt, w.ID)
	if err != nil {
		return models.ExceptionWaiver{}, storeErr("decide waiver", err)
	}
	if cmd.RowsAffected() == 0 {
		// Someone else decided first; the caller must refresh.
		return models.ExceptionWaiver{}, &InvalidStateError{From: w.Status, Attempted: to}
	}
	w.Status = to
	w.ApprovedBy = deciderID
	w.DecidedAt = &now
	w.ExpiresAt = expiresAt

	event := audit.EventExceptionApproved
	if to == models.WaiverDenied {
		event = audit.EventExceptionDenied
	}
	details := map[string]any{
		"policy_id":   w.PolicyID,
		"risk_level":  string(w.Risk),
		"duration":    string(w.Duration),
		"requested_by": w.RequestedBy,
	}
	if expiresAt != nil {
		details["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	s.emit(event, w.Tenant, deciderID, w.ID, details)
	return w, nil
}

// RevokeWaiver terminates an active waiver ahead of its natural expiry.
// Distinct from expiry for audit purposes.
func (s *Service) RevokeWaiver(ctx context.Context, revoker models.Actor, waiverID string) (models.ExceptionWaiver, error) {
	w, err := s.GetWaiver(ctx, revoker.Tenant, waiverID)
	if err != nil {
		return models.ExceptionWaiver{}, err
	}
	if w.Status != models.WaiverActive {
		return models.ExceptionWaiver{}, &InvalidStateError{From: w.Status, Attempted: models.WaiverRevoked}
	}
	policy, err := s.GetPolicy(ctx, revoker.Tenant, w.PolicyID)
	if err != nil {
		return models.ExceptionWaiver{}, err
	}
	if !tier.CanApprove(revoker.Tier, policy.MinimumTier) {
		s.emit(audit.EventPrivilegeViolation, revoker.Tenant, revoker.ID, w.ID, map[string]any{
			"operation":     "revoke_waiver",
			"actor_tier":    revoker.Tier.String(),
			"required_tier": policy.MinimumTier.String(),
		})
		return models.ExceptionWaiver{}, &InsufficientPrivilegeError{ActorTier: revoker.Tier, RequiredTier: policy.MinimumTier}
	}
	now := s.now()
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	cmd, err := s.DB.Exec(ctxDB, `
		UPDATE waivers SET status='revoked', decided_at=$1 WHERE id=$2 AND status='active'
	`, now, w.ID)
	if err != nil {
		return models.ExceptionWaiver{}, storeErr("revoke waiver", err)
	}
	if cmd.RowsAffected() == 0 {
		return models.ExceptionWaiver{}, &InvalidStateError{From: w.Status, Attempted: models.WaiverRevoked}
	}
	w.Status = models.WaiverRevoked
	w.DecidedAt = &now
	s.emit(audit.EventExceptionRevoked, w.Tenant, revoker.ID, w.ID, map[string]any{
		"policy_id":    w.PolicyID,
		"risk_level":   string(w.Risk),
		"requested_by": w.RequestedBy,
	})
	return w, nil
}

// ExpireDueWaivers transitions every active waiver past its expiry. The
// conditional update makes concurrent sweeps idempotent: a row can only move
// once, and a second sweep with the same clock matches nothing.
func (s *Service) ExpireDueWaivers(ctx context.Context, now time.Time) (int, error) {
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	rows, err := s.DB.Query(ctxDB, `
		UPDATE waivers
		SET status='expired'
		WHERE status='active' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id, tenant, requested_by, policy_id
	`, now.UTC())
	if err != nil {
		return 0, storeErr("expire waivers", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var id, tenant, requestedBy, policyID string
		if err := rows.Scan(&id, &tenant, &requestedBy, &policyID); err != nil {
			return count, storeErr("expire waivers", err)
		}
		count++
		s.emit(audit.EventExceptionExpired, tenant, requestedBy, id, map[string]any{
			"policy_id": policyID,
			"cause":     "sweep",
		})
	}
	if err := rows.Err(); err != nil {
		return count, storeErr("expire waivers", err)
	}
	return count, nil
}

// WaiverFilter narrows ListWaivers. Zero values match everything.
type WaiverFilter struct {
	Status   models.WaiverStatus
	ActorID  string
	PolicyID string
	Risk     models.RiskLevel
	Limit    int
}

func (s *Service) ListWaivers(ctx context.Context, tenant string, filter WaiverFilter) ([]models.ExceptionWaiver, error) {
	where := []string{"tenant=$1"}
	args := []any{tenant}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		where = append(where, "requested_by=$"+strconv.Itoa(len(args)))
	}
	if filter.PolicyID != "" {
		args = append(args, filter.PolicyID)
		where = append(where, "policy_id=$"+strconv.Itoa(len(args)))
	}
	if filter.Risk != "" {
		args = append(args, filter.Risk)
		where = append(where, "risk=$"+strconv.Itoa(len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT ` + waiverColumns + ` FROM waivers WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY requested_at DESC LIMIT $` + strconv.Itoa(len(args))

	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	rows, err := s.DB.Query(ctxDB, query, args...)
	if err != nil {
		return nil, storeErr("list waivers", err)
	}
	defer rows.Close()
	items := make([]models.ExceptionWaiver, 0)
	for rows.Next() {
		w, err := scanWaiver(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list waivers", err)
	}
	return items, nil
}

// Evaluate loads a fresh snapshot of the tenant's active policies and the
// actor's active waivers, runs the pure decision function, and persists
// one-time waiver consumption when the grant came through one.
func (s *Service) Evaluate(ctx context.Context, actor models.Actor, resourceType, action string) (policyeval.Decision, error) {
	policies, err := s.ListActivePolicies(ctx, actor.Tenant)
	if err != nil {
		return policyeval.Decision{}, err
	}
	waivers, err := s.ListWaivers(ctx, actor.Tenant, WaiverFilter{
		Status:  models.WaiverActive,
		ActorID: actor.ID,
	})
	if err != nil {
		return policyeval.Decision{}, err
	}
	d := policyeval.Evaluate(actor, resourceType, action, policies, waivers, s.now())
	if d.ConsumedWaiverID != "" {
		consumed, err := s.consumeOneTime(ctx, d.ConsumedWaiverID, actor)
		if err != nil {
			return policyeval.Decision{}, err
		}
		if !consumed {
			// Another evaluation or a sweep claimed the waiver between the
			// snapshot and the compare-and-set. The grant it would have
			// carried is gone, so the answer is the one the actor gets
			// without it.
			d = policyeval.Decision{Effect: models.EffectDeny, ReasonCode: policyeval.ReasonTierShort}
		}
	}
	return d, nil
}

// consumeOneTime expires a one-time waiver after its first successful use.
// The compare-and-set means exactly one evaluation can consume it; the
// returned flag reports whether this call won the race.
func (s *Service) consumeOneTime(ctx context.Context, waiverID string, actor models.Actor) (bool, error) {
	ctxDB, cancel := s.callCtx(ctx)
	defer cancel()
	cmd, err := s.DB.Exec(ctxDB, `
		UPDATE waivers SET status='expired' WHERE id=$1 AND status='active'
	`, waiverID)
	if err != nil {
		return false, storeErr("consume one-time waiver", err)
	}
	if cmd.RowsAffected() == 0 {
		return false, nil
	}
	s.emit(audit.EventExceptionExpired, actor.Tenant, actor.ID, waiverID, map[string]any{
		"cause": "one_time_consumed",
	})
	return true, nil
}
