package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event names recorded for policy and waiver activity.
const (
	EventPolicyChange       = "policy_change"
	EventExceptionRequested = "exception_requested"
	EventExceptionApproved  = "exception_approved"
	EventExceptionDenied    = "exception_denied"
	EventExceptionRevoked   = "exception_revoked"
	EventExceptionExpired   = "exception_expired"
	EventPrivilegeViolation = "privilege_violation"
)

type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Tenant    string         `json:"tenant"`
	ActorID   string         `json:"actor_id"`
	TargetID  string         `json:"target_id"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer persists audit events to Postgres. With Redact set, actor ids are
// salted-hashed before they reach the table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, ev Event) error {
	if w.Redact {
		ev = redactEvent(ev, w.HashSalt)
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_records (id, tenant, event, actor_id, target_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ev.ID, ev.Tenant, ev.Name, ev.ActorID, ev.TargetID, details, ev.CreatedAt)
	return err
}

// List returns the newest events for a tenant, optionally filtered by name.
func (w *Writer) List(ctx context.Context, tenant, name string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if name == "" {
		rows, err = w.DB.Query(ctx, `
			SELECT id, tenant, event, actor_id, target_id, details, created_at
			FROM audit_records WHERE tenant=$1 ORDER BY created_at DESC LIMIT $2
		`, tenant, limit)
	} else {
		rows, err = w.DB.Query(ctx, `
			SELECT id, tenant, event, actor_id, target_id, details, created_at
			FROM audit_records WHERE tenant=$1 AND event=$2 ORDER BY created_at DESC LIMIT $3
		`, tenant, name, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Tenant, &ev.Name, &ev.ActorID, &ev.TargetID, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &ev.Details)
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}
