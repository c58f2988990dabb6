package lifecycle

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rkbac/pkg/audit"
	"rkbac/pkg/models"
	"rkbac/pkg/tier"
)

// memDB interprets the service's SQL against in-memory maps so lifecycle
// flows can be exercised end to end without a database.
type memDB struct {
	mu       sync.Mutex
	policies map[string]models.Policy
	waivers  map[string]models.ExceptionWaiver
}

func newMemDB() *memDB {
	return &memDB{
		policies: map[string]models.Policy{},
		waivers:  map[string]models.ExceptionWaiver{},
	}
}

func (m *memDB) addPolicy(p models.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
}

func (m *memDB) waiver(id string) (models.ExceptionWaiver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waivers[id]
	return w, ok
}

func normalize(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func (m *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := normalize(sql)
	switch {
	case strings.HasPrefix(q, "INSERT INTO policies"):
		id := args[0].(string)
		existing, ok := m.policies[id]
		if ok && (existing.Immutable || existing.Tenant != args[1].(string)) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		p := models.Policy{
			ID:           id,
			Tenant:       args[1].(string),
			Name:         args[2].(string),
			Description:  args[3].(string),
			ResourceType: args[4].(string),
			Action:       args[5].(string),
			Effect:       args[6].(models.Effect),
			Sensitivity:  args[7].(models.Sensitivity),
			MinimumTier:  tierOf(args[8]),
			Active:       args[9].(bool),
			CreatedAt:    args[10].(time.Time),
			UpdatedAt:    args[10].(time.Time),
		}
		if ok {
			p.CreatedAt = existing.CreatedAt
		}
		m.policies[id] = p
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.HasPrefix(q, "DELETE FROM policies"):
		tenant, id := args[0].(string), args[1].(string)
		p, ok := m.policies[id]
		if !ok || p.Tenant != tenant || p.Immutable {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(m.policies, id)
		return pgconn.NewCommandTag("DELETE 1"), nil

	case strings.HasPrefix(q, "INSERT INTO waivers"):
		w := models.ExceptionWaiver{
			ID:          args[0].(string),
			Tenant:      args[1].(string),
			PolicyID:    args[2].(string),
			RequestedBy: args[3].(string),
			Department:  args[4].(string),
			Reason:      args[5].(string),
			Duration:    args[6].(models.Duration),
			Status:      args[7].(models.WaiverStatus),
			Risk:        args[8].(models.RiskLevel),
			RequestedAt: args[9].(time.Time),
		}
		for _, existing := range m.waivers {
			if existing.RequestedBy == w.RequestedBy && existing.PolicyID == w.PolicyID &&
				(existing.Status == models.WaiverPending || existing.Status == models.WaiverActive) {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", ConstraintName: "waivers_open_pair"}
			}
		}
		m.waivers[w.ID] = w
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(q, "SET status=$1, approved_by=$2"):
		to := args[0].(models.WaiverStatus)
		w, ok := m.waivers[args[4].(string)]
		if !ok || w.Status != models.WaiverPending {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.Status = to
		w.ApprovedBy = args[1].(string)
		decided := args[2].(time.Time)
		w.DecidedAt = &decided
		w.ExpiresAt = timePtr(args[3])
		m.waivers[w.ID] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(q, "SET status='revoked'"):
		w, ok := m.waivers[args[1].(string)]
		if !ok || w.Status != models.WaiverActive {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.Status = models.WaiverRevoked
		decided := args[0].(time.Time)
		w.DecidedAt = &decided
		m.waivers[w.ID] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(q, "SET status='expired' WHERE id=$1"):
		w, ok := m.waivers[args[0].(string)]
		if !ok || w.Status != models.WaiverActive {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.Status = models.WaiverExpired
		m.waivers[w.ID] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("memdb: unhandled exec: " + q)
}

func (m *memDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := normalize(sql)
	switch {
	case strings.Contains(q, "FROM policies WHERE tenant=$1 AND active=true"):
		tenant := args[0].(string)
		items := make([]models.Policy, 0)
		for _, p := range m.policies {
			if p.Tenant == tenant && p.Active {
				items = append(items, p)
			}
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].MinimumTier != items[j].MinimumTier {
				return items[i].MinimumTier < items[j].MinimumTier
			}
			return items[i].Name < items[j].Name
		})
		rows := &fakeRows{}
		for _, p := range items {
			rows.rows = append(rows.rows, policyRow(p))
		}
		return rows, nil

	case strings.Contains(q, "RETURNING id, tenant, requested_by, policy_id"):
		due := args[0].(time.Time)
		rows := &fakeRows{}
		ids := make([]string, 0)
		for id := range m.waivers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			w := m.waivers[id]
			if w.Status == models.WaiverActive && w.ExpiresAt != nil && !w.ExpiresAt.After(due) {
				w.Status = models.WaiverExpired
				m.waivers[id] = w
				rows.rows = append(rows.rows, []any{w.ID, w.Tenant, w.RequestedBy, w.PolicyID})
			}
		}
		return rows, nil

	case strings.Contains(q, "FROM waivers WHERE tenant=$1"):
		tenant := args[0].(string)
		idx := 1
		var status models.WaiverStatus
		var actorID, policyID string
		var risk models.RiskLevel
		if strings.Contains(q, "status=$") {
			status = args[idx].(models.WaiverStatus)
			idx++
		}
		if strings.Contains(q, "requested_by=$") {
			actorID = args[idx].(string)
			idx++
		}
		if strings.Contains(q, "policy_id=$") {
			policyID = args[idx].(string)
			idx++
		}
		if strings.Contains(q, "risk=$") {
			risk = args[idx].(models.RiskLevel)
		}
		items := make([]models.ExceptionWaiver, 0)
		for _, w := range m.waivers {
			if w.Tenant != tenant {
				continue
			}
			if status != "" && w.Status != status {
				continue
			}
			if actorID != "" && w.RequestedBy != actorID {
				continue
			}
			if policyID != "" && w.PolicyID != policyID {
				continue
			}
			if risk != "" && w.Risk != risk {
				continue
			}
			items = append(items, w)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].RequestedAt.After(items[j].RequestedAt) })
		rows := &fakeRows{}
		for _, w := range items {
			rows.rows = append(rows.rows, waiverRow(w))
		}
		return rows, nil
	}
	return nil, errors.New("memdb: unhandled query: " + q)
}

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := normalize(sql)
	switch {
	case strings.HasPrefix(q, "SELECT id FROM waivers"):
		actorID, policyID := args[0].(string), args[1].(string)
		for _, w := range m.waivers {
			if w.RequestedBy == actorID && w.PolicyID == policyID &&
				(w.Status == models.WaiverPending || w.Status == models.WaiverActive) {
				return fakeRow{values: []any{w.ID}}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}

	case strings.Contains(q, "FROM policies WHERE tenant=$1 AND id=$2"):
		tenant, id := args[0].(string), args[1].(string)
		p, ok := m.policies[id]
		if !ok || p.Tenant != tenant {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: policyRow(p)}

	case strings.Contains(q, "FROM waivers WHERE tenant=$1 AND id=$2"):
		tenant, id := args[0].(string), args[1].(string)
		w, ok := m.waivers[id]
		if !ok || w.Tenant != tenant {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: waiverRow(w)}
	}
	return fakeRow{err: errors.New("memdb: unhandled query row: " + q)}
}

func policyRow(p models.Policy) []any {
	return []any{p.ID, p.Tenant, p.Name, p.Description, p.ResourceType, p.Action,
		p.Effect, p.Sensitivity, int(p.MinimumTier), p.Active, p.Immutable, p.CreatedAt, p.UpdatedAt}
}

func waiverRow(w models.ExceptionWaiver) []any {
	return []any{w.ID, w.Tenant, w.PolicyID, w.RequestedBy, w.Department, w.Reason,
		w.Duration, ptrValue(w.ExpiresAt), w.Status, w.Risk, w.ApprovedBy, w.RequestedAt, ptrValue(w.DecidedAt)}
}

func ptrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	t, ok := v.(*time.Time)
	if ok {
		return t
	}
	return nil
}

func tierOf(v any) tier.Tier {
	switch n := v.(type) {
	case int:
		return tier.Tier(n)
	case int64:
		return tier.Tier(n)
	default:
		return 0
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT 1") }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil {
		return false
	}
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func (r *fakeRows) RawValues() [][]byte { return nil }

func (r *fakeRows) Conn() *pgx.Conn { return nil }

func assignScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *models.Effect:
		v, ok := value.(models.Effect)
		if !ok {
			return errors.New("value is not effect")
		}
		*d = v
	case *models.Sensitivity:
		v, ok := value.(models.Sensitivity)
		if !ok {
			return errors.New("value is not sensitivity")
		}
		*d = v
	case *models.Duration:
		v, ok := value.(models.Duration)
		if !ok {
			return errors.New("value is not duration")
		}
		*d = v
	case *models.WaiverStatus:
		v, ok := value.(models.WaiverStatus)
		if !ok {
			return errors.New("value is not status")
		}
		*d = v
	case *models.RiskLevel:
		v, ok := value.(models.RiskLevel)
		if !ok {
			return errors.New("value is not risk")
		}
		*d = v
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return errors.New("value is not bool")
		}
		*d = v
	case *int:
		switch v := value.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return errors.New("value is not int")
		}
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	case **time.Time:
		if value == nil {
			*d = nil
			return nil
		}
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not *time.Time")
		}
		tmp := v
		*d = &tmp
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

// recordingAuditor captures emitted events synchronously.
type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Emit(ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Name)
	}
	return out
}
