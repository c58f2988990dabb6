package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	reason         map[string]int64
	waiverStatus   map[string]int64
	waiverRisk     map[string]int64
	gauges         map[string]float64
	decisionReason map[string]int64
	sweepRuns      int64
	sweepExpired   int64
	evalLatency    EvalLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Decisions      map[string]int64        `json:"decisions"`
	Reasons        map[string]int64        `json:"reasons"`
	WaiverStatus   map[string]int64        `json:"waiver_status"`
	WaiverRisk     map[string]int64        `json:"waiver_risk"`
	Gauges         map[string]float64      `json:"gauges"`
	DecisionReason map[string]int64        `json:"decision_reason"`
	SweepRuns      int64                   `json:"sweep_runs_total"`
	SweepExpired   int64                   `json:"sweep_expired_total"`
	EvalLatencyMS  EvalLatencyStat         `json:"eval_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		reason:         map[string]int64{},
		waiverStatus:   map[string]int64{},
		waiverRisk:     map[string]int64{},
		gauges:         map[string]float64{},
		decisionReason: map[string]int64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(effect string) {
	if effect == "" {
		return
	}
	r.mu.Lock()
	r.decision[effect]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncDecisionReason counts evaluation outcomes by effect and reason code
// so dashboards can break down denies into NO_MATCH vs TIER_INSUFFICIENT.
func (r *Registry) IncDecisionReason(effect, reason string) {
	effect = strings.TrimSpace(effect)
	reason = strings.TrimSpace(reason)
	if effect == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := effect + "|" + reason
	r.mu.Lock()
	r.decisionReason[key]++
	r.mu.Unlock()
}

func (r *Registry) IncWaiverStatus(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.waiverStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncWaiverRisk(risk string) {
	risk = strings.TrimSpace(strings.ToLower(risk))
	if risk == "" {
		return
	}
	r.mu.Lock()
	r.waiverRisk[risk]++
	r.mu.Unlock()
}

func (r *Registry) ObserveSweep(expired int64) {
	if expired < 0 {
		expired = 0
	}
	r.mu.Lock()
	r.sweepRuns++
	r.sweepExpired += expired
	r.mu.Unlock()
}

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:      make(map[string]int64, len(r.decision)),
		Reasons:        make(map[string]int64, len(r.reason)),
		WaiverStatus:   make(map[string]int64, len(r.waiverStatus)),
		WaiverRisk:     make(map[string]int64, len(r.waiverRisk)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		DecisionReason: make(map[string]int64, len(r.decisionReason)),
		SweepRuns:      r.sweepRuns,
		SweepExpired:   r.sweepExpired,
		EvalLatencyMS:  r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.waiverStatus {
		out.WaiverStatus[k] = v
	}
	for k, v := range r.waiverRisk {
		out.WaiverRisk[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReason[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP rkbac_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE rkbac_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "rkbac_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP rkbac_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE rkbac_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "rkbac_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP rkbac_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE rkbac_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "rkbac_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP rkbac_decision_total evaluation decisions by effect\n")
		b.WriteString("# TYPE rkbac_decision_total counter\n")
		for _, effect := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "rkbac_decision_total{effect=%q} %d\n", effect, snap.Decisions[effect])
		}
		b.WriteString("# HELP rkbac_reason_total evaluation decisions by reason code\n")
		b.WriteString("# TYPE rkbac_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "rkbac_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP rkbac_decision_reason_total decisions by effect and reason code\n")
		b.WriteString("# TYPE rkbac_decision_reason_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReason) {
			parts := strings.SplitN(key, "|", 2)
			effect := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "rkbac_decision_reason_total{effect=%q,reason=%q} %d\n", effect, reason, snap.DecisionReason[key])
		}
		b.WriteString("# HELP rkbac_waiver_status_total waiver transitions by resulting status\n")
		b.WriteString("# TYPE rkbac_waiver_status_total counter\n")
		for _, status := range SortedKeys(snap.WaiverStatus) {
			fmt.Fprintf(b, "rkbac_waiver_status_total{status=%q} %d\n", status, snap.WaiverStatus[status])
		}
		b.WriteString("# HELP rkbac_waiver_risk_total waiver requests by risk level\n")
		b.WriteString("# TYPE rkbac_waiver_risk_total counter\n")
		for _, risk := range SortedKeys(snap.WaiverRisk) {
			fmt.Fprintf(b, "rkbac_waiver_risk_total{risk=%q} %d\n", risk, snap.WaiverRisk[risk])
		}
		b.WriteString("# HELP rkbac_gauge operational gauge metrics\n")
		b.WriteString("# TYPE rkbac_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "rkbac_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP rkbac_sweep_runs_total expiry sweep executions\n")
		b.WriteString("# TYPE rkbac_sweep_runs_total counter\n")
		fmt.Fprintf(b, "rkbac_sweep_runs_total %d\n", snap.SweepRuns)
		b.WriteString("# HELP rkbac_sweep_expired_total waivers expired by sweeps\n")
		b.WriteString("# TYPE rkbac_sweep_expired_total counter\n")
		fmt.Fprintf(b, "rkbac_sweep_expired_total %d\n", snap.SweepExpired)
		b.WriteString("# HELP rkbac_eval_latency_ms policy evaluation latency in ms\n")
		b.WriteString("# TYPE rkbac_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "rkbac_eval_latency_ms{stat=%q} %d\n", "last", snap.EvalLatencyMS.LastMS)
		fmt.Fprintf(b, "rkbac_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.EvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "rkbac_eval_latency_ms{stat=%q} %d\n", "max", snap.EvalLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
