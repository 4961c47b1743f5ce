package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"authmon/internal/alerts"
	"authmon/internal/config"
	"authmon/internal/model"
	"authmon/internal/scheduler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryAudit struct {
	mu      sync.Mutex
	records []model.AuditRecord
	pingErr error
}

func (m *memoryAudit) SaveAudit(_ context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryAudit) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Action)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

type fakeConnections struct {
	n   int64
	err error
}

func (f fakeConnections) ActiveConnections(context.Context) (int64, error) { return f.n, f.err }

func newMonitorForTest(t *testing.T, opts Options) (*Monitor, *fakeClock, *memoryAudit) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	audit := &memoryAudit{}
	opts.Now = clock.Now
	if opts.Audit == nil {
		opts.Audit = audit
	}
	m, err := New(config.DefaultConfig(), opts)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m, clock, audit
}

func login(subject string, success bool, latency float64) model.Event {
	return model.Event{Type: model.EventLogin, SubjectID: subject, Success: success, LatencyMS: latency}
}

func TestRecordEventRejectsInvalidInput(t *testing.T) {
	m, _, audit := newMonitorForTest(t, Options{})
	err := m.RecordEvent(login("u1", true, -5))
	if !errors.Is(err, model.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	err = m.RecordEvent(model.Event{Type: "password_reset", Success: true})
	if !errors.Is(err, model.ErrInvalidEvent) {
		t.Fatalf("expected invalid event for unknown type, got %v", err)
	}
	doc, _ := m.Metrics("")
	if doc.Global.Total.Attempts != 0 {
		t.Fatalf("rejected events reached counters: %+v", doc.Global.Total)
	}
	m.Stop()
	if got := audit.actions(); len(got) != 2 || got[0] != "event_rejected" {
		t.Fatalf("audit: %v", got)
	}
}

func TestBreakerDrivesHealthStatus(t *testing.T) {
	m, clock, audit := newMonitorForTest(t, Options{Connections: fakeConnections{n: 7}})
	ctx := context.Background()

	if doc := m.HealthStatus(ctx); doc.Tier != model.TierUnknown || doc.SuccessRate != 100 {
		t.Fatalf("idle health: %+v", doc)
	}
	for i := 0; i < 4; i++ {
		_ = m.RecordEvent(login("u1", true, 10))
	}
	for i := 0; i < 6; i++ {
		_ = m.RecordEvent(login("u2", false, 10))
	}
	doc := m.HealthStatus(ctx)
	if doc.Breaker.Status != model.BreakerOpen || doc.Tier != model.TierCritical || doc.Status != model.StatusUnhealthy {
		t.Fatalf("expected open breaker and critical tier: %+v", doc)
	}
	if doc.ActiveConnections != 7 || len(doc.Warnings) != 0 {
		t.Fatalf("connection monitor not used: %+v", doc)
	}

	clock.Advance(61 * time.Second)
	doc = m.HealthStatus(ctx)
	if doc.Breaker.Status != model.BreakerClosed {
		t.Fatalf("breaker should close after cooldown: %+v", doc.Breaker)
	}
	if doc.Tier != model.TierCritical {
		t.Fatalf("tier should follow the 60%% failure rate, got %s", doc.Tier)
	}

	m.Stop()
	actions := audit.actions()
	for _, want := range []string{"authentication_failed", "circuit_breaker_open", "circuit_breaker_closed"} {
		if !contains(actions, want) {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}

func TestHealthStatusFallsBackWhenConnectionMonitorFails(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{Connections: fakeConnections{err: errors.New("socket closed")}})
	defer m.Stop()
	_ = m.RecordEvent(model.Event{Type: model.EventConnectionUpgrade, Success: true, LatencyMS: 1})
	doc := m.HealthStatus(context.Background())
	if doc.ActiveConnections != 1 {
		t.Fatalf("expected recorded gauge fallback, got %d", doc.ActiveConnections)
	}
	if len(doc.Warnings) != 1 || !strings.Contains(doc.Warnings[0], ErrDependencyUnavailable.Error()) {
		t.Fatalf("warnings: %v", doc.Warnings)
	}

	m2, _, _ := newMonitorForTest(t, Options{})
	defer m2.Stop()
	if doc := m2.HealthStatus(context.Background()); len(doc.Warnings) != 1 || doc.Error != "" {
		t.Fatalf("missing monitor should warn, not fail: %+v", doc)
	}
}

func TestMetricsBySubject(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{})
	defer m.Stop()
	_ = m.RecordEvent(login("alice", true, 12))
	_ = m.RecordEvent(login("alice", false, 30))

	doc, err := m.Metrics("alice")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if doc.Subject.Total.Attempts != 2 || doc.Subject.SuccessRate != 50 {
		t.Fatalf("subject metrics: %+v", doc.Subject)
	}
	if _, err := m.Metrics("bob"); !errors.Is(err, ErrUnknownSubject) {
		t.Fatalf("expected unknown subject, got %v", err)
	}
	if doc, _ := m.Metrics(""); doc.Subjects != 1 || doc.Global == nil {
		t.Fatalf("global doc: %+v", doc)
	}
}

func TestAlertLifecycleThroughScheduler(t *testing.T) {
	m, _, audit := newMonitorForTest(t, Options{})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_ = m.RecordEvent(login("u", false, 5))
	}
	sched := m.Scheduler()
	if err := sched.RunTask(ctx, scheduler.TaskCollect); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := sched.RunTask(ctx, scheduler.TaskAlertCheck); err != nil {
		t.Fatalf("alert check: %v", err)
	}

	critical := m.ActiveAlerts(model.SeverityCritical)
	if len(critical) < 2 {
		t.Fatalf("expected failure-rate and breaker alerts, got %+v", critical)
	}
	id := critical[0].ID
	if !m.AcknowledgeAlert(id, "oncall") || m.AcknowledgeAlert(id, "oncall") {
		t.Fatalf("acknowledge should succeed once")
	}
	if !m.ResolveAlert(id, "oncall", "rolled back") {
		t.Fatalf("resolve failed")
	}
	if hist := m.AlertHistory(0); len(hist) != 1 || hist[0].ID != id {
		t.Fatalf("history: %+v", hist)
	}

	m.Stop()
	actions := audit.actions()
	for _, want := range []string{"alert_triggered", "alert_acknowledged", "alert_resolved"} {
		if !contains(actions, want) {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}

func TestCheckHealthIncludesBuiltins(t *testing.T) {
	m, _, audit := newMonitorForTest(t, Options{})
	audit.mu.Lock()
	audit.pingErr = errors.New("database is locked")
	audit.mu.Unlock()
	ctx := context.Background()

	report := m.CheckHealth(ctx)
	names := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	for _, want := range []string{"metrics_store", "circuit_breaker", "scheduler", "alert_engine", "audit_store"} {
		if !contains(names, want) {
			t.Fatalf("missing check %s in %v", want, names)
		}
	}
	if report.Status != model.StatusUnhealthy || !contains(report.CriticalFailures, "scheduler") {
		t.Fatalf("stopped scheduler should be a critical failure: %+v", report)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	audit.mu.Lock()
	audit.pingErr = nil
	audit.mu.Unlock()
	report = m.CheckHealth(ctx, "scheduler", "audit_store")
	if report.Status != model.StatusHealthy {
		t.Fatalf("running scheduler should be healthy: %+v", report)
	}
	if len(m.HealthHistory(0)) != 2 {
		t.Fatalf("health history not recorded")
	}
}

func TestExportMetrics(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{})
	defer m.Stop()
	ctx := context.Background()
	_ = m.RecordEvent(login("u", true, 8))
	_ = m.Scheduler().RunTask(ctx, scheduler.TaskCollect)

	out, err := m.ExportMetrics(ctx, "json")
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	var dash Dashboard
	if err := json.Unmarshal(out.Body, &dash); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if len(dash.Snapshots) != 1 || dash.Snapshots[0].Total.Attempts != 1 {
		t.Fatalf("dashboard snapshots: %+v", dash.Snapshots)
	}

	out, err = m.ExportMetrics(ctx, "prometheus")
	if err != nil {
		t.Fatalf("prometheus export: %v", err)
	}
	body := string(out.Body)
	if !strings.Contains(body, "authmon_auth_attempts_total") || !strings.Contains(body, "authmon_auth_success_rate_percent 100") {
		t.Fatalf("unexpected exposition:\n%s", body)
	}

	if _, err := m.ExportMetrics(ctx, "xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected unknown format, got %v", err)
	}
}

func TestRunConsumesInOrder(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{})
	defer m.Stop()
	in := make(chan model.Event, 4)
	in <- model.Event{Type: model.EventSessionCreate, SubjectID: "s", Success: true}
	in <- model.Event{Type: model.EventSessionCreate, SubjectID: "s", Success: true}
	in <- model.Event{Type: model.EventSessionTimeout, SubjectID: "s", Success: true}
	in <- login("s", true, -1)
	close(in)
	if err := m.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	doc, _ := m.Metrics("")
	if doc.Global.Total.Attempts != 3 || doc.Global.ActiveSessions != 1 || doc.Global.SessionTimeouts != 1 {
		t.Fatalf("after run: %+v", doc.Global)
	}
}

func TestAdminClearAndPause(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{})
	defer m.Stop()
	for i := 0; i < 10; i++ {
		_ = m.RecordEvent(login("u", false, 1))
	}
	m.HealthStatus(context.Background())
	m.Clear("admin")
	doc := m.HealthStatus(context.Background())
	if doc.Attempts != 0 || doc.Breaker.Status != model.BreakerClosed || doc.Breaker.TripCount != 0 {
		t.Fatalf("clear left state: %+v", doc)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Pause("admin")
	if st := m.Status(); st.State != scheduler.StatePaused {
		t.Fatalf("state: %s", st.State)
	}
	m.Resume("admin")
	if st := m.Status(); st.State != scheduler.StateRunning {
		t.Fatalf("state: %s", st.State)
	}
}

func TestApplyAlertConfig(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{})
	defer m.Stop()
	cfg := config.DefaultConfig().Alerts
	cfg.DisabledRules = []string{"circuit_breaker_open"}
	if err := m.ApplyAlertConfig(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, r := range m.AlertRules() {
		if r.Name == "circuit_breaker_open" && r.Enabled {
			t.Fatalf("rule should be disabled")
		}
		if r.Name != "circuit_breaker_open" && !r.Enabled {
			t.Fatalf("rule %s should stay enabled", r.Name)
		}
	}
}

func TestApplyAlertConfigOverrides(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{})
	defer m.Stop()
	cfg := config.DefaultConfig().Alerts
	cfg.Rules = []config.RuleOverride{{
		Name:                "circuit_breaker_open",
		Severity:            "HIGH",
		MinOccurrences:      2,
		SuppressionDuration: 2 * time.Minute,
		EscalationAfter:     20 * time.Minute,
	}}
	if err := m.ApplyAlertConfig(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rule := func(name string) alerts.RuleInfo {
		for _, r := range m.AlertRules() {
			if r.Name == name {
				return r
			}
		}
		t.Fatalf("rule %s not found", name)
		return alerts.RuleInfo{}
	}
	got := rule("circuit_breaker_open")
	if got.Severity != model.SeverityHigh || got.MinOccurrences != 2 ||
		got.SuppressionDuration != 2*time.Minute || got.EscalationAfter != 20*time.Minute {
		t.Fatalf("override not applied: %+v", got)
	}
	if len(m.AlertRules()) != 7 {
		t.Fatalf("reload changed rule count: %d", len(m.AlertRules()))
	}

	bad := config.DefaultConfig().Alerts
	bad.Rules = []config.RuleOverride{{Name: "circuit_breaker_open", SuppressionDuration: time.Hour}}
	if err := m.ApplyAlertConfig(bad); !errors.Is(err, alerts.ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if got := rule("circuit_breaker_open"); got.Severity != model.SeverityHigh || got.SuppressionDuration != 2*time.Minute {
		t.Fatalf("rejected config should keep current rules: %+v", got)
	}
}

type panickingConnections struct{}

func (panickingConnections) ActiveConnections(context.Context) (int64, error) {
	panic("connection table corrupted")
}

func TestHealthStatusRecoversPanics(t *testing.T) {
	m, _, _ := newMonitorForTest(t, Options{Connections: panickingConnections{}})
	defer m.Stop()
	ctx := context.Background()

	doc := m.HealthStatus(ctx)
	if doc.Error != "" || len(doc.Warnings) != 1 || !strings.Contains(doc.Warnings[0], "connection table corrupted") {
		t.Fatalf("connection monitor panic should degrade to a warning: %+v", doc)
	}
	if _, err := m.liveConnections(ctx); !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("connection monitor panic should report an unavailable dependency")
	}

	m.breaker = nil
	doc = m.HealthStatus(ctx)
	if doc.Status != model.StatusUnhealthy || !strings.HasPrefix(doc.Error, "health status failed:") {
		t.Fatalf("internal panic should produce an unhealthy document: %+v", doc)
	}
	if doc.Timestamp.IsZero() {
		t.Fatalf("timestamp should be set before the failure")
	}
}
