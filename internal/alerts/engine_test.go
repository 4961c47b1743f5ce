package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authmon/internal/config"
	"authmon/internal/model"
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func alwaysRule(name string, suppression, escalation time.Duration) Rule {
	return Rule{
		Name:                name,
		Category:            model.CategoryAuthentication,
		Severity:            model.SeverityHigh,
		Predicate:           func(model.Snapshot) bool { return true },
		SuppressionDuration: suppression,
		EscalationAfter:     escalation,
	}
}

func newEngineForTest(t *testing.T, clock *fakeClock, rules ...Rule) *Engine {
	t.Helper()
	e, err := NewEngine(Options{Now: clock.Now, RuleTimeout: 50 * time.Millisecond, NotifyTimeout: 200 * time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	for _, r := range rules {
		if err := e.RegisterRule(r); err != nil {
			t.Fatalf("register %s: %v", r.Name, err)
		}
	}
	return e
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []Notification
	fail  bool
	block time.Duration
}

func (r *recordingSender) Send(ctx context.Context, n Notification) error {
	if r.block > 0 {
		select {
		case <-time.After(r.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.fail {
		return errors.New("send failed")
	}
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestSuppressionProducesSingleAlert(t *testing.T) {
	clock := newClock()
	e := newEngineForTest(t, clock, alwaysRule("r", 5*time.Minute, 0))
	ctx := context.Background()

	first := e.CheckAlerts(ctx, model.Snapshot{})
	clock.Advance(time.Minute)
	second := e.CheckAlerts(ctx, model.Snapshot{})
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("expected one alert within window, got %d and %d", len(first), len(second))
	}
	if got := len(e.ActiveAlerts("")); got != 1 {
		t.Fatalf("active alerts: %d", got)
	}

	clock.Advance(5 * time.Minute)
	third := e.CheckAlerts(ctx, model.Snapshot{})
	if len(third) != 1 {
		t.Fatalf("expected second alert after window, got %d", len(third))
	}
	if third[0].ID == first[0].ID {
		t.Fatalf("alert ids must differ")
	}
	if st := e.Stats(); st.Triggered != 2 || st.ByRule["r"] != 2 || st.BySeverity[model.SeverityHigh] != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestInvalidEscalationRejected(t *testing.T) {
	clock := newClock()
	e := newEngineForTest(t, clock)
	err := e.RegisterRule(alwaysRule("bad", 10*time.Minute, 10*time.Minute))
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if len(e.Rules()) != 0 {
		t.Fatalf("rule must not be registered")
	}
	if _, err := NewRule(alwaysRule("worse", 10*time.Minute, time.Minute)); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if _, err := NewRule(Rule{Name: "nopred"}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error for nil predicate, got %v", err)
	}
}

func TestDuplicateRuleRejected(t *testing.T) {
	e := newEngineForTest(t, newClock(), alwaysRule("r", 0, 0))
	if err := e.RegisterRule(alwaysRule("r", 0, 0)); !errors.Is(err, ErrDuplicateRule) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := e.SetRuleEnabled("missing", false); !errors.Is(err, ErrUnknownRule) {
		t.Fatalf("expected unknown rule error, got %v", err)
	}
}

func TestMinOccurrencesAreConsecutive(t *testing.T) {
	clock := newClock()
	var on atomic.Bool
	r := alwaysRule("flappy", 0, 0)
	r.MinOccurrences = 2
	r.Predicate = func(model.Snapshot) bool { return on.Load() }
	e := newEngineForTest(t, clock, r)
	ctx := context.Background()

	on.Store(true)
	if got := e.CheckAlerts(ctx, model.Snapshot{}); len(got) != 0 {
		t.Fatalf("fired on first occurrence")
	}
	on.Store(false)
	e.CheckAlerts(ctx, model.Snapshot{})
	on.Store(true)
	if got := e.CheckAlerts(ctx, model.Snapshot{}); len(got) != 0 {
		t.Fatalf("streak should have been reset")
	}
	if got := e.CheckAlerts(ctx, model.Snapshot{}); len(got) != 1 {
		t.Fatalf("expected alert after two consecutive hits, got %d", len(got))
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := newEngineForTest(t, newClock(), alwaysRule("r", 0, 0))
	if err := e.SetRuleEnabled("r", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got := e.CheckAlerts(context.Background(), model.Snapshot{}); len(got) != 0 {
		t.Fatalf("disabled rule fired")
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	clock := newClock()
	e := newEngineForTest(t, clock, alwaysRule("r", time.Minute, 0))
	raised := e.CheckAlerts(context.Background(), model.Snapshot{})
	if len(raised) != 1 {
		t.Fatalf("expected alert")
	}
	id := raised[0].ID

	if !e.Acknowledge(id, "alice") {
		t.Fatalf("first acknowledge should succeed")
	}
	if e.Acknowledge(id, "bob") {
		t.Fatalf("second acknowledge must be a no-op")
	}
	got, ok := e.Get(id)
	if !ok || got.Status != model.AlertAcknowledged || got.AcknowledgedBy != "alice" {
		t.Fatalf("after ack: %+v", got)
	}

	if !e.Resolve(id, "alice", "fixed upstream") {
		t.Fatalf("resolve should succeed")
	}
	if e.Resolve(id, "alice", "") || e.Acknowledge(id, "alice") {
		t.Fatalf("resolved alert must not transition again")
	}
	if len(e.ActiveAlerts("")) != 0 {
		t.Fatalf("resolved alert still active")
	}
	hist := e.History(0)
	if len(hist) != 1 || hist[0].Status != model.AlertResolved || hist[0].ResolutionNote != "fixed upstream" {
		t.Fatalf("history: %+v", hist)
	}
	if got, ok := e.Get(id); !ok || got.Status != model.AlertResolved {
		t.Fatalf("get from history: %+v %v", got, ok)
	}
	if e.Acknowledge("nope", "x") || e.Resolve("nope", "x", "") {
		t.Fatalf("unknown ids must return false")
	}
}

func TestEscalationIsOneShot(t *testing.T) {
	clock := newClock()
	sender := &recordingSender{}
	e := newEngineForTest(t, clock, alwaysRule("r", time.Minute, 10*time.Minute))
	e.AddChannel(&Channel{Name: "rec", Type: "log", Enabled: true, Sender: sender})
	ctx := context.Background()

	e.CheckAlerts(ctx, model.Snapshot{})
	if got := e.CheckEscalations(ctx); len(got) != 0 {
		t.Fatalf("escalated too early")
	}
	clock.Advance(10 * time.Minute)
	got := e.CheckEscalations(ctx)
	if len(got) != 1 || !got[0].Escalated || got[0].EscalatedAt == nil {
		t.Fatalf("expected one escalation, got %+v", got)
	}
	if again := e.CheckEscalations(ctx); len(again) != 0 {
		t.Fatalf("escalation must not repeat")
	}
	if sender.count() != 2 {
		t.Fatalf("expected trigger and escalation notifications, got %d", sender.count())
	}
	last := sender.sent[1]
	if !last.Escalated || last.Urgency != model.SeverityCritical {
		t.Fatalf("escalation urgency: %+v", last)
	}
}

func TestAcknowledgedAlertDoesNotEscalate(t *testing.T) {
	clock := newClock()
	e := newEngineForTest(t, clock, alwaysRule("r", time.Minute, 2*time.Minute))
	raised := e.CheckAlerts(context.Background(), model.Snapshot{})
	e.Acknowledge(raised[0].ID, "ops")
	clock.Advance(time.Hour)
	if got := e.CheckEscalations(context.Background()); len(got) != 0 {
		t.Fatalf("acknowledged alert escalated")
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	clock := newClock()
	good := &recordingSender{}
	bad := &recordingSender{fail: true}
	slow := &recordingSender{block: time.Second}
	e := newEngineForTest(t, clock, alwaysRule("r", time.Minute, 0))
	e.AddChannel(&Channel{Name: "bad", Enabled: true, Sender: bad})
	e.AddChannel(&Channel{Name: "slow", Enabled: true, Sender: slow})
	e.AddChannel(&Channel{Name: "good", Enabled: true, Sender: good})
	e.AddChannel(&Channel{Name: "off", Enabled: false, Sender: good})

	start := time.Now()
	e.CheckAlerts(context.Background(), model.Snapshot{})
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("slow channel held up dispatch for %s", elapsed)
	}
	if good.count() != 1 {
		t.Fatalf("good channel sent %d", good.count())
	}
	stats := e.ChannelStats()
	if stats["good"].Sent != 1 || stats["bad"].Failed != 1 || stats["slow"].Failed != 1 {
		t.Fatalf("channel stats: %+v", stats)
	}
	if stats["off"].Sent != 0 {
		t.Fatalf("disabled channel was used")
	}
}

func TestChannelFilters(t *testing.T) {
	sender := &recordingSender{}
	e := newEngineForTest(t, newClock(), alwaysRule("r", time.Minute, 0))
	e.AddChannel(&Channel{Name: "crit", Enabled: true, MinSeverity: model.SeverityCritical, Sender: sender})
	e.AddChannel(&Channel{Name: "tokens", Enabled: true, Categories: []model.Category{model.CategoryToken}, Sender: sender})
	e.CheckAlerts(context.Background(), model.Snapshot{})
	if sender.count() != 0 {
		t.Fatalf("filters should exclude a high authentication alert")
	}
}

func TestHungPredicateTimesOut(t *testing.T) {
	clock := newClock()
	release := make(chan struct{})
	defer close(release)
	hung := alwaysRule("hung", 0, 0)
	hung.Predicate = func(model.Snapshot) bool {
		<-release
		return true
	}
	panicky := alwaysRule("panicky", 0, 0)
	panicky.Predicate = func(model.Snapshot) bool { panic("boom") }
	e := newEngineForTest(t, clock, hung, panicky, alwaysRule("ok", 0, 0))

	raised := e.CheckAlerts(context.Background(), model.Snapshot{})
	if len(raised) != 1 || raised[0].RuleName != "ok" {
		t.Fatalf("expected only the healthy rule to fire, got %+v", raised)
	}
	st := e.Stats()
	if st.RuleTimeouts != 1 || st.RuleErrors != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestWebhookSenderPostsAlert(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	chans := ChannelsFromConfig([]config.ChannelConfig{
		{Name: "hook", Type: "webhook", Enabled: true, URL: srv.URL},
		{Name: "mail", Type: "email", Enabled: true},
	}, nil, srv.Client(), nil)
	if len(chans) != 1 {
		t.Fatalf("email without sender should be skipped, got %d channels", len(chans))
	}
	e := newEngineForTest(t, newClock(), alwaysRule("r", time.Minute, 0))
	e.AddChannel(chans[0])
	raised := e.CheckAlerts(context.Background(), model.Snapshot{})
	if got.Alert.ID != raised[0].ID || got.Urgency != model.SeverityHigh {
		t.Fatalf("webhook payload: %+v", got)
	}
	if e.ChannelStats()["hook"].Sent != 1 {
		t.Fatalf("webhook not recorded as sent")
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	err := NewSlackSender(srv.URL, srv.Client()).Send(context.Background(), Notification{Alert: model.Alert{ID: "x"}})
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestDefaultRules(t *testing.T) {
	cfg := config.DefaultConfig().Alerts
	cfg.DisabledRules = []string{"slow_authentication"}
	cfg.Rules = []config.RuleOverride{{Name: "high_auth_failure_rate", MinOccurrences: 1}}
	rules, err := DefaultRules(cfg)
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	e, err := NewEngine(Options{Now: newClock().Now}, rules, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	snap := model.Snapshot{
		Total:       model.Counts{Attempts: 100, Successes: 70, Failures: 30},
		FailureRate: 30,
		Latency:     model.LatencyStats{Samples: 100, P95: 5000},
	}
	raised := e.CheckAlerts(context.Background(), snap)
	if len(raised) != 1 || raised[0].RuleName != "high_auth_failure_rate" {
		t.Fatalf("raised: %+v", raised)
	}

	snap.BreakerOpen = true
	raised = e.CheckAlerts(context.Background(), snap)
	if len(raised) != 1 || raised[0].RuleName != "circuit_breaker_open" || raised[0].Severity != model.SeverityCritical {
		t.Fatalf("raised: %+v", raised)
	}

	cfg.Rules = []config.RuleOverride{{Name: "circuit_breaker_open", SuppressionDuration: time.Hour}}
	if _, err := DefaultRules(cfg); !errors.Is(err, ErrInvariant) {
		t.Fatalf("override breaking escalation invariant should fail, got %v", err)
	}
}

func TestClear(t *testing.T) {
	e := newEngineForTest(t, newClock(), alwaysRule("r", time.Hour, 0))
	e.CheckAlerts(context.Background(), model.Snapshot{})
	e.Clear()
	if len(e.ActiveAlerts("")) != 0 || e.Stats().Triggered != 0 {
		t.Fatalf("clear left state behind")
	}
	if got := e.CheckAlerts(context.Background(), model.Snapshot{}); len(got) != 1 {
		t.Fatalf("suppression should be cleared")
	}
}

func TestActiveAlertsCapped(t *testing.T) {
	clock := newClock()
	e, err := NewEngine(Options{Now: clock.Now, RuleTimeout: 50 * time.Millisecond, MaxActive: 3}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.RegisterRule(alwaysRule("r", time.Minute, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	var ids []string
	for i := 0; i < 10; i++ {
		raised := e.CheckAlerts(ctx, model.Snapshot{})
		if len(raised) != 1 {
			t.Fatalf("check %d raised %d alerts", i, len(raised))
		}
		ids = append(ids, raised[0].ID)
		clock.Advance(2 * time.Minute)
	}

	active := e.ActiveAlerts("")
	if len(active) != 3 {
		t.Fatalf("active alerts: got %d want 3", len(active))
	}
	if active[0].ID != ids[9] || active[2].ID != ids[7] {
		t.Fatalf("newest alerts should stay active: %+v", active)
	}
	if st := e.Stats(); st.Evicted != 7 || st.Active != 3 || st.Resolved != 0 {
		t.Fatalf("stats: %+v", st)
	}
	hist := e.History(0)
	if len(hist) != 7 {
		t.Fatalf("history: got %d want 7", len(hist))
	}
	first, ok := e.Get(ids[0])
	if !ok || first.Status != model.AlertResolved || first.ResolvedBy != "system" || first.ResolutionNote != evictedNote {
		t.Fatalf("evicted alert: %+v", first)
	}
	if e.Resolve(ids[0], "ops", "late") {
		t.Fatalf("evicted alert should not resolve again")
	}
}

func TestReplaceRules(t *testing.T) {
	clock := newClock()
	e := newEngineForTest(t, clock, alwaysRule("a", time.Minute, 0), alwaysRule("b", time.Minute, 0))
	quiet := alwaysRule("a", time.Minute, 0)
	quiet.Predicate = func(model.Snapshot) bool { return false }
	broken := alwaysRule("b", time.Hour, time.Minute)
	if err := e.ReplaceRules([]*Rule{&quiet, &broken}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if got := e.CheckAlerts(context.Background(), model.Snapshot{}); len(got) != 2 {
		t.Fatalf("rejected replacement must not apply: %d alerts", len(got))
	}

	clock.Advance(2 * time.Minute)
	louder := alwaysRule("b", 3*time.Minute, 0)
	louder.Severity = model.SeverityCritical
	extra := alwaysRule("c", time.Minute, 0)
	if err := e.ReplaceRules([]*Rule{&quiet, &louder, &extra}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got := e.CheckAlerts(context.Background(), model.Snapshot{})
	if len(got) != 2 {
		t.Fatalf("expected b and c to fire, got %+v", got)
	}
	for _, a := range got {
		if a.RuleName == "a" {
			t.Fatalf("replaced rule a still fired")
		}
		if a.RuleName == "b" && a.Severity != model.SeverityCritical {
			t.Fatalf("replaced severity not used: %+v", a)
		}
	}
	if n := len(e.Rules()); n != 3 {
		t.Fatalf("rules: %d", n)
	}
}
