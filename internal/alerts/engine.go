package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"authmon/internal/config"
	"authmon/internal/model"
)

var errRuleTimeout = errors.New("timeout")

const (
	defaultMaxActive = 1000
	evictedNote      = "evicted: active alert limit reached"
)

type Options struct {
	RuleTimeout   time.Duration
	NotifyTimeout time.Duration
	HistoryLimit  int
	// MaxActive caps unresolved alerts. Past it the oldest active alert is
	// closed into history.
	MaxActive int
	Now       func() time.Time
	Logger    *slog.Logger
	// OnAlert is called for every new or escalated alert once engine state
	// has been released.
	OnAlert func(model.Alert)
}

func OptionsFromConfig(cfg config.AlertsConfig) Options {
	return Options{
		RuleTimeout:   cfg.RuleTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
		HistoryLimit:  cfg.HistoryLimit,
		MaxActive:     cfg.MaxActive,
	}
}

type Stats struct {
	Triggered    int64                    `json:"triggered"`
	Acknowledged int64                    `json:"acknowledged"`
	Resolved     int64                    `json:"resolved"`
	Escalated    int64                    `json:"escalated"`
	Evicted      int64                    `json:"evicted"`
	RuleTimeouts int64                    `json:"rule_timeouts"`
	RuleErrors   int64                    `json:"rule_errors"`
	Active       int                      `json:"active"`
	ByCategory   map[model.Category]int64 `json:"by_category"`
	BySeverity   map[model.Severity]int64 `json:"by_severity"`
	ByRule       map[string]int64         `json:"by_rule"`
}

func newStats() Stats {
	return Stats{
		ByCategory: make(map[model.Category]int64),
		BySeverity: make(map[model.Severity]int64),
		ByRule:     make(map[string]int64),
	}
}

// RuleInfo is the read-only view of a registered rule.
type RuleInfo struct {
	Name                string         `json:"name"`
	Category            model.Category `json:"category"`
	Severity            model.Severity `json:"severity"`
	Description         string         `json:"description,omitempty"`
	MinOccurrences      int            `json:"min_occurrences"`
	SuppressionDuration time.Duration  `json:"suppression_duration"`
	EscalationAfter     time.Duration  `json:"escalation_after,omitempty"`
	Enabled             bool           `json:"enabled"`
	SuppressedUntil     *time.Time     `json:"suppressed_until,omitempty"`
}

// Engine evaluates rules against snapshots and owns the alert lifecycle.
// Notification I/O always happens after the engine lock is released.
type Engine struct {
	opts       Options
	suppressor *Suppressor
	history    *History

	mu          sync.Mutex
	rules       map[string]*Rule
	order       []string
	occurrences map[string]int
	active      map[string]*model.Alert
	stats       Stats

	chMu     sync.Mutex
	channels []*Channel
	chStats  map[string]*ChannelStats
}

func NewEngine(opts Options, rules []*Rule, channels []*Channel) (*Engine, error) {
	if opts.RuleTimeout <= 0 {
		opts.RuleTimeout = time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = defaultMaxActive
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		opts:        opts,
		suppressor:  NewSuppressor(),
		history:     NewHistory(opts.HistoryLimit),
		rules:       make(map[string]*Rule),
		occurrences: make(map[string]int),
		active:      make(map[string]*model.Alert),
		stats:       newStats(),
		chStats:     make(map[string]*ChannelStats),
	}
	for _, r := range rules {
		if err := e.RegisterRule(*r); err != nil {
			return nil, err
		}
	}
	for _, ch := range channels {
		e.AddChannel(ch)
	}
	return e, nil
}

func (e *Engine) RegisterRule(r Rule) error {
	rule, err := NewRule(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[rule.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}
	e.rules[rule.Name] = rule
	e.order = append(e.order, rule.Name)
	return nil
}

func (e *Engine) SetRuleEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	r.Disabled = !enabled
	if !enabled {
		e.occurrences[name] = 0
	}
	return nil
}

// ReplaceRules swaps in rules by name, validating all of them before any is
// applied. Unknown names are registered. Rules not named keep their current
// definition, and active alerts and suppression windows are untouched.
func (e *Engine) ReplaceRules(rules []*Rule) error {
	next := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		rule, err := NewRule(*r)
		if err != nil {
			return err
		}
		next = append(next, rule)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range next {
		prev, ok := e.rules[rule.Name]
		if !ok {
			e.order = append(e.order, rule.Name)
		}
		if !ok || rule.Disabled || rule.MinOccurrences != prev.MinOccurrences {
			e.occurrences[rule.Name] = 0
		}
		e.rules[rule.Name] = rule
	}
	return nil
}

func (e *Engine) Rules() []RuleInfo {
	now := e.opts.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleInfo, 0, len(e.order))
	for _, name := range e.order {
		r := e.rules[name]
		info := RuleInfo{
			Name:                r.Name,
			Category:            r.Category,
			Severity:            r.Severity,
			Description:         r.Description,
			MinOccurrences:      r.MinOccurrences,
			SuppressionDuration: r.SuppressionDuration,
			EscalationAfter:     r.EscalationAfter,
			Enabled:             !r.Disabled,
		}
		if until, ok := e.suppressor.Until(name, now); ok {
			info.SuppressedUntil = &until
		}
		out = append(out, info)
	}
	return out
}

func (e *Engine) AddChannel(ch *Channel) {
	if ch == nil {
		return
	}
	e.chMu.Lock()
	defer e.chMu.Unlock()
	e.channels = append(e.channels, ch)
	if _, ok := e.chStats[ch.Name]; !ok {
		e.chStats[ch.Name] = &ChannelStats{}
	}
}

type evaluation struct {
	rule  *Rule
	fired bool
	err   error
}

// CheckAlerts evaluates every enabled, unsuppressed rule against snap and
// returns the alerts it raised.
func (e *Engine) CheckAlerts(ctx context.Context, snap model.Snapshot) []model.Alert {
	now := e.opts.Now()

	e.mu.Lock()
	candidates := make([]*Rule, 0, len(e.order))
	for _, name := range e.order {
		r := e.rules[name]
		if r.Disabled || e.suppressor.Suppressed(name, now) {
			continue
		}
		candidates = append(candidates, r)
	}
	e.mu.Unlock()
	if len(candidates) == 0 {
		return nil
	}

	results := make([]evaluation, len(candidates))
	var wg sync.WaitGroup
	for i, r := range candidates {
		wg.Add(1)
		go func(i int, r *Rule) {
			defer wg.Done()
			fired, err := e.evaluate(ctx, r, snap)
			results[i] = evaluation{rule: r, fired: fired, err: err}
		}(i, r)
	}
	wg.Wait()

	var raised, evicted []model.Alert
	var failed []evaluation
	e.mu.Lock()
	for _, res := range results {
		name := res.rule.Name
		if res.err != nil {
			if errors.Is(res.err, errRuleTimeout) {
				e.stats.RuleTimeouts++
			} else {
				e.stats.RuleErrors++
			}
			failed = append(failed, res)
			continue
		}
		if !res.fired {
			e.occurrences[name] = 0
			continue
		}
		e.occurrences[name]++
		if e.occurrences[name] < res.rule.MinOccurrences {
			continue
		}
		// A concurrent check may have fired the rule while predicates ran.
		if e.suppressor.Suppressed(name, now) {
			continue
		}
		e.occurrences[name] = 0
		alert := e.newAlert(res.rule, snap, now)
		e.active[alert.ID] = alert
		e.stats.Triggered++
		e.stats.ByCategory[alert.Category]++
		e.stats.BySeverity[alert.Severity]++
		e.stats.ByRule[name]++
		e.suppressor.Suppress(name, now, res.rule.SuppressionDuration)
		raised = append(raised, cloneAlert(alert))
	}
	evicted = e.evictLocked(now)
	e.mu.Unlock()

	for _, a := range evicted {
		e.history.Add(a)
		if e.opts.Logger != nil {
			e.opts.Logger.Warn("active alert evicted", "alert_id", a.ID, "rule", a.RuleName, "max_active", e.opts.MaxActive)
		}
	}

	if e.opts.Logger != nil {
		for _, res := range failed {
			e.opts.Logger.Warn("alert rule evaluation failed", "rule", res.rule.Name, "error", res.err)
		}
	}
	for _, a := range raised {
		if e.opts.Logger != nil {
			e.opts.Logger.Warn("alert triggered",
				"alert_id", a.ID,
				"rule", a.RuleName,
				"severity", a.Severity,
				"category", a.Category,
				"message", a.Message,
			)
		}
		if e.opts.OnAlert != nil {
			e.opts.OnAlert(a)
		}
		e.dispatch(ctx, Notification{Alert: a, Urgency: a.Severity, SentAt: e.opts.Now()})
	}
	return raised
}

// evictLocked closes the oldest active alerts until at most MaxActive
// remain. e.mu must be held.
func (e *Engine) evictLocked(now time.Time) []model.Alert {
	var out []model.Alert
	for len(e.active) > e.opts.MaxActive {
		var oldest *model.Alert
		for _, a := range e.active {
			if oldest == nil || a.TriggeredAt.Before(oldest.TriggeredAt) ||
				(a.TriggeredAt.Equal(oldest.TriggeredAt) && a.ID < oldest.ID) {
				oldest = a
			}
		}
		at := now
		oldest.Status = model.AlertResolved
		oldest.ResolvedAt = &at
		oldest.ResolvedBy = "system"
		oldest.ResolutionNote = evictedNote
		delete(e.active, oldest.ID)
		e.stats.Evicted++
		out = append(out, cloneAlert(oldest))
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, r *Rule, snap model.Snapshot) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RuleTimeout)
	defer cancel()

	type outcome struct {
		fired bool
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("rule %s panicked: %v", r.Name, p)}
			}
		}()
		done <- outcome{fired: r.Predicate(snap)}
	}()

	select {
	case out := <-done:
		return out.fired, out.err
	case <-ctx.Done():
		return false, errRuleTimeout
	}
}

func (e *Engine) newAlert(r *Rule, snap model.Snapshot, now time.Time) *model.Alert {
	return &model.Alert{
		ID:          uuid.NewString(),
		RuleName:    r.Name,
		Category:    r.Category,
		Severity:    r.Severity,
		Status:      model.AlertActive,
		Message:     r.message(snap),
		TriggeredAt: now,
		Metadata: map[string]string{
			"attempts":     strconv.FormatInt(snap.Total.Attempts, 10),
			"failure_rate": strconv.FormatFloat(snap.FailureRate, 'f', 2, 64),
			"p95_ms":       strconv.FormatFloat(snap.Latency.P95, 'f', 1, 64),
		},
	}
}

// dispatch sends n to every matching channel concurrently and waits for all
// attempts. Each attempt is made once.
func (e *Engine) dispatch(ctx context.Context, n Notification) {
	e.chMu.Lock()
	targets := make([]*Channel, 0, len(e.channels))
	for _, ch := range e.channels {
		if ch.matches(n.Alert) {
			targets = append(targets, ch)
		}
	}
	e.chMu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			err := e.send(ctx, ch, n)
			e.recordDelivery(ch.Name, err)
			if err != nil && e.opts.Logger != nil {
				e.opts.Logger.Error("alert notification failed",
					"channel", ch.Name,
					"alert_id", n.Alert.ID,
					"error", err,
				)
			}
		}(ch)
	}
	wg.Wait()
}

func (e *Engine) send(ctx context.Context, ch *Channel, n Notification) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.NotifyTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name, p)
		}
	}()
	return ch.Sender.Send(ctx, n)
}

func (e *Engine) recordDelivery(name string, err error) {
	e.chMu.Lock()
	defer e.chMu.Unlock()
	st, ok := e.chStats[name]
	if !ok {
		st = &ChannelStats{}
		e.chStats[name] = st
	}
	if err != nil {
		st.Failed++
		st.LastError = err.Error()
		return
	}
	st.Sent++
	st.LastSent = e.opts.Now()
}

// Acknowledge moves an active alert to acknowledged. It returns false when
// the alert is unknown or no longer active.
func (e *Engine) Acknowledge(id, actor string) bool {
	now := e.opts.Now()
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok || a.Status != model.AlertActive {
		e.mu.Unlock()
		return false
	}
	a.Status = model.AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	e.stats.Acknowledged++
	e.mu.Unlock()

	if e.opts.Logger != nil {
		e.opts.Logger.Info("alert acknowledged", "alert_id", id, "actor", actor)
	}
	return true
}

// Resolve closes an active or acknowledged alert and moves it to history.
func (e *Engine) Resolve(id, actor, note string) bool {
	now := e.opts.Now()
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	a.Status = model.AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	a.ResolutionNote = note
	delete(e.active, id)
	e.stats.Resolved++
	resolved := cloneAlert(a)
	e.mu.Unlock()

	e.history.Add(resolved)
	if e.opts.Logger != nil {
		e.opts.Logger.Info("alert resolved", "alert_id", id, "actor", actor, "rule", resolved.RuleName)
	}
	return true
}

// CheckEscalations flags alerts still active past their rule's
// escalation_after and re-notifies them once at raised urgency.
func (e *Engine) CheckEscalations(ctx context.Context) []model.Alert {
	now := e.opts.Now()
	var escalated []model.Alert
	e.mu.Lock()
	for _, a := range e.active {
		if a.Status != model.AlertActive || a.Escalated {
			continue
		}
		r, ok := e.rules[a.RuleName]
		if !ok || r.EscalationAfter <= 0 || now.Sub(a.TriggeredAt) < r.EscalationAfter {
			continue
		}
		at := now
		a.Escalated = true
		a.EscalatedAt = &at
		e.stats.Escalated++
		escalated = append(escalated, cloneAlert(a))
	}
	e.mu.Unlock()

	for _, a := range escalated {
		if e.opts.Logger != nil {
			e.opts.Logger.Warn("alert escalated", "alert_id", a.ID, "rule", a.RuleName, "severity", a.Severity)
		}
		if e.opts.OnAlert != nil {
			e.opts.OnAlert(a)
		}
		e.dispatch(ctx, Notification{Alert: a, Escalated: true, Urgency: a.Severity.Raise(), SentAt: now})
	}
	return escalated
}

// ActiveAlerts lists unresolved alerts, newest first. An empty severity
// matches all.
func (e *Engine) ActiveAlerts(severity model.Severity) []model.Alert {
	e.mu.Lock()
	out := make([]model.Alert, 0, len(e.active))
	for _, a := range e.active {
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out
}

func (e *Engine) Get(id string) (model.Alert, bool) {
	e.mu.Lock()
	a, ok := e.active[id]
	if ok {
		out := cloneAlert(a)
		e.mu.Unlock()
		return out, true
	}
	e.mu.Unlock()
	found := e.history.Filter(func(h model.Alert) bool { return h.ID == id })
	if len(found) == 0 {
		return model.Alert{}, false
	}
	return found[len(found)-1], true
}

func (e *Engine) History(limit int) []model.Alert {
	return e.history.List(limit)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := newStats()
	out.Triggered = e.stats.Triggered
	out.Acknowledged = e.stats.Acknowledged
	out.Resolved = e.stats.Resolved
	out.Escalated = e.stats.Escalated
	out.Evicted = e.stats.Evicted
	out.RuleTimeouts = e.stats.RuleTimeouts
	out.RuleErrors = e.stats.RuleErrors
	out.Active = len(e.active)
	for k, v := range e.stats.ByCategory {
		out.ByCategory[k] = v
	}
	for k, v := range e.stats.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

func (e *Engine) ChannelStats() map[string]ChannelStats {
	e.chMu.Lock()
	defer e.chMu.Unlock()
	out := make(map[string]ChannelStats, len(e.chStats))
	for name, st := range e.chStats {
		out[name] = *st
	}
	return out
}

// CountActive reports unresolved alerts at or above severity.
func (e *Engine) CountActive(min model.Severity) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, a := range e.active {
		if a.Severity.Rank() >= min.Rank() {
			n++
		}
	}
	return n
}

// Clear drops active alerts, history, suppression windows and counters.
// Rules and channels stay registered.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.active = make(map[string]*model.Alert)
	e.occurrences = make(map[string]int)
	e.stats = newStats()
	e.mu.Unlock()
	e.suppressor.Clear()
	e.history.Clear()
}

func cloneAlert(a *model.Alert) model.Alert {
	out := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	if a.EscalatedAt != nil {
		t := *a.EscalatedAt
		out.EscalatedAt = &t
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
