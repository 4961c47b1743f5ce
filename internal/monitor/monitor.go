// Package monitor is the service facade over the metrics store, circuit
// breaker, scheduler, alert engine and health registry. One Monitor is
// built at startup and passed to the transports.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"authmon/internal/alerts"
	"authmon/internal/breaker"
	"authmon/internal/config"
	"authmon/internal/health"
	"authmon/internal/metrics"
	"authmon/internal/model"
	"authmon/internal/scheduler"
)

var (
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrUnknownSubject        = errors.New("unknown subject")
	ErrUnknownFormat         = errors.New("unknown export format")
)

const connectionMonitorTimeout = 2 * time.Second

// ConnectionMonitor reports live connection counts from the host's
// connection layer.
type ConnectionMonitor interface {
	ActiveConnections(ctx context.Context) (int64, error)
}

type Options struct {
	Logger      *slog.Logger
	Now         func() time.Time
	Audit       AuditSink
	Connections ConnectionMonitor
	// EmailSender backs channels of type email.
	EmailSender alerts.Sender
	HTTPClient  *http.Client
}

type Monitor struct {
	store     *metrics.Store
	breaker   *breaker.Breaker
	alerts    *alerts.Engine
	scheduler *scheduler.Scheduler
	health    *health.Registry
	registry  *prometheus.Registry
	audit     *auditor
	conns     ConnectionMonitor
	logger    *slog.Logger
	now       func() time.Time
	slowMS    float64
}

// New builds every component from cfg and registers the built-in health
// checks.
func New(cfg *config.Config, opts Options) (*Monitor, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{
		conns:  opts.Connections,
		logger: opts.Logger,
		now:    opts.Now,
		slowMS: cfg.Metrics.SlowEventMS,
		audit:  newAuditor(opts.Audit, opts.Logger, 0),
	}

	storeOpts := metrics.OptionsFromConfig(cfg.Metrics)
	storeOpts.Now = opts.Now
	m.store = metrics.NewStore(storeOpts)

	breakerOpts := breaker.OptionsFromConfig(cfg.Breaker)
	breakerOpts.Now = opts.Now
	breakerOpts.Logger = opts.Logger
	breakerOpts.OnTransition = m.onBreakerTransition
	m.breaker = breaker.New(m.store, breakerOpts)

	rules, err := alerts.DefaultRules(cfg.Alerts)
	if err != nil {
		return nil, fmt.Errorf("building alert rules: %w", err)
	}
	channels := alerts.ChannelsFromConfig(cfg.Alerts.Channels, opts.Logger, opts.HTTPClient, opts.EmailSender)
	alertOpts := alerts.OptionsFromConfig(cfg.Alerts)
	alertOpts.Now = opts.Now
	alertOpts.Logger = opts.Logger
	alertOpts.OnAlert = m.onAlert
	m.alerts, err = alerts.NewEngine(alertOpts, rules, channels)
	if err != nil {
		return nil, fmt.Errorf("building alert engine: %w", err)
	}

	schedOpts := scheduler.OptionsFromConfig(cfg.Scheduler)
	schedOpts.Now = opts.Now
	schedOpts.Logger = opts.Logger
	if sink, ok := opts.Audit.(scheduler.AggregateSink); ok {
		schedOpts.Sink = sink
	}
	m.scheduler = scheduler.New(m.store, m.breaker, m.alerts, schedOpts)

	m.health = health.NewRegistry(health.Options{
		DefaultTimeout: cfg.Health.DefaultTimeout,
		HistoryLimit:   cfg.Health.HistoryLimit,
		Now:            opts.Now,
		Logger:         opts.Logger,
	})
	for _, c := range []health.Check{
		health.MetricsCheck(m.store),
		health.BreakerCheck(m.breaker),
		health.SchedulerCheck(m.scheduler),
		health.AlertEngineCheck(m.alerts),
	} {
		if err := m.health.Register(c); err != nil {
			return nil, err
		}
	}
	if p, ok := opts.Audit.(health.Pinger); ok {
		if err := m.health.Register(health.PingCheck("audit_store", "storage", false, p)); err != nil {
			return nil, err
		}
	}

	m.registry = prometheus.NewRegistry()
	if err := m.registry.Register(metrics.NewCollector(m.store)); err != nil {
		return nil, fmt.Errorf("registering collector: %w", err)
	}
	return m, nil
}

func (m *Monitor) Start(ctx context.Context) error {
	return m.scheduler.Start(ctx)
}

// Stop halts the background loops and flushes pending audit records.
func (m *Monitor) Stop() {
	m.scheduler.Stop()
	m.audit.close()
}

// RecordEvent is the hot path. Invalid events are rejected with an error
// wrapping model.ErrInvalidEvent and never reach the counters.
func (m *Monitor) RecordEvent(ev model.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if err := m.store.Record(ev); err != nil {
		if m.logger != nil {
			m.logger.Warn("event rejected", "type", ev.Type, "subject", ev.SubjectID, "source", ev.Source, "error", err)
		}
		m.audit.emit(model.AuditRecord{
			Timestamp: ev.Timestamp,
			Kind:      model.AuditKindSecurity,
			Action:    "event_rejected",
			Subject:   ev.SubjectID,
			Details:   map[string]string{"type": string(ev.Type), "error": err.Error(), "source": ev.Source},
		})
		return err
	}
	if !ev.Success && (ev.Type == model.EventLogin || ev.Type == model.EventTokenValidation) {
		details := map[string]string{"type": string(ev.Type)}
		if ev.ErrorCode != "" {
			details["error_code"] = ev.ErrorCode
		}
		m.audit.emit(model.AuditRecord{
			Timestamp: ev.Timestamp,
			Kind:      model.AuditKindSecurity,
			Action:    "authentication_failed",
			Subject:   ev.SubjectID,
			Details:   details,
		})
	}
	if m.slowMS > 0 && ev.LatencyMS > m.slowMS {
		m.audit.emit(model.AuditRecord{
			Timestamp: ev.Timestamp,
			Kind:      model.AuditKindPerformance,
			Action:    "slow_event",
			Subject:   ev.SubjectID,
			Details: map[string]string{
				"type":       string(ev.Type),
				"latency_ms": strconv.FormatFloat(ev.LatencyMS, 'f', 1, 64),
			},
		})
	}
	return nil
}

// Run records events from in until ctx is done or in is closed. Events are
// applied in arrival order.
func (m *Monitor) Run(ctx context.Context, in <-chan model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			_ = m.RecordEvent(ev)
		}
	}
}

type MetricsDoc struct {
	Timestamp time.Time             `json:"timestamp"`
	Global    *model.Snapshot       `json:"global,omitempty"`
	Subject   *model.SubjectMetrics `json:"subject,omitempty"`
	Subjects  int                   `json:"subjects_tracked"`
	Breaker   model.BreakerState    `json:"breaker"`
}

// Metrics returns global metrics, or one subject's when subjectID is set.
func (m *Monitor) Metrics(subjectID string) (MetricsDoc, error) {
	doc := MetricsDoc{
		Timestamp: m.now(),
		Subjects:  m.store.SubjectCount(),
		Breaker:   m.breaker.State(),
	}
	if subjectID != "" {
		sm, ok := m.store.SubjectMetrics(subjectID)
		if !ok {
			return doc, fmt.Errorf("%w: %s", ErrUnknownSubject, subjectID)
		}
		doc.Subject = &sm
		return doc, nil
	}
	snap := m.store.Snapshot()
	snap.BreakerOpen = doc.Breaker.Status == model.BreakerOpen
	doc.Global = &snap
	return doc, nil
}

type HealthDoc struct {
	Status            model.HealthStatus `json:"status"`
	Tier              model.HealthTier   `json:"tier"`
	Timestamp         time.Time          `json:"timestamp"`
	Breaker           model.BreakerState `json:"breaker"`
	Attempts          int64              `json:"attempts"`
	SuccessRate       float64            `json:"success_rate"`
	ActiveSessions    int64              `json:"active_sessions"`
	ActiveConnections int64              `json:"active_connections"`
	ActiveAlerts      int                `json:"active_alerts"`
	Scheduler         scheduler.State    `json:"scheduler"`
	Warnings          []string           `json:"warnings,omitempty"`
	Error             string             `json:"error,omitempty"`
}

func tierStatus(t model.HealthTier) model.HealthStatus {
	switch t {
	case model.TierCritical:
		return model.StatusUnhealthy
	case model.TierDegraded:
		return model.StatusDegraded
	case model.TierUnknown:
		return model.StatusUnknown
	default:
		return model.StatusHealthy
	}
}

// HealthStatus summarises the breaker tier and live gauges. It never
// panics; internal failures produce an unhealthy document with the error.
func (m *Monitor) HealthStatus(ctx context.Context) (doc HealthDoc) {
	doc.Timestamp = m.now()
	defer func() {
		if p := recover(); p != nil {
			doc.Status = model.StatusUnhealthy
			doc.Error = fmt.Sprintf("health status failed: %v", p)
			if m.logger != nil {
				m.logger.Error("health status failed", "panic", p)
			}
		}
	}()

	doc.Tier = m.breaker.Tier()
	doc.Breaker = m.breaker.State()
	doc.Status = tierStatus(doc.Tier)
	snap := m.store.Snapshot()
	doc.Attempts = snap.Total.Attempts
	doc.SuccessRate = snap.SuccessRate
	doc.ActiveSessions = snap.ActiveSessions
	doc.ActiveConnections = snap.ActiveConnections
	doc.ActiveAlerts = m.alerts.CountActive(model.SeverityLow)
	doc.Scheduler = m.scheduler.Status().State

	if n, err := m.liveConnections(ctx); err != nil {
		doc.Warnings = append(doc.Warnings, err.Error())
		if m.logger != nil {
			m.logger.Warn("connection monitor unavailable, using recorded gauge", "error", err)
		}
	} else {
		doc.ActiveConnections = n
	}
	return doc
}

func (m *Monitor) liveConnections(ctx context.Context) (n int64, err error) {
	if m.conns == nil {
		return 0, fmt.Errorf("%w: connection monitor not configured", ErrDependencyUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, connectionMonitorTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: connection monitor panicked: %v", ErrDependencyUnavailable, p)
		}
	}()
	n, err = m.conns.ActiveConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return n, nil
}

func (m *Monitor) CheckHealth(ctx context.Context, names ...string) model.OverallHealth {
	return m.health.CheckHealth(ctx, names...)
}

func (m *Monitor) HealthHistory(limit int) []model.OverallHealth {
	return m.health.History(limit)
}

// RegisterCheck adds a host-provided health check such as a dependency ping.
func (m *Monitor) RegisterCheck(c health.Check) error {
	return m.health.Register(c)
}

func (m *Monitor) ActiveAlerts(severity model.Severity) []model.Alert {
	return m.alerts.ActiveAlerts(severity)
}

func (m *Monitor) Alert(id string) (model.Alert, bool) {
	return m.alerts.Get(id)
}

func (m *Monitor) AlertHistory(limit int) []model.Alert {
	return m.alerts.History(limit)
}

func (m *Monitor) AlertRules() []alerts.RuleInfo {
	return m.alerts.Rules()
}

func (m *Monitor) AcknowledgeAlert(id, actor string) bool {
	ok := m.alerts.Acknowledge(id, actor)
	if ok {
		m.audit.emit(model.AuditRecord{
			Timestamp: m.now(),
			Kind:      model.AuditKindAudit,
			Action:    "alert_acknowledged",
			Actor:     actor,
			Subject:   id,
		})
		m.archiveAlert(id)
	}
	return ok
}

func (m *Monitor) ResolveAlert(id, actor, note string) bool {
	ok := m.alerts.Resolve(id, actor, note)
	if ok {
		rec := model.AuditRecord{
			Timestamp: m.now(),
			Kind:      model.AuditKindAudit,
			Action:    "alert_resolved",
			Actor:     actor,
			Subject:   id,
		}
		if note != "" {
			rec.Details = map[string]string{"note": note}
		}
		m.audit.emit(rec)
		m.archiveAlert(id)
	}
	return ok
}

func (m *Monitor) archiveAlert(id string) {
	if a, ok := m.alerts.Get(id); ok {
		m.audit.saveAlert(a)
	}
}

// ApplyAlertConfig rebuilds the built-in rules from a reloaded config so
// thresholds, overrides and the disabled list take effect. An invalid
// config is logged and the current rules are kept.
func (m *Monitor) ApplyAlertConfig(cfg config.AlertsConfig) error {
	rules, err := alerts.DefaultRules(cfg)
	if err == nil {
		err = m.alerts.ReplaceRules(rules)
	}
	if err != nil {
		if m.logger != nil {
			m.logger.Error("alert config rejected", "error", err)
		}
		return err
	}
	if m.logger != nil {
		m.logger.Info("alert rules reloaded", "rules", len(rules), "overrides", len(cfg.Rules), "disabled", len(cfg.DisabledRules))
	}
	return nil
}

func (m *Monitor) Status() scheduler.Status {
	return m.scheduler.Status()
}

func (m *Monitor) Pause(actor string) {
	m.scheduler.Pause()
	m.audit.emit(model.AuditRecord{Timestamp: m.now(), Kind: model.AuditKindAudit, Action: "scheduler_paused", Actor: actor})
}

func (m *Monitor) Resume(actor string) {
	m.scheduler.Resume()
	m.audit.emit(model.AuditRecord{Timestamp: m.now(), Kind: model.AuditKindAudit, Action: "scheduler_resumed", Actor: actor})
}

// Clear resets counters, breaker, alerts and history rings.
func (m *Monitor) Clear(actor string) {
	m.store.Clear()
	m.breaker.Reset()
	m.alerts.Clear()
	m.scheduler.Clear()
	if m.logger != nil {
		m.logger.Warn("monitor state cleared", "actor", actor)
	}
	m.audit.emit(model.AuditRecord{Timestamp: m.now(), Kind: model.AuditKindAudit, Action: "state_cleared", Actor: actor})
}

// Registry exposes the prometheus registry holding the store collector.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Scheduler gives tests and admin tooling direct access to the loops.
func (m *Monitor) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

func (m *Monitor) onBreakerTransition(from, to model.BreakerStatus, state model.BreakerState) {
	kind := model.AuditKindAudit
	if to == model.BreakerOpen {
		kind = model.AuditKindSecurity
	}
	m.audit.emit(model.AuditRecord{
		Timestamp: m.now(),
		Kind:      kind,
		Action:    "circuit_breaker_" + string(to),
		Details: map[string]string{
			"from":       string(from),
			"trip_count": strconv.Itoa(state.TripCount),
		},
	})
}

func (m *Monitor) onAlert(a model.Alert) {
	m.audit.saveAlert(a)
	action := "alert_triggered"
	if a.Escalated {
		action = "alert_escalated"
	}
	m.audit.emit(model.AuditRecord{
		Timestamp: m.now(),
		Kind:      model.AuditKindSecurity,
		Action:    action,
		Subject:   a.ID,
		Details: map[string]string{
			"rule":     a.RuleName,
			"severity": string(a.Severity),
			"message":  a.Message,
		},
	})
}
