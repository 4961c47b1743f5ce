// Package scheduler runs the periodic collect, aggregate, self-health and
// alert-check loops over the shared metrics state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"authmon/internal/config"
	"authmon/internal/model"
	"authmon/internal/ring"
)

const (
	TaskCollect    = "collect"
	TaskAggregate  = "aggregate"
	TaskSelfHealth = "self_health"
	TaskAlertCheck = "alert_check"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrUnknownTask    = errors.New("unknown scheduler task")
)

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

type SnapshotSource interface {
	Snapshot() model.Snapshot
}

type BreakerEvaluator interface {
	Evaluate() model.BreakerState
}

type AlertChecker interface {
	CheckAlerts(ctx context.Context, snap model.Snapshot) []model.Alert
	CheckEscalations(ctx context.Context) []model.Alert
}

// AggregateSink persists finished aggregation windows.
type AggregateSink interface {
	SaveAggregate(ctx context.Context, w model.AggregatedWindow) error
}

type Options struct {
	CollectInterval    time.Duration
	AggregateInterval  time.Duration
	SelfHealthInterval time.Duration
	AlertInterval      time.Duration
	Retention          time.Duration
	MaxErrorRate       float64
	Now                func() time.Time
	Logger             *slog.Logger
	Sink               AggregateSink
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		CollectInterval:    cfg.CollectInterval,
		AggregateInterval:  cfg.AggregateInterval,
		SelfHealthInterval: cfg.SelfHealthInterval,
		AlertInterval:      cfg.AlertInterval,
		Retention:          cfg.Retention,
		MaxErrorRate:       cfg.MaxErrorRate,
	}
}

type TaskStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int64         `json:"runs"`
	Errors       int64         `json:"errors"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

func (t TaskStatus) ErrorRate() float64 {
	if t.Runs == 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Runs)
}

type SelfHealth struct {
	Healthy     bool      `json:"healthy"`
	Stale       bool      `json:"stale"`
	LastCollect time.Time `json:"last_collect,omitempty"`
	Issues      []string  `json:"issues,omitempty"`
	CheckedAt   time.Time `json:"checked_at,omitempty"`
}

type Status struct {
	State      State        `json:"state"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	Tasks      []TaskStatus `json:"tasks"`
	SelfHealth SelfHealth   `json:"self_health"`
	Snapshots  int          `json:"snapshots"`
	Aggregates int          `json:"aggregates"`
}

type task struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

type Scheduler struct {
	opts    Options
	metrics SnapshotSource
	breaker BreakerEvaluator
	alerts  AlertChecker

	snapshots  *ring.Buffer[model.Snapshot]
	aggregates *ring.Buffer[model.AggregatedWindow]
	tasks      []task
	paused     atomic.Bool

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	stats       map[string]*TaskStatus
	lastCollect time.Time
	selfHealth  SelfHealth
}

// New wires the loops. breaker and alerts may be nil.
func New(metrics SnapshotSource, breaker BreakerEvaluator, alerts AlertChecker, opts Options) *Scheduler {
	if opts.CollectInterval <= 0 {
		opts.CollectInterval = 30 * time.Second
	}
	if opts.AggregateInterval <= 0 {
		opts.AggregateInterval = 5 * time.Minute
	}
	if opts.SelfHealthInterval <= 0 {
		opts.SelfHealthInterval = 60 * time.Second
	}
	if opts.AlertInterval <= 0 {
		opts.AlertInterval = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxErrorRate <= 0 {
		opts.MaxErrorRate = 0.1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		opts:       opts,
		metrics:    metrics,
		breaker:    breaker,
		alerts:     alerts,
		snapshots:  ring.New[model.Snapshot](config.RingCapacity(opts.Retention, opts.CollectInterval)),
		aggregates: ring.New[model.AggregatedWindow](config.RingCapacity(opts.Retention, opts.AggregateInterval)),
		stats:      make(map[string]*TaskStatus),
		selfHealth: SelfHealth{Healthy: true},
	}
	s.tasks = []task{
		{name: TaskCollect, interval: opts.CollectInterval, run: s.collect},
		{name: TaskAggregate, interval: opts.AggregateInterval, run: s.aggregate},
		{name: TaskSelfHealth, interval: opts.SelfHealthInterval, run: s.checkSelf},
		{name: TaskAlertCheck, interval: opts.AlertInterval, run: s.checkAlerts},
	}
	for _, t := range s.tasks {
		s.stats[t.name] = &TaskStatus{Name: t.name, Interval: t.interval}
	}
	return s
}

// Start launches every loop. The loops stop when ctx is cancelled or Stop
// is called; either way the scheduler returns to stopped and may be started
// again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	done := make(chan struct{})
	s.running = true
	s.startedAt = s.opts.Now()
	s.lastCollect = time.Time{}
	s.cancel = cancel
	s.done = done
	go s.supervise(g, cancel, done)
	if s.opts.Logger != nil {
		s.opts.Logger.Info("scheduler started",
			"collect_interval", s.opts.CollectInterval.String(),
			"aggregate_interval", s.opts.AggregateInterval.String(),
			"self_health_interval", s.opts.SelfHealthInterval.String(),
			"alert_interval", s.opts.AlertInterval.String(),
		)
	}
	return nil
}

// supervise waits for the loops of one run and clears the running state.
func (s *Scheduler) supervise(g *errgroup.Group, cancel context.CancelFunc, done chan struct{}) {
	_ = g.Wait()
	cancel()
	s.mu.Lock()
	if s.done == done {
		s.running = false
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()
	close(done)
	if s.opts.Logger != nil {
		s.opts.Logger.Info("scheduler stopped")
	}
}

// Stop cancels all loops and waits for them to return. It is safe to call
// on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Pause makes the loops skip their work without cancelling them.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) && s.opts.Logger != nil {
		s.opts.Logger.Info("scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	if s.paused.Swap(false) && s.opts.Logger != nil {
		s.opts.Logger.Info("scheduler resumed")
	}
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			s.runGuarded(ctx, t)
		}
	}
}

// RunTask runs one iteration of the named loop through the same guard the
// background loop uses.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	for _, t := range s.tasks {
		if t.name == name {
			return s.runGuarded(ctx, t)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

func (s *Scheduler) runGuarded(ctx context.Context, t task) error {
	start := s.opts.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task %s panicked: %v", t.name, p)
			}
		}()
		return t.run(ctx)
	}()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}

	s.mu.Lock()
	st := s.stats[t.name]
	st.Runs++
	st.LastRun = start
	st.LastDuration = s.opts.Now().Sub(start)
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && s.opts.Logger != nil {
		s.opts.Logger.Error("scheduler task failed", "task", t.name, "error", err)
	}
	return err
}

func (s *Scheduler) collect(ctx context.Context) error {
	snap := s.metrics.Snapshot()
	if s.breaker != nil {
		snap.BreakerOpen = s.breaker.Evaluate().Status == model.BreakerOpen
	}
	if prev, ok := s.snapshots.Last(); ok {
		snap.Delta = snap.Total.Sub(prev.Total)
	} else {
		snap.Delta = snap.Total
	}
	s.snapshots.Push(snap)

	s.mu.Lock()
	s.lastCollect = s.opts.Now()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) aggregate(ctx context.Context) error {
	since := s.opts.Now().Add(-s.opts.AggregateInterval)
	snaps := s.snapshots.Filter(func(sn model.Snapshot) bool {
		return sn.Timestamp.After(since)
	})
	w, err := Aggregate(ctx, snaps)
	if err != nil {
		return err
	}
	if w.Snapshots == 0 {
		return nil
	}
	s.aggregates.Push(w)
	if s.opts.Sink != nil {
		if err := s.opts.Sink.SaveAggregate(ctx, w); err != nil {
			return fmt.Errorf("persisting aggregate: %w", err)
		}
	}
	return nil
}

// Aggregate folds snaps into one window. Attempt counts are sums of each
// snapshot's delta. A cancelled ctx discards the partial window.
func Aggregate(ctx context.Context, snaps []model.Snapshot) (model.AggregatedWindow, error) {
	var w model.AggregatedWindow
	if len(snaps) == 0 {
		return w, nil
	}
	var latencySum, rateSum float64
	latencyCount := 0
	for i, sn := range snaps {
		if err := ctx.Err(); err != nil {
			return model.AggregatedWindow{}, err
		}
		if i == 0 || sn.Timestamp.Before(w.Start) {
			w.Start = sn.Timestamp
		}
		if sn.Timestamp.After(w.End) {
			w.End = sn.Timestamp
		}
		w.Attempts += sn.Delta.Attempts
		w.Successes += sn.Delta.Successes
		w.Failures += sn.Delta.Failures
		rateSum += sn.SuccessRate
		if sn.Latency.Samples > 0 {
			if latencyCount == 0 || sn.Latency.Min < w.MinLatency {
				w.MinLatency = sn.Latency.Min
			}
			if sn.Latency.Max > w.MaxLatency {
				w.MaxLatency = sn.Latency.Max
			}
			latencySum += sn.Latency.Avg
			latencyCount++
		}
		if sn.ActiveSessions > w.PeakSessions {
			w.PeakSessions = sn.ActiveSessions
		}
		if sn.ActiveConnections > w.PeakConnections {
			w.PeakConnections = sn.ActiveConnections
		}
	}
	w.Snapshots = len(snaps)
	w.AvgSuccessRate = rateSum / float64(len(snaps))
	if latencyCount > 0 {
		w.AvgLatency = latencySum / float64(latencyCount)
	}
	return w, nil
}

func (s *Scheduler) checkSelf(ctx context.Context) error {
	now := s.opts.Now()
	paused := s.paused.Load()

	s.mu.Lock()
	report := SelfHealth{Healthy: true, LastCollect: s.lastCollect, CheckedAt: now}
	ref := s.lastCollect
	if ref.IsZero() {
		ref = s.startedAt
	}
	if !paused && !ref.IsZero() && now.Sub(ref) > 3*s.opts.CollectInterval {
		report.Stale = true
		report.Issues = append(report.Issues, fmt.Sprintf("no collection for %s", now.Sub(ref).Truncate(time.Second)))
	}
	for _, t := range s.tasks {
		st := s.stats[t.name]
		if rate := st.ErrorRate(); rate > s.opts.MaxErrorRate {
			report.Issues = append(report.Issues, fmt.Sprintf("%s error rate %.0f%%", t.name, rate*100))
		}
	}
	report.Healthy = len(report.Issues) == 0
	s.selfHealth = report
	s.mu.Unlock()

	if !report.Healthy && s.opts.Logger != nil {
		s.opts.Logger.Warn("scheduler self-health degraded", "issues", report.Issues, "stale", report.Stale)
	}
	return nil
}

func (s *Scheduler) checkAlerts(ctx context.Context) error {
	if s.alerts == nil {
		return nil
	}
	snap, ok := s.snapshots.Last()
	if !ok {
		return nil
	}
	s.alerts.CheckAlerts(ctx, snap)
	s.alerts.CheckEscalations(ctx)
	return nil
}

func (s *Scheduler) LatestSnapshot() (model.Snapshot, bool) {
	return s.snapshots.Last()
}

// Snapshots returns up to limit of the newest snapshots, oldest first.
func (s *Scheduler) Snapshots(limit int) []model.Snapshot {
	return s.snapshots.Tail(limit)
}

func (s *Scheduler) Aggregates(limit int) []model.AggregatedWindow {
	return s.aggregates.Tail(limit)
}

func (s *Scheduler) SelfHealth() SelfHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.selfHealth
	out.Issues = append([]string(nil), s.selfHealth.Issues...)
	return out
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	out := Status{State: StateStopped, StartedAt: s.startedAt}
	if s.running {
		out.State = StateRunning
		if s.paused.Load() {
			out.State = StatePaused
		}
	}
	for _, t := range s.tasks {
		out.Tasks = append(out.Tasks, *s.stats[t.name])
	}
	out.SelfHealth = s.selfHealth
	out.SelfHealth.Issues = append([]string(nil), s.selfHealth.Issues...)
	s.mu.Unlock()

	out.Snapshots = s.snapshots.Len()
	out.Aggregates = s.aggregates.Len()
	return out
}

func (s *Scheduler) CollectInterval() time.Duration {
	return s.opts.CollectInterval
}

// Clear drops collected snapshots and aggregates.
func (s *Scheduler) Clear() {
	s.snapshots.Clear()
	s.aggregates.Clear()
}
