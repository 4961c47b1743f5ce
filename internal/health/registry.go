// Package health runs named health checks under individual timeouts and
// folds their results into an overall status.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"authmon/internal/model"
	"authmon/internal/ring"
)

var (
	ErrTimeout        = errors.New("timeout")
	ErrDuplicateCheck = errors.New("health check already registered")
	ErrUnknownCheck   = errors.New("unknown health check")
)

// Outcome is what a check function reports. The registry fills in name,
// timing and criticality.
type Outcome struct {
	Status  model.HealthStatus
	Message string
	Details map[string]any
}

type CheckFunc func(ctx context.Context) (Outcome, error)

type Check struct {
	Name     string
	Category string
	Fn       CheckFunc
	Timeout  time.Duration
	Critical bool
	Disabled bool
}

type CheckInfo struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Timeout  time.Duration `json:"timeout"`
	Critical bool          `json:"critical"`
	Enabled  bool          `json:"enabled"`
}

type Options struct {
	DefaultTimeout time.Duration
	HistoryLimit   int
	Now            func() time.Time
	Logger         *slog.Logger
}

type Registry struct {
	opts    Options
	history *ring.Buffer[model.OverallHealth]

	mu     sync.Mutex
	checks map[string]*Check
	order  []string
}

func NewRegistry(opts Options) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:    opts,
		history: ring.New[model.OverallHealth](opts.HistoryLimit),
		checks:  make(map[string]*Check),
	}
}

func (r *Registry) Register(c Check) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || c.Fn == nil {
		return errors.New("health check requires a name and a function")
	}
	if c.Timeout <= 0 {
		c.Timeout = r.opts.DefaultTimeout
	}
	if c.Category == "" {
		c.Category = "system"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, c.Name)
	}
	r.checks[c.Name] = &c
	r.order = append(r.order, c.Name)
	return nil
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		return false
	}
	delete(r.checks, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	c.Disabled = !enabled
	return nil
}

func (r *Registry) Checks() []CheckInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CheckInfo, 0, len(r.order))
	for _, name := range r.order {
		c := r.checks[name]
		out = append(out, CheckInfo{
			Name:     c.Name,
			Category: c.Category,
			Timeout:  c.Timeout,
			Critical: c.Critical,
			Enabled:  !c.Disabled,
		})
	}
	return out
}

// CheckHealth runs the named checks, or every enabled check when names is
// empty, each in its own goroutine. It never panics; an internal failure
// yields an unhealthy document carrying the error.
func (r *Registry) CheckHealth(ctx context.Context, names ...string) (report model.OverallHealth) {
	start := r.opts.Now()
	defer func() {
		if p := recover(); p != nil {
			report = model.OverallHealth{
				Status:    model.StatusUnhealthy,
				Timestamp: start,
				Error:     fmt.Sprintf("health check run failed: %v", p),
			}
		}
	}()

	selected, unknown := r.selectChecks(names)
	results := make([]model.CheckResult, len(selected), len(selected)+len(unknown))
	var wg sync.WaitGroup
	for i, c := range selected {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results[i] = r.run(ctx, c)
		}(i, c)
	}
	wg.Wait()
	for _, name := range unknown {
		results = append(results, model.CheckResult{
			Name:      name,
			Status:    model.StatusUnknown,
			Message:   "check not registered",
			Error:     ErrUnknownCheck.Error(),
			Timestamp: start,
		})
	}

	report = Summarize(results)
	report.Timestamp = start
	report.Duration = r.opts.Now().Sub(start)
	r.history.Push(report)

	if report.Status != model.StatusHealthy && r.opts.Logger != nil {
		r.opts.Logger.Warn("health check degraded",
			"status", report.Status,
			"unhealthy", report.Unhealthy,
			"degraded", report.Degraded,
			"critical_failures", report.CriticalFailures,
		)
	}
	return report
}

func (r *Registry) selectChecks(names []string) ([]Check, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var selected []Check
	var unknown []string
	if len(names) == 0 {
		for _, name := range r.order {
			if c := r.checks[name]; !c.Disabled {
				selected = append(selected, *c)
			}
		}
		return selected, nil
	}
	for _, name := range names {
		c, ok := r.checks[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if !c.Disabled {
			selected = append(selected, *c)
		}
	}
	return selected, unknown
}

// run executes one check under its timeout. A check that ignores its
// context is abandoned once the timeout fires.
func (r *Registry) run(ctx context.Context, c Check) model.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := r.opts.Now()
	res := model.CheckResult{
		Name:      c.Name,
		Category:  c.Category,
		Critical:  c.Critical,
		Timestamp: start,
	}

	type outcome struct {
		out Outcome
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		out, err := c.Fn(ctx)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		res.Duration = r.opts.Now().Sub(start)
		if o.err != nil {
			res.Status = model.StatusUnhealthy
			res.Error = o.err.Error()
			res.Message = o.out.Message
			if res.Message == "" {
				res.Message = "check failed"
			}
			if errors.Is(o.err, context.DeadlineExceeded) {
				res.Error = ErrTimeout.Error()
			}
			return res
		}
		res.Status = o.out.Status
		if res.Status == "" {
			res.Status = model.StatusHealthy
		}
		res.Message = o.out.Message
		res.Details = o.out.Details
	case <-ctx.Done():
		res.Duration = r.opts.Now().Sub(start)
		res.Status = model.StatusUnhealthy
		res.Error = ErrTimeout.Error()
		res.Message = fmt.Sprintf("check exceeded %s", c.Timeout)
	}
	return res
}

// Summarize applies the aggregation rule: unhealthy when a critical check is
// unhealthy, degraded when any check is unhealthy or degraded, otherwise
// healthy.
func Summarize(results []model.CheckResult) model.OverallHealth {
	out := model.OverallHealth{Status: model.StatusHealthy, Results: results}
	anyBad := false
	for _, res := range results {
		switch res.Status {
		case model.StatusHealthy:
			out.Healthy++
		case model.StatusDegraded:
			out.Degraded++
			anyBad = true
		case model.StatusUnhealthy:
			out.Unhealthy++
			anyBad = true
			if res.Critical {
				out.CriticalFailures = append(out.CriticalFailures, res.Name)
			}
		}
	}
	switch {
	case len(out.CriticalFailures) > 0:
		out.Status = model.StatusUnhealthy
	case anyBad:
		out.Status = model.StatusDegraded
	}
	return out
}

// History returns up to limit of the newest runs, oldest first.
func (r *Registry) History(limit int) []model.OverallHealth {
	return r.history.Tail(limit)
}

func (r *Registry) Last() (model.OverallHealth, bool) {
	return r.history.Last()
}
