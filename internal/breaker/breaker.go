// Package breaker derives an open/closed circuit state and a health tier from
// the global failure rate of a metrics source.
//
// Recovery is time based only: once the cooldown has elapsed the breaker
// closes without probing the failing dependency first.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"authmon/internal/config"
	"authmon/internal/model"
)

const (
	criticalFailureRate = 50.0
	degradedFailureRate = 5.0
)

// CountSource is the slice of the metrics store the breaker reads.
type CountSource interface {
	Totals() model.Counts
}

type Options struct {
	MinSamples       int64
	FailureThreshold float64
	Cooldown         time.Duration
	Now              func() time.Time
	Logger           *slog.Logger
	// OnTransition is called after the state lock is released.
	OnTransition func(from, to model.BreakerStatus, state model.BreakerState)
}

func OptionsFromConfig(cfg config.BreakerConfig) Options {
	return Options{
		MinSamples:       cfg.MinSamples,
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
	}
}

type Breaker struct {
	mu     sync.Mutex
	source CountSource
	opts   Options
	state  model.BreakerState
}

func New(source CountSource, opts Options) *Breaker {
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 50
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		source: source,
		opts:   opts,
		state:  model.BreakerState{Status: model.BreakerClosed},
	}
}

// Evaluate applies the transition function against the current counters and
// returns the resulting state.
func (b *Breaker) Evaluate() model.BreakerState {
	counts := b.source.Totals()
	now := b.opts.Now()

	b.mu.Lock()
	from := b.state.Status
	switch from {
	case model.BreakerClosed:
		if counts.Attempts >= b.opts.MinSamples && counts.FailureRate() > b.opts.FailureThreshold {
			trip := now
			b.state.Status = model.BreakerOpen
			b.state.LastTripTime = &trip
			b.state.TripCount++
		}
	case model.BreakerOpen:
		if b.state.LastTripTime == nil || now.Sub(*b.state.LastTripTime) >= b.opts.Cooldown {
			b.state.Status = model.BreakerClosed
		}
	}
	state := b.copyState()
	b.mu.Unlock()

	if state.Status != from {
		b.logTransition(from, state, counts)
		if b.opts.OnTransition != nil {
			b.opts.OnTransition(from, state.Status, state)
		}
	}
	return state
}

func (b *Breaker) copyState() model.BreakerState {
	out := b.state
	if b.state.LastTripTime != nil {
		t := *b.state.LastTripTime
		out.LastTripTime = &t
	}
	return out
}

func (b *Breaker) logTransition(from model.BreakerStatus, state model.BreakerState, counts model.Counts) {
	if b.opts.Logger == nil {
		return
	}
	if state.Status == model.BreakerOpen {
		b.opts.Logger.Warn("circuit breaker opened",
			"from", from,
			"failure_rate", counts.FailureRate(),
			"attempts", counts.Attempts,
			"trip_count", state.TripCount,
		)
		return
	}
	b.opts.Logger.Info("circuit breaker closed after cooldown",
		"from", from,
		"cooldown", b.opts.Cooldown.String(),
	)
}

// State returns the last evaluated state without re-evaluating.
func (b *Breaker) State() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyState()
}

func (b *Breaker) IsOpen() bool {
	return b.Evaluate().Status == model.BreakerOpen
}

// Tier evaluates the breaker and derives the health tier.
func (b *Breaker) Tier() model.HealthTier {
	state := b.Evaluate()
	return TierFor(state.Status, b.source.Totals())
}

func TierFor(status model.BreakerStatus, counts model.Counts) model.HealthTier {
	if status == model.BreakerOpen {
		return model.TierCritical
	}
	if counts.Attempts == 0 {
		return model.TierUnknown
	}
	rate := counts.FailureRate()
	switch {
	case rate >= criticalFailureRate:
		return model.TierCritical
	case rate >= degradedFailureRate:
		return model.TierDegraded
	default:
		return model.TierHealthy
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = model.BreakerState{Status: model.BreakerClosed}
}
