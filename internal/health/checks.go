package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authmon/internal/breaker"
	"authmon/internal/model"
	"authmon/internal/scheduler"
)

type MetricsSource interface {
	Totals() model.Counts
	SubjectCount() int
}

type BreakerSource interface {
	Tier() model.HealthTier
	State() model.BreakerState
}

type SchedulerSource interface {
	Status() scheduler.Status
}

type AlertSource interface {
	CountActive(min model.Severity) int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func tierStatus(t model.HealthTier) model.HealthStatus {
	switch t {
	case model.TierCritical:
		return model.StatusUnhealthy
	case model.TierDegraded:
		return model.StatusDegraded
	default:
		return model.StatusHealthy
	}
}

// MetricsCheck reports the tier of the global success rate. No traffic
// counts as healthy.
func MetricsCheck(src MetricsSource) Check {
	return Check{
		Name:     "metrics_store",
		Category: string(model.CategoryAuthentication),
		Fn: func(ctx context.Context) (Outcome, error) {
			counts := src.Totals()
			tier := breaker.TierFor(model.BreakerClosed, counts)
			out := Outcome{
				Status:  tierStatus(tier),
				Message: fmt.Sprintf("success rate %.1f%% over %d attempts", counts.SuccessRate(), counts.Attempts),
				Details: map[string]any{
					"attempts":     counts.Attempts,
					"success_rate": counts.SuccessRate(),
					"subjects":     src.SubjectCount(),
					"tier":         tier,
				},
			}
			if counts.Attempts == 0 {
				out.Message = "no authentication traffic recorded"
			}
			return out, nil
		},
	}
}

func BreakerCheck(b BreakerSource) Check {
	return Check{
		Name:     "circuit_breaker",
		Category: string(model.CategorySystem),
		Critical: true,
		Fn: func(ctx context.Context) (Outcome, error) {
			tier := b.Tier()
			state := b.State()
			out := Outcome{
				Status:  model.StatusHealthy,
				Message: "circuit breaker closed",
				Details: map[string]any{
					"state":      state.Status,
					"trip_count": state.TripCount,
					"tier":       tier,
				},
			}
			switch {
			case state.Status == model.BreakerOpen:
				out.Status = model.StatusUnhealthy
				out.Message = "circuit breaker open"
			case tier == model.TierCritical || tier == model.TierDegraded:
				out.Status = model.StatusDegraded
				out.Message = fmt.Sprintf("circuit breaker closed, failure tier %s", tier)
			}
			return out, nil
		},
	}
}

func SchedulerCheck(s SchedulerSource) Check {
	return Check{
		Name:     "scheduler",
		Category: string(model.CategorySystem),
		Critical: true,
		Fn: func(ctx context.Context) (Outcome, error) {
			st := s.Status()
			out := Outcome{
				Status:  model.StatusHealthy,
				Message: "scheduler running",
				Details: map[string]any{
					"state":      st.State,
					"snapshots":  st.Snapshots,
					"aggregates": st.Aggregates,
					"issues":     st.SelfHealth.Issues,
				},
			}
			switch {
			case st.State == scheduler.StateStopped:
				out.Status = model.StatusUnhealthy
				out.Message = "scheduler not running"
			case st.SelfHealth.Stale:
				out.Status = model.StatusUnhealthy
				out.Message = "metrics collection is stale"
			case st.State == scheduler.StatePaused:
				out.Status = model.StatusDegraded
				out.Message = "scheduler paused"
			case !st.SelfHealth.Healthy:
				out.Status = model.StatusDegraded
				out.Message = fmt.Sprintf("scheduler reports %d issue(s)", len(st.SelfHealth.Issues))
			}
			return out, nil
		},
	}
}

func AlertEngineCheck(a AlertSource) Check {
	return Check{
		Name:     "alert_engine",
		Category: string(model.CategorySystem),
		Fn: func(ctx context.Context) (Outcome, error) {
			critical := a.CountActive(model.SeverityCritical)
			active := a.CountActive(model.SeverityLow)
			out := Outcome{
				Status:  model.StatusHealthy,
				Message: fmt.Sprintf("%d active alert(s)", active),
				Details: map[string]any{"active": active, "critical": critical},
			}
			if critical > 0 {
				out.Status = model.StatusDegraded
				out.Message = fmt.Sprintf("%d critical alert(s) active", critical)
			}
			return out, nil
		},
	}
}

// PingCheck wraps a dependency that can answer a ping.
func PingCheck(name, category string, critical bool, p Pinger) Check {
	return Check{
		Name:     name,
		Category: category,
		Critical: critical,
		Fn: func(ctx context.Context) (Outcome, error) {
			start := time.Now()
			if err := p.Ping(ctx); err != nil {
				return Outcome{Message: name + " unreachable"}, err
			}
			return Outcome{
				Status:  model.StatusHealthy,
				Message: name + " reachable",
				Details: map[string]any{"latency_ms": time.Since(start).Milliseconds()},
			}, nil
		},
	}
}

type redisPinger struct {
	client redis.UniversalClient
}

func (r redisPinger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RedisCheck pings the session store backing the authentication flow.
func RedisCheck(client redis.UniversalClient) Check {
	return PingCheck("session_store", string(model.CategorySession), false, redisPinger{client: client})
}
