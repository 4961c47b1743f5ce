package alerts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"authmon/internal/config"
	"authmon/internal/model"
)

var (
	ErrInvariant     = errors.New("alert rule invariant violated")
	ErrDuplicateRule = errors.New("alert rule already registered")
	ErrUnknownRule   = errors.New("unknown alert rule")
)

// Predicate reports whether a rule condition holds for a snapshot. It must
// not retain the snapshot.
type Predicate func(model.Snapshot) bool

type Rule struct {
	Name                string
	Category            model.Category
	Severity            model.Severity
	Description         string
	Predicate           Predicate
	Message             func(model.Snapshot) string
	MinOccurrences      int
	SuppressionDuration time.Duration
	// EscalationAfter is optional; when set it must exceed SuppressionDuration.
	EscalationAfter time.Duration
	Disabled        bool
}

// NewRule validates r and returns a copy ready for registration. Invalid
// rules are rejected, never coerced.
func NewRule(r Rule) (*Rule, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvariant)
	}
	if r.Predicate == nil {
		return nil, fmt.Errorf("%w: rule %s has no predicate", ErrInvariant, r.Name)
	}
	if r.Severity == "" {
		r.Severity = model.SeverityMedium
	}
	if !r.Severity.Valid() {
		return nil, fmt.Errorf("%w: rule %s has unknown severity %q", ErrInvariant, r.Name, r.Severity)
	}
	if r.Category == "" {
		r.Category = model.CategorySystem
	}
	if r.MinOccurrences < 1 {
		r.MinOccurrences = 1
	}
	if r.SuppressionDuration < 0 || r.EscalationAfter < 0 {
		return nil, fmt.Errorf("%w: rule %s has a negative duration", ErrInvariant, r.Name)
	}
	if r.EscalationAfter > 0 && r.EscalationAfter <= r.SuppressionDuration {
		return nil, fmt.Errorf("%w: rule %s escalation_after %s must exceed suppression_duration %s",
			ErrInvariant, r.Name, r.EscalationAfter, r.SuppressionDuration)
	}
	return &r, nil
}

func (r *Rule) message(snap model.Snapshot) string {
	if r.Message != nil {
		return r.Message(snap)
	}
	if r.Description != "" {
		return r.Description
	}
	return r.Name + " triggered"
}

const minRuleSamples = 10

func categoryFailureRate(snap model.Snapshot, c model.Category) (float64, bool) {
	counts := snap.Category(c)
	if counts.Attempts < minRuleSamples {
		return 0, false
	}
	return counts.FailureRate(), true
}

// DefaultRules builds the built-in rule set tuned by cfg. Overrides that
// break a rule invariant are reported as errors.
func DefaultRules(cfg config.AlertsConfig) ([]*Rule, error) {
	hi, cri, slow := cfg.FailureRateHi, cfg.FailureRateCri, cfg.SlowP95MS
	base := []Rule{
		{
			Name:        "high_auth_failure_rate",
			Category:    model.CategoryAuthentication,
			Severity:    model.SeverityHigh,
			Description: "authentication failure rate above warning threshold",
			Predicate: func(s model.Snapshot) bool {
				return s.Total.Attempts >= minRuleSamples && s.FailureRate > hi && s.FailureRate < cri
			},
			Message: func(s model.Snapshot) string {
				return fmt.Sprintf("authentication failure rate %.1f%% exceeds %.1f%%", s.FailureRate, hi)
			},
			MinOccurrences:      2,
			SuppressionDuration: 5 * time.Minute,
			EscalationAfter:     15 * time.Minute,
		},
		{
			Name:        "critical_auth_failure_rate",
			Category:    model.CategoryAuthentication,
			Severity:    model.SeverityCritical,
			Description: "authentication failure rate at critical level",
			Predicate: func(s model.Snapshot) bool {
				return s.Total.Attempts >= minRuleSamples && s.FailureRate >= cri
			},
			Message: func(s model.Snapshot) string {
				return fmt.Sprintf("authentication failure rate %.1f%% at or above %.1f%%", s.FailureRate, cri)
			},
			MinOccurrences:      1,
			SuppressionDuration: 5 * time.Minute,
			EscalationAfter:     10 * time.Minute,
		},
		{
			Name:        "slow_authentication",
			Category:    model.CategoryPerformance,
			Severity:    model.SeverityMedium,
			Description: "authentication p95 latency above threshold",
			Predicate: func(s model.Snapshot) bool {
				return s.Latency.Samples >= minRuleSamples && s.Latency.P95 > slow
			},
			Message: func(s model.Snapshot) string {
				return fmt.Sprintf("p95 latency %.0fms exceeds %.0fms", s.Latency.P95, slow)
			},
			MinOccurrences:      3,
			SuppressionDuration: 10 * time.Minute,
		},
		{
			Name:        "token_validation_failures",
			Category:    model.CategoryToken,
			Severity:    model.SeverityMedium,
			Description: "token validation failure rate above 10%",
			Predicate: func(s model.Snapshot) bool {
				rate, ok := categoryFailureRate(s, model.CategoryToken)
				return ok && rate > 10
			},
			MinOccurrences:      2,
			SuppressionDuration: 5 * time.Minute,
		},
		{
			Name:        "session_timeout_spike",
			Category:    model.CategorySession,
			Severity:    model.SeverityLow,
			Description: "more than a quarter of session events are timeouts",
			Predicate: func(s model.Snapshot) bool {
				sessions := s.Category(model.CategorySession).Attempts
				return sessions >= minRuleSamples && float64(s.SessionTimeouts)*100/float64(sessions) > 25
			},
			MinOccurrences:      2,
			SuppressionDuration: 15 * time.Minute,
		},
		{
			Name:        "connection_failures",
			Category:    model.CategoryConnection,
			Severity:    model.SeverityHigh,
			Description: "connection upgrade failure rate above 20%",
			Predicate: func(s model.Snapshot) bool {
				rate, ok := categoryFailureRate(s, model.CategoryConnection)
				return ok && rate > 20
			},
			MinOccurrences:      2,
			SuppressionDuration: 5 * time.Minute,
		},
		{
			Name:                "circuit_breaker_open",
			Category:            model.CategorySystem,
			Severity:            model.SeverityCritical,
			Description:         "authentication circuit breaker is open",
			Predicate:           func(s model.Snapshot) bool { return s.BreakerOpen },
			MinOccurrences:      1,
			SuppressionDuration: 1 * time.Minute,
			EscalationAfter:     5 * time.Minute,
		},
	}

	overrides := make(map[string]config.RuleOverride, len(cfg.Rules))
	for _, o := range cfg.Rules {
		overrides[o.Name] = o
	}
	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, name := range cfg.DisabledRules {
		disabled[name] = true
	}

	out := make([]*Rule, 0, len(base))
	for _, r := range base {
		if o, ok := overrides[r.Name]; ok {
			applyOverride(&r, o)
		}
		r.Disabled = disabled[r.Name]
		rule, err := NewRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func applyOverride(r *Rule, o config.RuleOverride) {
	if o.Severity != "" {
		r.Severity = model.Severity(strings.ToLower(o.Severity))
	}
	if o.MinOccurrences > 0 {
		r.MinOccurrences = o.MinOccurrences
	}
	if o.SuppressionDuration > 0 {
		r.SuppressionDuration = o.SuppressionDuration
	}
	if o.EscalationAfter > 0 {
		r.EscalationAfter = o.EscalationAfter
	}
}
