package model

import (
	"errors"
	"time"
)

var ErrInvalidEvent = errors.New("invalid event")

type EventType string

const (
	EventLogin             EventType = "login"
	EventLogout            EventType = "logout"
	EventTokenValidation   EventType = "token_validation"
	EventTokenRefresh      EventType = "token_refresh"
	EventSessionCreate     EventType = "session_create"
	EventSessionInvalidate EventType = "session_invalidate"
	EventSessionTimeout    EventType = "session_timeout"
	EventConnectionUpgrade EventType = "connection_upgrade"
	EventConnectionClose   EventType = "connection_close"
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryToken          Category = "token"
	CategorySession        Category = "session"
	CategoryConnection     Category = "connection"
	CategoryPerformance    Category = "performance"
	CategorySystem         Category = "system"
)

var eventCategories = map[EventType]Category{
	EventLogin:             CategoryAuthentication,
	EventLogout:            CategoryAuthentication,
	EventTokenValidation:   CategoryToken,
	EventTokenRefresh:      CategoryToken,
	EventSessionCreate:     CategorySession,
	EventSessionInvalidate: CategorySession,
	EventSessionTimeout:    CategorySession,
	EventConnectionUpgrade: CategoryConnection,
	EventConnectionClose:   CategoryConnection,
}

// CategoryOf reports the counter category for t, or false for unknown types.
func CategoryOf(t EventType) (Category, bool) {
	c, ok := eventCategories[t]
	return c, ok
}

func EventCategories() []Category {
	return []Category{CategoryAuthentication, CategoryToken, CategorySession, CategoryConnection}
}

type Event struct {
	Type        EventType         `json:"type"`
	SubjectID   string            `json:"subject_id,omitempty"`
	Success     bool              `json:"success"`
	LatencyMS   float64           `json:"latency_ms"`
	ErrorCode   string            `json:"error_code,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Source      string            `json:"source,omitempty"`
}

type Counts struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

func (c *Counts) Add(success bool) {
	c.Attempts++
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
}

// Sub returns c minus prev, clamped at zero for counters that were reset.
func (c Counts) Sub(prev Counts) Counts {
	out := Counts{
		Attempts:  c.Attempts - prev.Attempts,
		Successes: c.Successes - prev.Successes,
		Failures:  c.Failures - prev.Failures,
	}
	if out.Attempts < 0 || out.Successes < 0 || out.Failures < 0 {
		return c
	}
	return out
}

// SuccessRate is a percentage in [0,100]. With no attempts it is 100.
func (c Counts) SuccessRate() float64 {
	if c.Attempts == 0 {
		return 100.0
	}
	return float64(c.Successes) / float64(c.Attempts) * 100
}

func (c Counts) FailureRate() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Attempts) * 100
}

type LatencyStats struct {
	Samples int     `json:"samples"`
	Min     float64 `json:"min_ms"`
	Max     float64 `json:"max_ms"`
	Avg     float64 `json:"avg_ms"`
	P50     float64 `json:"p50_ms"`
	P90     float64 `json:"p90_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
}

type Snapshot struct {
	Timestamp         time.Time           `json:"timestamp"`
	Total             Counts              `json:"total"`
	Delta             Counts              `json:"delta"`
	SuccessRate       float64             `json:"success_rate"`
	FailureRate       float64             `json:"failure_rate"`
	Categories        map[Category]Counts `json:"categories"`
	Latency           LatencyStats        `json:"latency"`
	ActiveSessions    int64               `json:"active_sessions"`
	ActiveConnections int64               `json:"active_connections"`
	SessionTimeouts   int64               `json:"session_timeouts"`
	ErrorCodes        map[string]int64    `json:"error_codes,omitempty"`
	BreakerOpen       bool                `json:"breaker_open"`
	LastSuccess       time.Time           `json:"last_success,omitempty"`
	LastFailure       time.Time           `json:"last_failure,omitempty"`
}

func (s Snapshot) Category(c Category) Counts {
	return s.Categories[c]
}

type AggregatedWindow struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Snapshots       int       `json:"snapshots"`
	Attempts        int64     `json:"attempts"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	MinLatency      float64   `json:"min_latency_ms"`
	MaxLatency      float64   `json:"max_latency_ms"`
	AvgLatency      float64   `json:"avg_latency_ms"`
	AvgSuccessRate  float64   `json:"avg_success_rate"`
	PeakSessions    int64     `json:"peak_sessions"`
	PeakConnections int64     `json:"peak_connections"`
}

type SubjectMetrics struct {
	SubjectID   string              `json:"subject_id"`
	Total       Counts              `json:"total"`
	SuccessRate float64             `json:"success_rate"`
	Categories  map[Category]Counts `json:"categories"`
	LastSuccess time.Time           `json:"last_success,omitempty"`
	LastFailure time.Time           `json:"last_failure,omitempty"`
	LastSeen    time.Time           `json:"last_seen"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Raise returns the next severity up, saturating at critical.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

type Alert struct {
	ID             string            `json:"id"`
	RuleName       string            `json:"rule_name"`
	Category       Category          `json:"category"`
	Severity       Severity          `json:"severity"`
	Status         AlertStatus       `json:"status"`
	Message        string            `json:"message"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy     string            `json:"resolved_by,omitempty"`
	ResolutionNote string            `json:"resolution_note,omitempty"`
	Escalated      bool              `json:"escalated"`
	EscalatedAt    *time.Time        `json:"escalated_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type BreakerStatus string

const (
	BreakerClosed BreakerStatus = "closed"
	BreakerOpen   BreakerStatus = "open"
)

type BreakerState struct {
	Status       BreakerStatus `json:"status"`
	LastTripTime *time.Time    `json:"last_trip_time,omitempty"`
	TripCount    int           `json:"trip_count"`
}

type HealthTier string

const (
	TierHealthy  HealthTier = "healthy"
	TierDegraded HealthTier = "degraded"
	TierCritical HealthTier = "critical"
	TierUnknown  HealthTier = "unknown"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

type CheckResult struct {
	Name      string         `json:"name"`
	Category  string         `json:"category"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
	Critical  bool           `json:"critical"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type OverallHealth struct {
	Status           HealthStatus  `json:"status"`
	Timestamp        time.Time     `json:"timestamp"`
	Duration         time.Duration `json:"duration"`
	Results          []CheckResult `json:"results"`
	Healthy          int           `json:"healthy"`
	Degraded         int           `json:"degraded"`
	Unhealthy        int           `json:"unhealthy"`
	CriticalFailures []string      `json:"critical_failures,omitempty"`
	Error            string        `json:"error,omitempty"`
}

type AuditKind string

const (
	AuditKindAudit       AuditKind = "audit"
	AuditKindSecurity    AuditKind = "security"
	AuditKindPerformance AuditKind = "performance"
)

type AuditRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      AuditKind         `json:"kind"`
	Action    string            `json:"action"`
	Actor     string            `json:"actor,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
