package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"authmon/internal/config"
	"authmon/internal/model"
	"authmon/internal/ring"
)

const otherErrorCode = "other"

var quantiles = [4]float64{0.5, 0.9, 0.95, 0.99}

type Options struct {
	LatencyBufferSize int
	MaxSubjects       int
	SubjectTTL        time.Duration
	MaxErrorCodes     int
	Now               func() time.Time
}

func OptionsFromConfig(cfg config.MetricsConfig) Options {
	return Options{
		LatencyBufferSize: cfg.LatencyBufferSize,
		MaxSubjects:       cfg.MaxSubjects,
		SubjectTTL:        cfg.SubjectTTL,
		MaxErrorCodes:     cfg.MaxErrorCodes,
	}
}

type subjectState struct {
	total       model.Counts
	categories  map[model.Category]model.Counts
	lastSuccess time.Time
	lastFailure time.Time
	lastSeen    time.Time
}

// Store holds the rolling authentication counters. Record is the hot path and
// stays O(1); percentiles are only computed when a snapshot is taken.
type Store struct {
	mu                sync.Mutex
	now               func() time.Time
	total             model.Counts
	categories        map[model.Category]model.Counts
	subjects          *expirable.LRU[string, *subjectState]
	latency           *ring.Buffer[float64]
	lastSuccess       time.Time
	lastFailure       time.Time
	activeSessions    int64
	activeConnections int64
	sessionTimeouts   int64
	errorCodes        map[string]int64
	maxErrorCodes     int
	opts              Options
}

func NewStore(opts Options) *Store {
	if opts.LatencyBufferSize <= 0 {
		opts.LatencyBufferSize = 1000
	}
	if opts.MaxSubjects <= 0 {
		opts.MaxSubjects = 10000
	}
	if opts.MaxErrorCodes <= 0 {
		opts.MaxErrorCodes = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{now: opts.Now, maxErrorCodes: opts.MaxErrorCodes, opts: opts}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.total = model.Counts{}
	s.categories = make(map[model.Category]model.Counts)
	if s.subjects == nil {
		s.subjects = expirable.NewLRU[string, *subjectState](s.opts.MaxSubjects, nil, s.opts.SubjectTTL)
	} else {
		s.subjects.Purge()
	}
	s.latency = ring.New[float64](s.opts.LatencyBufferSize)
	s.lastSuccess = time.Time{}
	s.lastFailure = time.Time{}
	s.activeSessions = 0
	s.activeConnections = 0
	s.sessionTimeouts = 0
	s.errorCodes = make(map[string]int64)
}

// Validate reports whether ev can be recorded. Errors wrap model.ErrInvalidEvent.
func Validate(ev model.Event) error {
	if _, ok := model.CategoryOf(ev.Type); !ok {
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidEvent, ev.Type)
	}
	if math.IsNaN(ev.LatencyMS) || math.IsInf(ev.LatencyMS, 0) {
		return fmt.Errorf("%w: latency is not finite", model.ErrInvalidEvent)
	}
	if ev.LatencyMS < 0 {
		return fmt.Errorf("%w: negative latency %v", model.ErrInvalidEvent, ev.LatencyMS)
	}
	return nil
}

func (s *Store) Record(ev model.Event) error {
	if err := Validate(ev); err != nil {
		return err
	}
	cat, _ := model.CategoryOf(ev.Type)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.Add(ev.Success)
	c := s.categories[cat]
	c.Add(ev.Success)
	s.categories[cat] = c
	if ev.Success {
		s.lastSuccess = ts
	} else {
		s.lastFailure = ts
		s.countErrorCode(ev.ErrorCode)
	}
	s.latency.Push(ev.LatencyMS)
	s.applyGauges(ev)

	if ev.SubjectID != "" {
		sub, ok := s.subjects.Get(ev.SubjectID)
		if !ok {
			sub = &subjectState{categories: make(map[model.Category]model.Counts)}
		}
		sub.total.Add(ev.Success)
		sc := sub.categories[cat]
		sc.Add(ev.Success)
		sub.categories[cat] = sc
		if ev.Success {
			sub.lastSuccess = ts
		} else {
			sub.lastFailure = ts
		}
		sub.lastSeen = ts
		s.subjects.Add(ev.SubjectID, sub)
	}
	return nil
}

func (s *Store) applyGauges(ev model.Event) {
	switch ev.Type {
	case model.EventSessionCreate:
		if ev.Success {
			s.activeSessions++
		}
	case model.EventSessionInvalidate:
		if ev.Success && s.activeSessions > 0 {
			s.activeSessions--
		}
	case model.EventSessionTimeout:
		s.sessionTimeouts++
		if s.activeSessions > 0 {
			s.activeSessions--
		}
	case model.EventConnectionUpgrade:
		if ev.Success {
			s.activeConnections++
		}
	case model.EventConnectionClose:
		if s.activeConnections > 0 {
			s.activeConnections--
		}
	}
}

func (s *Store) countErrorCode(code string) {
	if code == "" {
		return
	}
	if _, ok := s.errorCodes[code]; !ok && len(s.errorCodes) >= s.maxErrorCodes {
		code = otherErrorCode
	}
	s.errorCodes[code]++
}

func (s *Store) Totals() model.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// SuccessRate returns successes/total*100. With no attempts recorded it
// returns 100: an idle system is reported healthy by policy.
func (s *Store) SuccessRate() float64 {
	return s.Totals().SuccessRate()
}

func (s *Store) FailureRate() float64 {
	return s.Totals().FailureRate()
}

func (s *Store) ActiveConnections() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConnections
}

// Latencies returns the buffered latency samples in arrival order.
func (s *Store) Latencies() []float64 {
	s.mu.Lock()
	buf := s.latency
	s.mu.Unlock()
	return buf.Items()
}

func (s *Store) Percentiles() model.LatencyStats {
	return latencyStats(s.Latencies())
}

func latencyStats(samples []float64) model.LatencyStats {
	n := len(samples)
	if n == 0 {
		return model.LatencyStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return model.LatencyStats{
		Samples: n,
		Min:     sorted[0],
		Max:     sorted[n-1],
		Avg:     sum / float64(n),
		P50:     nearestRank(sorted, quantiles[0]),
		P90:     nearestRank(sorted, quantiles[1]),
		P95:     nearestRank(sorted, quantiles[2]),
		P99:     nearestRank(sorted, quantiles[3]),
	}
}

// nearestRank returns sorted[floor(n*q)], clamped to the last index.
func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Floor(float64(len(sorted)) * q))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Snapshot copies the current counters. Delta and BreakerOpen are left for
// the caller, which knows the previous snapshot and the breaker.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.Lock()
	snap := model.Snapshot{
		Timestamp:         s.now().UTC(),
		Total:             s.total,
		SuccessRate:       s.total.SuccessRate(),
		FailureRate:       s.total.FailureRate(),
		Categories:        make(map[model.Category]model.Counts, len(s.categories)),
		ActiveSessions:    s.activeSessions,
		ActiveConnections: s.activeConnections,
		SessionTimeouts:   s.sessionTimeouts,
		LastSuccess:       s.lastSuccess,
		LastFailure:       s.lastFailure,
	}
	for k, v := range s.categories {
		snap.Categories[k] = v
	}
	if len(s.errorCodes) > 0 {
		snap.ErrorCodes = make(map[string]int64, len(s.errorCodes))
		for k, v := range s.errorCodes {
			snap.ErrorCodes[k] = v
		}
	}
	samples := s.latency.Items()
	s.mu.Unlock()

	snap.Latency = latencyStats(samples)
	return snap
}

func (s *Store) SubjectMetrics(subjectID string) (model.SubjectMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects.Peek(subjectID)
	if !ok {
		return model.SubjectMetrics{}, false
	}
	out := model.SubjectMetrics{
		SubjectID:   subjectID,
		Total:       sub.total,
		SuccessRate: sub.total.SuccessRate(),
		Categories:  make(map[model.Category]model.Counts, len(sub.categories)),
		LastSuccess: sub.lastSuccess,
		LastFailure: sub.lastFailure,
		LastSeen:    sub.lastSeen,
	}
	for k, v := range sub.categories {
		out.Categories[k] = v
	}
	return out, true
}

func (s *Store) SubjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subjects.Len()
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}
