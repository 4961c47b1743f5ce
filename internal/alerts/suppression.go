package alerts

import (
	"sync"
	"time"
)

// Suppressor tracks per-key quiet windows. Expiry is checked lazily on read.
type Suppressor struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewSuppressor() *Suppressor {
	return &Suppressor{until: make(map[string]time.Time)}
}

func (s *Suppressor) Suppressed(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.until[key]
	if !ok {
		return false
	}
	if !now.Before(ts) {
		delete(s.until, key)
		return false
	}
	return true
}

func (s *Suppressor) Suppress(key string, now time.Time, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[key] = now.Add(d)
}

// Until returns the end of the active window for key.
func (s *Suppressor) Until(key string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.until[key]
	if !ok || !now.Before(ts) {
		return time.Time{}, false
	}
	return ts, true
}

func (s *Suppressor) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until = make(map[string]time.Time)
}
