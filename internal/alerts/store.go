package alerts

import (
	"time"

	"authmon/internal/model"
	"authmon/internal/ring"
)

// History keeps resolved alerts, newest last, dropping the oldest once the
// limit is reached.
type History struct {
	buf *ring.Buffer[model.Alert]
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 1000
	}
	return &History{buf: ring.New[model.Alert](limit)}
}

func (h *History) Add(alert model.Alert) {
	h.buf.Push(alert)
}

func (h *History) List(limit int) []model.Alert {
	return h.buf.Tail(limit)
}

func (h *History) Since(ts time.Time) []model.Alert {
	return h.buf.Filter(func(a model.Alert) bool {
		return !a.TriggeredAt.Before(ts)
	})
}

func (h *History) Filter(keep func(model.Alert) bool) []model.Alert {
	return h.buf.Filter(keep)
}

func (h *History) Len() int {
	return h.buf.Len()
}

func (h *History) Clear() {
	h.buf.Clear()
}
