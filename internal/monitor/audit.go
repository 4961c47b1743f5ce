package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authmon/internal/model"
)

const auditWriteTimeout = 5 * time.Second

// AuditSink receives audit, security and performance records as opaque
// entries.
type AuditSink interface {
	SaveAudit(ctx context.Context, rec model.AuditRecord) error
}

// AlertSink is implemented by sinks that also archive alert lifecycle
// changes.
type AlertSink interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
}

type auditJob struct {
	action string
	write  func(ctx context.Context) error
}

// auditor moves sink writes off the hot path onto a single writer
// goroutine. Jobs are dropped, and counted, when the queue is full.
type auditor struct {
	sink    AuditSink
	alerts  AlertSink
	logger  *slog.Logger
	queue   chan auditJob
	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newAuditor(sink AuditSink, logger *slog.Logger, size int) *auditor {
	if size <= 0 {
		size = 1024
	}
	a := &auditor{
		sink:   sink,
		logger: logger,
		queue:  make(chan auditJob, size),
		done:   make(chan struct{}),
	}
	if as, ok := sink.(AlertSink); ok {
		a.alerts = as
	}
	go a.drain()
	return a
}

func (a *auditor) emit(rec model.AuditRecord) {
	if a == nil || a.sink == nil {
		return
	}
	a.enqueue(auditJob{action: rec.Action, write: func(ctx context.Context) error {
		return a.sink.SaveAudit(ctx, rec)
	}})
}

func (a *auditor) saveAlert(alert model.Alert) {
	if a == nil || a.alerts == nil {
		return
	}
	a.enqueue(auditJob{action: "save_alert", write: func(ctx context.Context) error {
		return a.alerts.SaveAlert(ctx, alert)
	}})
}

func (a *auditor) enqueue(job auditJob) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return
	}
	var dropped int64
	select {
	case a.queue <- job:
	default:
		dropped = a.dropped.Add(1)
	}
	a.mu.RUnlock()
	if dropped > 0 && a.logger != nil && (dropped == 1 || dropped%1000 == 0) {
		a.logger.Warn("audit queue full, dropping records", "dropped", dropped)
	}
}

func (a *auditor) drain() {
	defer close(a.done)
	for job := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := job.write(ctx)
		cancel()
		if err != nil {
			a.failed.Add(1)
			if a.logger != nil {
				a.logger.Error("audit write failed", "action", job.action, "error", err)
			}
		}
	}
}

// close stops accepting jobs and waits for the queue to drain.
func (a *auditor) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
