package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"authmon/internal/model"
)

var ErrQueueFull = errors.New("event queue full")

// Sink accepts normalized events. The REST handler mounted on the API
// records synchronously into the monitor; standalone sources hand events
// to the monitor's Run loop through a channel.
type Sink interface {
	Accept(ctx context.Context, ev model.Event) error
}

type SinkFunc func(ctx context.Context, ev model.Event) error

func (f SinkFunc) Accept(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

type channelSink struct {
	out    chan<- model.Event
	logger *slog.Logger
}

// ChannelSink never blocks: a full channel drops the event and returns
// ErrQueueFull.
func ChannelSink(out chan<- model.Event, logger *slog.Logger) Sink {
	return channelSink{out: out, logger: logger}
}

func (c channelSink) Accept(ctx context.Context, ev model.Event) error {
	if SendNonBlocking(ctx, c.out, ev, c.logger) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueFull
}

func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "type", ev.Type, "subject_id", ev.SubjectID, "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
