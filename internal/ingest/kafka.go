package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"authmon/internal/config"
	"authmon/internal/normalize"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes JSON event messages from the configured topic until
// ctx is cancelled. Undecodable or invalid messages are logged and skipped.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, sink Sink, now func() time.Time, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consumeKafka(ctx, reader, sink, now, logger)
}

func consumeKafka(ctx context.Context, reader messageReader, sink Sink, now func() time.Time, logger *slog.Logger) {
	defer reader.Close()
	if now == nil {
		now = time.Now
	}
	seen := NewDedupeCache(10*time.Minute, 0)
	backoff := 200 * time.Millisecond
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 200 * time.Millisecond
		if seen.Seen(messageKey(m), now()) {
			continue
		}
		fields, err := ParseJSONBytes(m.Value)
		if err != nil {
			if logger != nil {
				logger.Warn("kafka decode error", "err", err, "partition", m.Partition, "offset", m.Offset)
			}
			continue
		}
		ev, err := normalize.Normalize(*fields, now)
		if err != nil {
			if logger != nil {
				logger.Warn("kafka normalize error", "err", err, "partition", m.Partition, "offset", m.Offset)
			}
			continue
		}
		ev.Source = "kafka"
		if err := sink.Accept(ctx, ev); err != nil && ctx.Err() == nil && logger != nil {
			logger.Warn("kafka event rejected", "err", err, "offset", m.Offset)
		}
	}
}

// messageKey identifies a message by position so redeliveries after a
// consumer group rebalance are skipped.
func messageKey(m kafka.Message) string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
}
