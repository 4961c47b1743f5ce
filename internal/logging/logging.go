package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"authmon/internal/model"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func NewLogger(level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return New(os.Stdout, "authmon", lvl)
}

// New returns a JSON logger tagged with service. Changing lvl later adjusts
// the level of every logger derived from it.
func New(w io.Writer, service string, lvl *slog.LevelVar) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h).With("service", service)
}

// AuditLogger writes audit records to a logger. It is the fallback audit
// sink when no database is configured.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

func (a *AuditLogger) SaveAudit(ctx context.Context, rec model.AuditRecord) error {
	if a == nil || a.logger == nil {
		return nil
	}
	level := slog.LevelInfo
	if rec.Kind == model.AuditKindSecurity {
		level = slog.LevelWarn
	}
	attrs := []any{
		"kind", rec.Kind,
		"action", rec.Action,
		"ts", rec.Timestamp,
	}
	if rec.Actor != "" {
		attrs = append(attrs, "actor", rec.Actor)
	}
	if rec.Subject != "" {
		attrs = append(attrs, "subject", rec.Subject)
	}
	if len(rec.Details) > 0 {
		attrs = append(attrs, "details", rec.Details)
	}
	a.logger.Log(ctx, level, "audit", attrs...)
	return nil
}
