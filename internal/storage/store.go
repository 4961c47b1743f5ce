// Package storage archives audit records, alert lifecycle changes and
// aggregation windows to SQL. It is write-only; nothing reads state back.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"authmon/internal/config"
	"authmon/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	SaveAudit(ctx context.Context, rec model.AuditRecord) error
	SaveAlert(ctx context.Context, alert model.Alert) error
	SaveAggregate(ctx context.Context, w model.AggregatedWindow) error
}

// NewStore opens the configured driver. It returns nil, nil when storage is
// disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect carries what differs between drivers: schema DDL and the
// placeholder syntax.
type dialect struct {
	name        string
	schema      []string
	placeholder func(n int) string
}

func (d dialect) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

type sqlStore struct {
	db *sql.DB
	d  dialect

	insertAudit     string
	upsertAlert     string
	insertAggregate string
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{
		db: db,
		d:  d,
		insertAudit: `INSERT INTO audit_log (ts, kind, action, actor, subject, details_json)
			VALUES (` + d.placeholders(6) + `)`,
		upsertAlert: `INSERT INTO alerts (id, rule_name, category, severity, status, message, triggered_at,
			acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_note, escalated, metadata_json, updated_at)
			VALUES (` + d.placeholders(15) + `)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				acknowledged_at = excluded.acknowledged_at,
				acknowledged_by = excluded.acknowledged_by,
				resolved_at = excluded.resolved_at,
				resolved_by = excluded.resolved_by,
				resolution_note = excluded.resolution_note,
				escalated = excluded.escalated,
				updated_at = excluded.updated_at`,
		insertAggregate: `INSERT INTO aggregates (start_ts, end_ts, snapshots, attempts, successes, failures,
			min_latency_ms, max_latency_ms, avg_latency_ms, avg_success_rate, peak_sessions, peak_connections)
			VALUES (` + d.placeholders(12) + `)`,
	}
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) SaveAudit(ctx context.Context, rec model.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, s.insertAudit,
		rec.Timestamp.UTC(),
		string(rec.Kind),
		rec.Action,
		rec.Actor,
		rec.Subject,
		encodeJSON(rec.Details),
	)
	return err
}

func (s *sqlStore) SaveAlert(ctx context.Context, a model.Alert) error {
	_, err := s.db.ExecContext(ctx, s.upsertAlert,
		a.ID,
		a.RuleName,
		string(a.Category),
		string(a.Severity),
		string(a.Status),
		a.Message,
		a.TriggeredAt.UTC(),
		nullTime(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullTime(a.ResolvedAt),
		a.ResolvedBy,
		a.ResolutionNote,
		a.Escalated,
		encodeJSON(a.Metadata),
		nowUTC(),
	)
	return err
}

func (s *sqlStore) SaveAggregate(ctx context.Context, w model.AggregatedWindow) error {
	_, err := s.db.ExecContext(ctx, s.insertAggregate,
		w.Start.UTC(),
		w.End.UTC(),
		w.Snapshots,
		w.Attempts,
		w.Successes,
		w.Failures,
		w.MinLatency,
		w.MaxLatency,
		w.AvgLatency,
		w.AvgSuccessRate,
		w.PeakSessions,
		w.PeakConnections,
	)
	return err
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
