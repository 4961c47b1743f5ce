package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"authmon/internal/config"
	"authmon/internal/model"
)

func newSQLiteForTest(t *testing.T) *sqlStore {
	t.Helper()
	st, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return st.(*sqlStore)
}

func countRows(t *testing.T, s *sqlStore, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestSQLiteSavesAuditAndAggregates(t *testing.T) {
	s := newSQLiteForTest(t)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := model.AuditRecord{
		Timestamp: now,
		Kind:      model.AuditKindSecurity,
		Action:    "authentication_failed",
		Subject:   "alice",
		Details:   map[string]string{"error_code": "bad_password"},
	}
	if err := s.SaveAudit(ctx, rec); err != nil {
		t.Fatalf("save audit: %v", err)
	}
	w := model.AggregatedWindow{Start: now.Add(-5 * time.Minute), End: now, Snapshots: 10, Attempts: 40, Successes: 38, Failures: 2}
	if err := s.SaveAggregate(ctx, w); err != nil {
		t.Fatalf("save aggregate: %v", err)
	}
	if countRows(t, s, "audit_log") != 1 || countRows(t, s, "aggregates") != 1 {
		t.Fatalf("rows not written")
	}
	var details string
	if err := s.db.QueryRow("SELECT details_json FROM audit_log").Scan(&details); err != nil {
		t.Fatalf("read details: %v", err)
	}
	if !strings.Contains(details, "bad_password") {
		t.Fatalf("details: %s", details)
	}
}

func TestSQLiteAlertUpsert(t *testing.T) {
	s := newSQLiteForTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := model.Alert{
		ID:          "a-1",
		RuleName:    "critical_auth_failure_rate",
		Category:    model.CategoryAuthentication,
		Severity:    model.SeverityCritical,
		Status:      model.AlertActive,
		Message:     "failure rate 80%",
		TriggeredAt: now,
	}
	if err := s.SaveAlert(ctx, a); err != nil {
		t.Fatalf("save alert: %v", err)
	}
	resolved := now.Add(time.Minute)
	a.Status = model.AlertResolved
	a.ResolvedAt = &resolved
	a.ResolvedBy = "oncall"
	if err := s.SaveAlert(ctx, a); err != nil {
		t.Fatalf("update alert: %v", err)
	}
	if countRows(t, s, "alerts") != 1 {
		t.Fatalf("upsert created a second row")
	}
	var status, by string
	if err := s.db.QueryRow("SELECT status, resolved_by FROM alerts WHERE id = ?", "a-1").Scan(&status, &by); err != nil {
		t.Fatalf("read alert: %v", err)
	}
	if status != "resolved" || by != "oncall" {
		t.Fatalf("alert row: %s %s", status, by)
	}
}

func TestNewStore(t *testing.T) {
	st, err := NewStore(config.StorageConfig{Enabled: false})
	if err != nil || st != nil {
		t.Fatalf("disabled storage should return nil, nil")
	}
	if _, err := NewStore(config.StorageConfig{Enabled: true, Driver: "mongo"}); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected unsupported driver, got %v", err)
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	if got := postgresDialect.placeholders(3); got != "$1, $2, $3" {
		t.Fatalf("placeholders: %s", got)
	}
	if got := sqliteDialect.placeholders(2); got != "?, ?" {
		t.Fatalf("placeholders: %s", got)
	}
	s := newSQLStore(nil, postgresDialect)
	if !strings.Contains(s.upsertAlert, "$15") {
		t.Fatalf("upsert should bind 15 parameters: %s", s.upsertAlert)
	}
}
