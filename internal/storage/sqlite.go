package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT,
			subject TEXT,
			details_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind_action ON audit_log(kind, action)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_name TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			acknowledged_at TEXT,
			acknowledged_by TEXT,
			resolved_at TEXT,
			resolved_by TEXT,
			resolution_note TEXT,
			escalated INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at)`,
		`CREATE TABLE IF NOT EXISTS aggregates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_ts TEXT NOT NULL,
			end_ts TEXT NOT NULL,
			snapshots INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			successes INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			min_latency_ms REAL NOT NULL,
			max_latency_ms REAL NOT NULL,
			avg_latency_ms REAL NOT NULL,
			avg_success_rate REAL NOT NULL,
			peak_sessions INTEGER NOT NULL,
			peak_connections INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aggregates_start ON aggregates(start_ts)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:authmon.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under the audit writer.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect), nil
}
