package storage

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT,
			subject TEXT,
			details_json JSONB
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
			triggered_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT,
			resolution_note TEXT,
			escalated BOOLEAN NOT NULL DEFAULT FALSE,
			metadata_json JSONB,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at)`,
		`CREATE TABLE IF NOT EXISTS aggregates (
			id BIGSERIAL PRIMARY KEY,
			start_ts TIMESTAMPTZ NOT NULL,
			end_ts TIMESTAMPTZ NOT NULL,
			snapshots INTEGER NOT NULL,
			attempts BIGINT NOT NULL,
			successes BIGINT NOT NULL,
			failures BIGINT NOT NULL,
			min_latency_ms DOUBLE PRECISION NOT NULL,
			max_latency_ms DOUBLE PRECISION NOT NULL,
			avg_latency_ms DOUBLE PRECISION NOT NULL,
			avg_success_rate DOUBLE PRECISION NOT NULL,
			peak_sessions BIGINT NOT NULL,
			peak_connections BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aggregates_start ON aggregates(start_ts)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/authmon?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, postgresDialect), nil
}
