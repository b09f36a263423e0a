package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// Schema creates the result tables if missing.
const Schema = `
CREATE TABLE IF NOT EXISTS reach_results (
	project_id        TEXT        NOT NULL,
	region            TEXT        NOT NULL,
	identifier        TEXT        NOT NULL,
	state             TEXT        NOT NULL,
	geo_key           TEXT,
	geo_label         TEXT,
	baseline_lower    BIGINT      NOT NULL DEFAULT 0,
	baseline_upper    BIGINT      NOT NULL DEFAULT 0,
	targeted_lower    BIGINT      NOT NULL DEFAULT 0,
	targeted_upper    BIGINT      NOT NULL DEFAULT 0,
	success           BOOLEAN     NOT NULL,
	partial           BOOLEAN     NOT NULL DEFAULT FALSE,
	simplified        BOOLEAN     NOT NULL DEFAULT FALSE,
	noisy_targeting   BOOLEAN     NOT NULL DEFAULT FALSE,
	error_kind        TEXT,
	error_message     TEXT,
	error_code        INTEGER,
	retries           INTEGER     NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (project_id, region, identifier)
);

ALTER TABLE reach_results ADD COLUMN IF NOT EXISTS error_code INTEGER;

CREATE TABLE IF NOT EXISTS reach_runs (
	project_id    TEXT        PRIMARY KEY,
	status        TEXT        NOT NULL,
	success_count INTEGER     NOT NULL,
	error_count   INTEGER     NOT NULL,
	completed_at  TIMESTAMPTZ NOT NULL
);`

const upsertResult = `
INSERT INTO reach_results (
	project_id, region, identifier, state, geo_key, geo_label,
	baseline_lower, baseline_upper, targeted_lower, targeted_upper,
	success, partial, simplified, noisy_targeting, error_kind, error_message, error_code, retries, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (project_id, region, identifier) DO UPDATE SET
	state = EXCLUDED.state,
	geo_key = EXCLUDED.geo_key,
	geo_label = EXCLUDED.geo_label,
	baseline_lower = EXCLUDED.baseline_lower,
	baseline_upper = EXCLUDED.baseline_upper,
	targeted_lower = EXCLUDED.targeted_lower,
	targeted_upper = EXCLUDED.targeted_upper,
	success = EXCLUDED.success,
	partial = EXCLUDED.partial,
	simplified = EXCLUDED.simplified,
	noisy_targeting = EXCLUDED.noisy_targeting,
	error_kind = EXCLUDED.error_kind,
	error_message = EXCLUDED.error_message,
	error_code = EXCLUDED.error_code,
	retries = EXCLUDED.retries,
	updated_at = EXCLUDED.updated_at`

const upsertRun = `
INSERT INTO reach_runs (project_id, status, success_count, error_count, completed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (project_id) DO UPDATE SET
	status = EXCLUDED.status,
	success_count = EXCLUDED.success_count,
	error_count = EXCLUDED.error_count,
	completed_at = EXCLUDED.completed_at`

// PostgresSink writes results to PostgreSQL.
type PostgresSink struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresSink wraps an open database handle.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

// OpenPostgres opens and pings a PostgreSQL database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the result tables.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// PersistResult upserts the result of one unit.
func (s *PostgresSink) PersistResult(ctx context.Context, projectID string, r reach.EstimateResult) error {
	_, err := s.db.ExecContext(ctx, upsertResult,
		projectID,
		r.Unit.Region,
		r.Unit.Identifier,
		string(r.State),
		nullString(r.ResolvedKey.Key),
		nullString(r.ResolvedKey.Label),
		r.BaselineEstimate.LowerBound,
		r.BaselineEstimate.UpperBound,
		r.TargetedEstimate.LowerBound,
		r.TargetedEstimate.UpperBound,
		r.Success,
		r.Partial,
		r.Simplified,
		r.NoisyTargeting,
		nullString(string(r.ErrorKind)),
		nullString(r.ErrorMessage),
		nullInt(r.ErrorCode),
		r.Retries,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("persist result %s: %w", r.Unit.Key(), err)
	}
	return nil
}

// MarkRunComplete records the final counters of a run.
func (s *PostgresSink) MarkRunComplete(ctx context.Context, projectID string, successCount, errorCount int) error {
	if _, err := s.db.ExecContext(ctx, upsertRun, projectID, "completed", successCount, errorCount, s.now().UTC()); err != nil {
		return fmt.Errorf("mark run complete: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
