package data

import (
	"context"
	"database/sql"
	"fmt"
)

// Bootstrap DDL for the assessment job store. Statements are idempotent so the
// schema can be ensured on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assessment_jobs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued'
			CHECK (status IN ('queued', 'processing', 'completed', 'failed', 'cancelled')),
		payload JSONB NOT NULL,
		result_id UUID,
		error_code TEXT,
		error_message TEXT,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT assessment_jobs_user_id_idempotency_key_key UNIQUE (user_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS assessment_results (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES assessment_jobs(id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('completed', 'failed')),
		analysis JSONB,
		error_code TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT assessment_results_job_id_key UNIQUE (job_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assessment_jobs_status_started
		ON assessment_jobs (status, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_assessment_jobs_status_completed
		ON assessment_jobs (status, completed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_assessment_jobs_user
		ON assessment_jobs (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_assessment_results_user
		ON assessment_results (user_id, created_at)`,
}

// EnsureSchema creates the job store tables and indexes when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
