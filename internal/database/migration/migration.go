// Package migration bootstraps the PostgreSQL schema on startup.
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type migrationStep struct {
	Name string
	SQL  string
}

// sentinelTable is created last; its presence means every step ran.
const sentinelTable = "public.job_history"

var steps = []migrationStep{
	{
		Name: "create_table_accounts",
		SQL: `CREATE TABLE IF NOT EXISTS accounts (
  user_id      TEXT        PRIMARY KEY,
  has_access   BOOLEAN     NOT NULL DEFAULT false,
  stored_bytes BIGINT      NOT NULL DEFAULT 0 CHECK (stored_bytes >= 0),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_table_job_history",
		SQL: `CREATE TABLE IF NOT EXISTS job_history (
  job_id          UUID        PRIMARY KEY,
  user_id         TEXT        NOT NULL,
  filename        TEXT        NOT NULL,
  original_size   BIGINT      NOT NULL CHECK (original_size >= 0),
  optimized_size  BIGINT      NOT NULL CHECK (optimized_size >= 0),
  faces_before    INTEGER     NOT NULL,
  faces_after     INTEGER     NOT NULL,
  vertices_before INTEGER     NOT NULL,
  vertices_after  INTEGER     NOT NULL,
  settings        JSONB       NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at      TIMESTAMPTZ NOT NULL
);`,
	},
	{
		Name: "create_index_job_history_user_created",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_job_history_user_created ON job_history (user_id, created_at DESC);`,
	},
}

// EnsureMigrated runs every step unless the sentinel table already exists.
// Steps are idempotent, so a partially applied schema is completed on the
// next start.
func EnsureMigrated(ctx context.Context, db *sql.DB, log *zap.Logger, dbHost string) error {
	start := time.Now()
	log = log.With(zap.String("component", "database"), zap.String("db_host", dbHost))

	log.Info("migration check", zap.String("event", "db_migration_check"), zap.String("status", "starting"))

	var exists bool
	query := "SELECT to_regclass('" + sentinelTable + "') IS NOT NULL"
	if err := db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
		log.Error("migration failed",
			zap.String("event", "db_migration_failed"),
			zap.String("status", "error"),
			zap.Error(err),
			zap.Duration("duration_ms", time.Since(start)),
		)
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}

	if exists {
		log.Info("schema already exists, skipping migration",
			zap.String("event", "db_migration_skip"),
			zap.String("status", "success"),
			zap.Duration("duration_ms", time.Since(start)),
		)
		return nil
	}

	log.Info("migration start", zap.String("event", "db_migration_start"), zap.String("status", "in_progress"))

	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			log.Error("migration failed",
				zap.String("event", "db_migration_failed"),
				zap.String("status", "error"),
				zap.String("migration_step", step.Name),
				zap.Error(err),
				zap.Duration("duration_ms", time.Since(start)),
				zap.Duration("step_duration_ms", time.Since(stepStart)),
			)
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}

		log.Info("migration step",
			zap.String("event", "db_migration_step"),
			zap.String("status", "success"),
			zap.String("migration_step", step.Name),
			zap.Duration("step_duration_ms", time.Since(stepStart)),
		)
	}

	log.Info("migration finished",
		zap.String("event", "db_migration_success"),
		zap.String("status", "success"),
		zap.Duration("duration_ms", time.Since(start)),
	)
	return nil
}
