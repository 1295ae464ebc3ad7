package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrate(t *testing.T) {
	t.Run("creates scheduler tables", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "polar.db"), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{
			"schema_migrations",
			"polar_automation_jobs",
			"polar_run_events",
			"polar_scheduler_processed_events",
			"polar_scheduler_event_ledger",
			"polar_scheduler_retry_events",
			"polar_scheduler_dead_letter_events",
		} {
			var count int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "table %s should exist", table)
		}
	})

	t.Run("records every migration version", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "polar.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		files, err := migrationFiles()
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, len(files), count)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "polar.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("run ledger enforces uniqueness", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "polar.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		insert := `INSERT INTO polar_run_events (source, id, run_id, profile_id, trigger, created_at_ms)
			VALUES ('automation', 'job-1', 'run-1', 'default', 'schedule', 1)`
		_, err = db.Exec(insert)
		require.NoError(t, err)
		_, err = db.Exec(insert)
		require.Error(t, err)
		assert.True(t, IsConstraintViolation(err))
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "polar.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})
}
