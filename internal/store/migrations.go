package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Runs table - one row per train, predict or evaluate attempt
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('train', 'predict', 'evaluate')),
			status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
			engine TEXT NOT NULL DEFAULT '',
			model_path TEXT NOT NULL DEFAULT '',
			descriptor_path TEXT NOT NULL DEFAULT '',
			image_path TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			metrics TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,

		// Run detections table - boxes reported by prediction runs
		`CREATE TABLE IF NOT EXISTS run_detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			class_id INTEGER NOT NULL,
			class_name TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			x1 REAL NOT NULL,
			y1 REAL NOT NULL,
			x2 REAL NOT NULL,
			y2 REAL NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_detections_run_id ON run_detections(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
