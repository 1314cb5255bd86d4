package store

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Aligned values and training runs",
		SQL: `
CREATE TABLE IF NOT EXISTS aligned_values (
    date TEXT NOT NULL,
    region TEXT NOT NULL,
    metric TEXT NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (date, region, metric)
);

CREATE INDEX IF NOT EXISTS idx_aligned_date_region ON aligned_values(date, region);

CREATE TABLE IF NOT EXISTS training_runs (
    run_id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    target TEXT NOT NULL,
    horizons TEXT,
    regions INTEGER,
    failures INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs(started_at);
`,
	},
	{
		Version:     2,
		Description: "Forecast, evaluation and risk outputs",
		SQL: `
CREATE TABLE IF NOT EXISTS forecasts (
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    region TEXT NOT NULL,
    horizon_days INTEGER NOT NULL,
    step INTEGER NOT NULL,
    date TEXT NOT NULL,
    value REAL NOT NULL,
    lower REAL,
    upper REAL,
    PRIMARY KEY (run_id, model, region, horizon_days, step)
);

CREATE TABLE IF NOT EXISTS evaluations (
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    region TEXT NOT NULL,
    horizon_days INTEGER NOT NULL,
    step INTEGER NOT NULL,
    mae REAL,
    rmse REAL,
    mape REAL,
    crps REAL,
    PRIMARY KEY (run_id, model, region, horizon_days, step)
);

CREATE TABLE IF NOT EXISTS risk_assessments (
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    region TEXT NOT NULL,
    horizon_days INTEGER NOT NULL,
    max_forecast REAL,
    historical_avg REAL,
    historical_std REAL,
    outbreak_threshold REAL,
    risk_probability REAL NOT NULL,
    risk_level TEXT NOT NULL,
    assessed_at DATETIME NOT NULL,
    PRIMARY KEY (run_id, model, region, horizon_days)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_horizon ON forecasts(horizon_days, run_id);
CREATE INDEX IF NOT EXISTS idx_risk_horizon ON risk_assessments(horizon_days, run_id);
`,
	},
	{
		Version:     3,
		Description: "Per-region training failures",
		SQL: `
CREATE TABLE IF NOT EXISTS training_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    region TEXT NOT NULL,
    stage TEXT NOT NULL,
    reason TEXT NOT NULL,
    message TEXT,
    recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_training_failures_run ON training_failures(run_id);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.clock.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
