package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS cycles (
    cycle_id INTEGER PRIMARY KEY AUTOINCREMENT,
    farm_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    start_date DATE NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    current_version_id INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ponds (
    pond_id INTEGER PRIMARY KEY AUTOINCREMENT,
    farm_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    area_m2 REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'inactive',
    valid BOOLEAN NOT NULL DEFAULT TRUE,
    removed_org_m2 REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS seedings (
    seeding_id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id INTEGER NOT NULL REFERENCES cycles(cycle_id),
    pond_id INTEGER NOT NULL REFERENCES ponds(pond_id),
    seeded_at DATE NOT NULL,
    base_density_org_m2 REAL NOT NULL,
    initial_size_g REAL NOT NULL,
    confirmed BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE(cycle_id, pond_id)
);

CREATE TABLE IF NOT EXISTS forecast_versions (
    version_id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id INTEGER NOT NULL REFERENCES cycles(cycle_id),
    version TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    is_current BOOLEAN NOT NULL DEFAULT FALSE,
    published_at DATETIME,
    source_type TEXT NOT NULL,
    parent_version_id INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS forecast_lines (
    line_id INTEGER PRIMARY KEY AUTOINCREMENT,
    version_id INTEGER NOT NULL REFERENCES forecast_versions(version_id),
    age_days INTEGER NOT NULL,
    week_idx INTEGER NOT NULL,
    plan_date DATE NOT NULL,
    avg_weight_g REAL NOT NULL,
    weekly_gain_g REAL,
    survival_pct REAL NOT NULL,
    harvest_flag BOOLEAN NOT NULL DEFAULT FALSE,
    removal_org_m2 REAL,
    UNIQUE(version_id, week_idx)
);

CREATE TABLE IF NOT EXISTS survival_baselines (
    cycle_id INTEGER NOT NULL,
    pond_id INTEGER NOT NULL,
    value_pct REAL NOT NULL,
    source TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (cycle_id, pond_id)
);

CREATE TABLE IF NOT EXISTS survival_change_log (
    change_id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id INTEGER NOT NULL,
    pond_id INTEGER NOT NULL,
    old_pct REAL NOT NULL,
    new_pct REAL NOT NULL,
    source TEXT NOT NULL,
    reason TEXT,
    actor TEXT NOT NULL,
    changed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS biometry_samples (
    sample_id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id INTEGER NOT NULL REFERENCES cycles(cycle_id),
    pond_id INTEGER NOT NULL REFERENCES ponds(pond_id),
    sampled_at DATETIME NOT NULL,
    sample_size INTEGER NOT NULL,
    sample_weight_g REAL NOT NULL,
    avg_weight_g REAL NOT NULL,
    survival_pct REAL NOT NULL,
    weekly_gain_g REAL,
    updates_baseline BOOLEAN NOT NULL DEFAULT FALSE,
    source TEXT,
    notes TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS harvest_waves (
    wave_id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id INTEGER NOT NULL REFERENCES cycles(cycle_id),
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    window_start DATE NOT NULL,
    window_end DATE NOT NULL,
    target_org_m2 REAL,
    status TEXT NOT NULL DEFAULT 'planned',
    sort_order INTEGER,
    notes TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS harvest_lines (
    harvest_line_id INTEGER PRIMARY KEY AUTOINCREMENT,
    wave_id INTEGER NOT NULL REFERENCES harvest_waves(wave_id),
    pond_id INTEGER NOT NULL REFERENCES ponds(pond_id),
    status TEXT NOT NULL DEFAULT 'pending',
    harvest_date DATE NOT NULL,
    avg_weight_g REAL,
    biomass_kg REAL,
    removal_org_m2 REAL,
    notes TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_versions_cycle ON forecast_versions(cycle_id, created_at);
CREATE INDEX IF NOT EXISTS idx_lines_version ON forecast_lines(version_id, week_idx);
CREATE INDEX IF NOT EXISTS idx_samples_pond ON biometry_samples(cycle_id, pond_id, sampled_at);
CREATE INDEX IF NOT EXISTS idx_hlines_wave ON harvest_lines(wave_id);
CREATE INDEX IF NOT EXISTS idx_sob_log ON survival_change_log(cycle_id, pond_id, changed_at);
`,
	},
	{
		Version:     2,
		Description: "Add reconcile_runs audit table",
		SQL: `
CREATE TABLE IF NOT EXISTS reconcile_runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    cycle_id INTEGER NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    lines_written INTEGER,
    superseded BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_cycle ON reconcile_runs(cycle_id, started_at);
`,
	},
	{
		Version:     3,
		Description: "Enforce one current published version per cycle",
		SQL: `
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_current
ON forecast_versions(cycle_id) WHERE is_current = TRUE;
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

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

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
			m.Version, m.Description, time.Now().UTC(),
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
