package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/models"
)

// CreateVersion inserts a draft version together with its full line set in a
// single transaction. A draft is an independent copy of lines, never a diff.
// Fails with fault.Conflict if the cycle already has a draft.
func (s *Store) CreateVersion(v models.ForecastVersion, lines []models.ForecastLine) (*models.ForecastVersion, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM forecast_versions WHERE cycle_id = ? AND status = 'draft'
	`, v.CycleID).Scan(&existing); err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fault.New(fault.Conflict, "cycle %d already has a draft version", v.CycleID)
	}

	now := time.Now().UTC()
	result, err := tx.Exec(`
		INSERT INTO forecast_versions (cycle_id, version, status, is_current, source_type, parent_version_id, created_at)
		VALUES (?, ?, 'draft', FALSE, ?, ?, ?)
	`, v.CycleID, v.Version, v.SourceType, v.ParentVersionID, now)
	if err != nil {
		return nil, err
	}
	versionID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := insertLines(tx, versionID, lines); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	v.ID = versionID
	v.Status = models.VersionDraft
	v.CreatedAt = now
	return &v, nil
}

func insertLines(tx *sql.Tx, versionID int64, lines []models.ForecastLine) error {
	stmt, err := tx.Prepare(`
		INSERT INTO forecast_lines (version_id, age_days, week_idx, plan_date, avg_weight_g, weekly_gain_g, survival_pct, harvest_flag, removal_org_m2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range lines {
		if _, err := stmt.Exec(versionID, l.AgeDays, l.WeekIdx, l.PlanDate, l.AvgWeightG, l.WeeklyGainG, l.SurvivalPct, l.HarvestFlag, l.RemovalOrgM2); err != nil {
			return fmt.Errorf("insert line week %d: %w", l.WeekIdx, err)
		}
	}
	return nil
}

// PublishVersion atomically demotes the current version (if any), promotes
// the draft and re-syncs the cycle's denormalized current pointer. The
// status guard on the promoting UPDATE gives concurrent publishes exactly
// one winner; the loser gets fault.Conflict.
func (s *Store) PublishVersion(versionID int64) (*models.ForecastVersion, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cycleID int64
	err = tx.QueryRow(`SELECT cycle_id FROM forecast_versions WHERE version_id = ?`, versionID).Scan(&cycleID)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.InvalidInput, "forecast version %d not found", versionID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE forecast_versions SET is_current = FALSE
		WHERE cycle_id = ? AND is_current = TRUE
	`, cycleID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := tx.Exec(`
		UPDATE forecast_versions
		SET status = 'published', is_current = TRUE, published_at = ?
		WHERE version_id = ? AND status = 'draft'
	`, now, versionID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fault.New(fault.Conflict, "version %d is not a draft; concurrent publish or wrong state", versionID)
	}

	if _, err := tx.Exec(`
		UPDATE cycles SET current_version_id = ? WHERE cycle_id = ?
	`, versionID, cycleID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetVersion(versionID)
}

// CancelVersion retires a draft. Published versions are never cancellable
// through this path.
func (s *Store) CancelVersion(versionID int64) (*models.ForecastVersion, error) {
	result, err := s.db.Exec(`
		UPDATE forecast_versions SET status = 'cancelled'
		WHERE version_id = ? AND status = 'draft'
	`, versionID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fault.New(fault.InvalidState, "version %d is not a draft", versionID)
	}
	return s.GetVersion(versionID)
}

func (s *Store) GetVersion(versionID int64) (*models.ForecastVersion, error) {
	row := s.db.QueryRow(`
		SELECT version_id, cycle_id, version, status, is_current, published_at, source_type, parent_version_id, created_at
		FROM forecast_versions WHERE version_id = ?
	`, versionID)
	return scanVersion(row)
}

// GetCurrentVersion is an O(1) lookup through the cycle's denormalized
// pointer, re-synchronized transactionally by PublishVersion.
func (s *Store) GetCurrentVersion(cycleID int64) (*models.ForecastVersion, error) {
	row := s.db.QueryRow(`
		SELECT v.version_id, v.cycle_id, v.version, v.status, v.is_current, v.published_at, v.source_type, v.parent_version_id, v.created_at
		FROM cycles c
		JOIN forecast_versions v ON v.version_id = c.current_version_id
		WHERE c.cycle_id = ?
	`, cycleID)
	return scanVersion(row)
}

func (s *Store) GetDraftVersion(cycleID int64) (*models.ForecastVersion, error) {
	row := s.db.QueryRow(`
		SELECT version_id, cycle_id, version, status, is_current, published_at, source_type, parent_version_id, created_at
		FROM forecast_versions WHERE cycle_id = ? AND status = 'draft'
	`, cycleID)
	return scanVersion(row)
}

func (s *Store) ListVersions(cycleID int64, includeCancelled bool) ([]models.ForecastVersion, error) {
	query := `
		SELECT version_id, cycle_id, version, status, is_current, published_at, source_type, parent_version_id, created_at
		FROM forecast_versions WHERE cycle_id = ?
	`
	if !includeCancelled {
		query += ` AND status != 'cancelled'`
	}
	query += ` ORDER BY created_at DESC, version_id DESC`

	rows, err := s.db.Query(query, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.ForecastVersion
	for rows.Next() {
		var v models.ForecastVersion
		if err := rows.Scan(&v.ID, &v.CycleID, &v.Version, &v.Status, &v.IsCurrent, &v.PublishedAt, &v.SourceType, &v.ParentVersionID, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) GetLines(versionID int64) ([]models.ForecastLine, error) {
	rows, err := s.db.Query(`
		SELECT line_id, version_id, age_days, week_idx, plan_date, avg_weight_g, weekly_gain_g, survival_pct, harvest_flag, removal_org_m2
		FROM forecast_lines WHERE version_id = ?
		ORDER BY week_idx ASC
	`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.ForecastLine
	for rows.Next() {
		var l models.ForecastLine
		if err := rows.Scan(&l.ID, &l.VersionID, &l.AgeDays, &l.WeekIdx, &l.PlanDate, &l.AvgWeightG, &l.WeeklyGainG, &l.SurvivalPct, &l.HarvestFlag, &l.RemovalOrgM2); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanVersion(row *sql.Row) (*models.ForecastVersion, error) {
	var v models.ForecastVersion
	err := row.Scan(&v.ID, &v.CycleID, &v.Version, &v.Status, &v.IsCurrent, &v.PublishedAt, &v.SourceType, &v.ParentVersionID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ReplaceLinesFrom swaps a draft's lines from cutoffWeek onward for the
// recomputed set. The delete and the inserts share one transaction: the
// previous draft state survives any failure intact.
func (s *Store) ReplaceLinesFrom(versionID int64, cutoffWeek int, lines []models.ForecastLine) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM forecast_versions WHERE version_id = ?`, versionID).Scan(&status)
	if err == sql.ErrNoRows {
		return fault.New(fault.InvalidInput, "forecast version %d not found", versionID)
	}
	if err != nil {
		return err
	}
	if status != models.VersionDraft {
		return fault.New(fault.InvalidState, "version %d is %s; only drafts are recomputed", versionID, status)
	}

	if _, err := tx.Exec(`
		DELETE FROM forecast_lines WHERE version_id = ? AND week_idx >= ?
	`, versionID, cutoffWeek); err != nil {
		return err
	}

	if err := insertLines(tx, versionID, lines); err != nil {
		return err
	}

	return tx.Commit()
}

// SetLineHarvestActual stamps a confirmed removal onto one week of a draft,
// marking the week as a harvest week. Published versions are immutable.
func (s *Store) SetLineHarvestActual(versionID int64, weekIdx int, removalOrgM2 float64) error {
	_, err := s.db.Exec(`
		UPDATE forecast_lines
		SET harvest_flag = TRUE, removal_org_m2 = ?
		WHERE version_id = ? AND week_idx = ?
		  AND version_id IN (SELECT version_id FROM forecast_versions WHERE status = ?)
	`, removalOrgM2, versionID, weekIdx, models.VersionDraft)
	return err
}
