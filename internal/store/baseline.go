package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/models"
)

// GetBaseline returns the live operational survival record for (cycle, pond),
// or nil if none has been initialized yet.
func (s *Store) GetBaseline(cycleID, pondID int64) (*models.SurvivalBaseline, error) {
	row := s.db.QueryRow(`
		SELECT cycle_id, pond_id, value_pct, source, version, updated_at
		FROM survival_baselines WHERE cycle_id = ? AND pond_id = ?
	`, cycleID, pondID)

	var b models.SurvivalBaseline
	err := row.Scan(&b.CycleID, &b.PondID, &b.ValuePct, &b.Source, &b.Version, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InitBaseline seeds the baseline for a pond entering a cycle. It is a no-op
// if a baseline already exists: the audited SetBaseline path owns all later
// mutations.
func (s *Store) InitBaseline(cycleID, pondID int64, valuePct float64) error {
	_, err := s.db.Exec(`
		INSERT INTO survival_baselines (cycle_id, pond_id, value_pct, source, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(cycle_id, pond_id) DO NOTHING
	`, cycleID, pondID, valuePct, models.BaselineDefault, time.Now().UTC())
	return err
}

// SetBaseline appends a change-log row and writes the new value. The update is
// guarded by a compare-and-swap on the baseline's version counter: a concurrent
// writer that committed first makes this call fail with fault.Conflict, never
// silently lose the update. A pond without a stored baseline starts at the
// implicit 100%, so the call only rejects out-of-range values.
func (s *Store) SetBaseline(cycleID, pondID int64, newValue float64, source, reason, actor string) (*models.SurvivalBaseline, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	baseline, err := s.setBaselineTx(tx, cycleID, pondID, newValue, source, reason, actor)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return baseline, nil
}

func (s *Store) setBaselineTx(tx *sql.Tx, cycleID, pondID int64, newValue float64, source, reason, actor string) (*models.SurvivalBaseline, error) {
	if newValue < 0 || newValue > 100 {
		return nil, fault.New(fault.InvalidInput, "survival must be between 0 and 100, got %.2f", newValue)
	}

	oldValue := 100.0
	var version int64
	var current models.SurvivalBaseline
	err := tx.QueryRow(`
		SELECT value_pct, version FROM survival_baselines
		WHERE cycle_id = ? AND pond_id = ?
	`, cycleID, pondID).Scan(&current.ValuePct, &current.Version)
	exists := err != sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if exists {
		oldValue = current.ValuePct
		version = current.Version
	}

	now := time.Now().UTC()
	var reasonVal sql.NullString
	if reason != "" {
		reasonVal = sql.NullString{String: reason, Valid: true}
	}

	// The audit row and the baseline write commit or roll back together.
	if _, err := tx.Exec(`
		INSERT INTO survival_change_log (cycle_id, pond_id, old_pct, new_pct, source, reason, actor, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cycleID, pondID, oldValue, newValue, source, reasonVal, actor, now); err != nil {
		return nil, fmt.Errorf("append change log: %w", err)
	}

	var result sql.Result
	if exists {
		result, err = tx.Exec(`
			UPDATE survival_baselines
			SET value_pct = ?, source = ?, version = version + 1, updated_at = ?
			WHERE cycle_id = ? AND pond_id = ? AND version = ?
		`, newValue, source, now, cycleID, pondID, version)
	} else {
		result, err = tx.Exec(`
			INSERT INTO survival_baselines (cycle_id, pond_id, value_pct, source, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(cycle_id, pond_id) DO NOTHING
		`, cycleID, pondID, newValue, source, now)
	}
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fault.New(fault.Conflict, "concurrent baseline update for cycle %d pond %d", cycleID, pondID)
	}

	return &models.SurvivalBaseline{
		CycleID:   cycleID,
		PondID:    pondID,
		ValuePct:  newValue,
		Source:    source,
		Version:   version + 1,
		UpdatedAt: now,
	}, nil
}

// GetChangeLog returns the audit trail for (cycle, pond), oldest first.
func (s *Store) GetChangeLog(cycleID, pondID int64) ([]models.SurvivalChange, error) {
	rows, err := s.db.Query(`
		SELECT change_id, cycle_id, pond_id, old_pct, new_pct, source, reason, actor, changed_at
		FROM survival_change_log
		WHERE cycle_id = ? AND pond_id = ?
		ORDER BY change_id ASC
	`, cycleID, pondID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []models.SurvivalChange
	for rows.Next() {
		var c models.SurvivalChange
		if err := rows.Scan(&c.ID, &c.CycleID, &c.PondID, &c.OldPct, &c.NewPct, &c.Source, &c.Reason, &c.Actor, &c.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
