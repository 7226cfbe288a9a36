package store

import (
	"database/sql"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/models"
)

func (s *Store) CreateWave(w models.HarvestWave) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO harvest_waves (cycle_id, name, kind, window_start, window_end, target_org_m2, status, sort_order, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.CycleID, w.Name, w.Kind, w.WindowStart, w.WindowEnd, w.TargetOrgM2, models.WavePlanned, w.Order, w.Notes)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) GetWave(waveID int64) (*models.HarvestWave, error) {
	row := s.db.QueryRow(`
		SELECT wave_id, cycle_id, name, kind, window_start, window_end, target_org_m2, status, sort_order, notes, created_at
		FROM harvest_waves WHERE wave_id = ?
	`, waveID)

	var w models.HarvestWave
	err := row.Scan(&w.ID, &w.CycleID, &w.Name, &w.Kind, &w.WindowStart, &w.WindowEnd, &w.TargetOrgM2, &w.Status, &w.Order, &w.Notes, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) GetWaves(cycleID int64) ([]models.HarvestWave, error) {
	rows, err := s.db.Query(`
		SELECT wave_id, cycle_id, name, kind, window_start, window_end, target_org_m2, status, sort_order, notes, created_at
		FROM harvest_waves WHERE cycle_id = ?
		ORDER BY sort_order ASC, created_at ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waves []models.HarvestWave
	for rows.Next() {
		var w models.HarvestWave
		if err := rows.Scan(&w.ID, &w.CycleID, &w.Name, &w.Kind, &w.WindowStart, &w.WindowEnd, &w.TargetOrgM2, &w.Status, &w.Order, &w.Notes, &w.CreatedAt); err != nil {
			return nil, err
		}
		waves = append(waves, w)
	}
	return waves, rows.Err()
}

func (s *Store) CreateHarvestLine(l models.HarvestLine) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO harvest_lines (wave_id, pond_id, status, harvest_date, notes)
		VALUES (?, ?, ?, ?, ?)
	`, l.WaveID, l.PondID, models.LinePending, l.HarvestDate, l.Notes)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) GetHarvestLine(lineID int64) (*models.HarvestLine, error) {
	row := s.db.QueryRow(`
		SELECT harvest_line_id, wave_id, pond_id, status, harvest_date, avg_weight_g, biomass_kg, removal_org_m2, notes, created_at
		FROM harvest_lines WHERE harvest_line_id = ?
	`, lineID)
	return scanHarvestLine(row)
}

func (s *Store) GetWaveLines(waveID int64) ([]models.HarvestLine, error) {
	rows, err := s.db.Query(`
		SELECT harvest_line_id, wave_id, pond_id, status, harvest_date, avg_weight_g, biomass_kg, removal_org_m2, notes, created_at
		FROM harvest_lines WHERE wave_id = ?
		ORDER BY harvest_line_id ASC
	`, waveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHarvestLines(rows)
}

// GetPendingHarvests returns pending lines across all waves of a cycle with
// their wave's planned removal target, ordered by scheduled date. The
// reconciliation engine derives future survival step-downs from these.
type PendingHarvest struct {
	Line        models.HarvestLine
	WaveKind    string
	TargetOrgM2 sql.NullFloat64
}

func (s *Store) GetPendingHarvests(cycleID int64) ([]PendingHarvest, error) {
	rows, err := s.db.Query(`
		SELECT hl.harvest_line_id, hl.wave_id, hl.pond_id, hl.status, hl.harvest_date,
		       hl.avg_weight_g, hl.biomass_kg, hl.removal_org_m2, hl.notes, hl.created_at,
		       hw.kind, hw.target_org_m2
		FROM harvest_lines hl
		JOIN harvest_waves hw ON hl.wave_id = hw.wave_id
		WHERE hw.cycle_id = ? AND hl.status = 'pending' AND hw.status != 'cancelled'
		ORDER BY hl.harvest_date ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingHarvest
	for rows.Next() {
		var p PendingHarvest
		if err := rows.Scan(&p.Line.ID, &p.Line.WaveID, &p.Line.PondID, &p.Line.Status, &p.Line.HarvestDate,
			&p.Line.AvgWeightG, &p.Line.BiomassKg, &p.Line.RemovalOrgM2, &p.Line.Notes, &p.Line.CreatedAt,
			&p.WaveKind, &p.TargetOrgM2); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *Store) GetConfirmedHarvests(cycleID int64) ([]models.HarvestLine, error) {
	rows, err := s.db.Query(`
		SELECT hl.harvest_line_id, hl.wave_id, hl.pond_id, hl.status, hl.harvest_date,
		       hl.avg_weight_g, hl.biomass_kg, hl.removal_org_m2, hl.notes, hl.created_at
		FROM harvest_lines hl
		JOIN harvest_waves hw ON hl.wave_id = hw.wave_id
		WHERE hw.cycle_id = ? AND hl.status = 'confirmed'
		ORDER BY hl.harvest_date ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHarvestLines(rows)
}

// ConfirmHarvestLine writes the derived quantities, flips the line to
// confirmed and bumps the pond's cumulative removed density in one
// transaction. The status guard makes concurrent confirmations of the same
// line resolve to exactly one winner.
func (s *Store) ConfirmHarvestLine(lineID, pondID int64, avgWeightG, biomassKg, removalOrgM2 float64, notes sql.NullString) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE harvest_lines
		SET status = 'confirmed', avg_weight_g = ?, biomass_kg = ?, removal_org_m2 = ?,
		    notes = COALESCE(?, notes)
		WHERE harvest_line_id = ? AND status = 'pending'
	`, avgWeightG, biomassKg, removalOrgM2, notes, lineID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := s.AddRemovedDensity(tx, pondID, removalOrgM2); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ReprogramHarvestLine moves a pending line's scheduled date and flags the
// owning wave as rescheduled if it was still on plan. One-way transition.
func (s *Store) ReprogramHarvestLine(lineID int64, newDate time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE harvest_lines SET harvest_date = ?
		WHERE harvest_line_id = ? AND status = 'pending'
	`, newDate, lineID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`
		UPDATE harvest_waves SET status = 'rescheduled'
		WHERE wave_id = (SELECT wave_id FROM harvest_lines WHERE harvest_line_id = ?)
		  AND status = 'planned'
	`, lineID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// CancelWave cancels the wave and every pending line within it. Confirmed
// lines are untouched. Returns the number of lines cancelled.
func (s *Store) CancelWave(waveID int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE harvest_lines SET status = 'cancelled'
		WHERE wave_id = ? AND status = 'pending'
	`, waveID)
	if err != nil {
		return 0, err
	}
	cancelled, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		UPDATE harvest_waves SET status = 'cancelled' WHERE wave_id = ?
	`, waveID); err != nil {
		return 0, err
	}

	return cancelled, tx.Commit()
}

func (s *Store) GetWaveStats(waveID int64) (*models.WaveStats, error) {
	var stats models.WaveStats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'confirmed' THEN biomass_kg ELSE 0 END), 0)
		FROM harvest_lines WHERE wave_id = ?
	`, waveID).Scan(&stats.TotalLines, &stats.PendingLines, &stats.ConfirmedLines, &stats.CancelledLines, &stats.ConfirmedBiomassKg)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func scanHarvestLine(row *sql.Row) (*models.HarvestLine, error) {
	var l models.HarvestLine
	err := row.Scan(&l.ID, &l.WaveID, &l.PondID, &l.Status, &l.HarvestDate, &l.AvgWeightG, &l.BiomassKg, &l.RemovalOrgM2, &l.Notes, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func collectHarvestLines(rows *sql.Rows) ([]models.HarvestLine, error) {
	var lines []models.HarvestLine
	for rows.Next() {
		var l models.HarvestLine
		if err := rows.Scan(&l.ID, &l.WaveID, &l.PondID, &l.Status, &l.HarvestDate, &l.AvgWeightG, &l.BiomassKg, &l.RemovalOrgM2, &l.Notes, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
