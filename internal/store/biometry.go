package store

import (
	"database/sql"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/models"
)

func (s *Store) InsertBiometrySample(b models.BiometrySample) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO biometry_samples (cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		    avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.CycleID, b.PondID, b.SampledAt, b.SampleSize, b.SampleWeightG,
		b.AvgWeightG, b.SurvivalPct, b.WeeklyGainG, b.UpdatesBaseline, b.Source, b.Notes)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecordSample inserts a sample and, when it carries a survival reading that
// updates the baseline, applies that baseline change in the same transaction.
// A baseline conflict rolls the sample back too: no orphan rows flagged
// updates_baseline without a matching change-log entry.
func (s *Store) RecordSample(b models.BiometrySample, baselineSource, reason, actor string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO biometry_samples (cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		    avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.CycleID, b.PondID, b.SampledAt, b.SampleSize, b.SampleWeightG,
		b.AvgWeightG, b.SurvivalPct, b.WeeklyGainG, b.UpdatesBaseline, b.Source, b.Notes)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if b.UpdatesBaseline {
		if _, err := s.setBaselineTx(tx, b.CycleID, b.PondID, b.SurvivalPct, baselineSource, reason, actor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetBiometrySample(sampleID int64) (*models.BiometrySample, error) {
	row := s.db.QueryRow(`
		SELECT sample_id, cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		       avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes, created_at
		FROM biometry_samples WHERE sample_id = ?
	`, sampleID)
	return scanSample(row)
}

// GetLatestSample returns the most recent biometry sample for a pond in a
// cycle, or nil if the pond has never been sampled.
func (s *Store) GetLatestSample(cycleID, pondID int64) (*models.BiometrySample, error) {
	row := s.db.QueryRow(`
		SELECT sample_id, cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		       avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes, created_at
		FROM biometry_samples
		WHERE cycle_id = ? AND pond_id = ?
		ORDER BY sampled_at DESC, sample_id DESC
		LIMIT 1
	`, cycleID, pondID)
	return scanSample(row)
}

// GetPreviousSample returns the newest sample strictly older than the given
// one, used to derive the incremental growth rate.
func (s *Store) GetPreviousSample(cycleID, pondID, beforeSampleID int64) (*models.BiometrySample, error) {
	row := s.db.QueryRow(`
		SELECT sample_id, cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		       avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes, created_at
		FROM biometry_samples
		WHERE cycle_id = ? AND pond_id = ? AND sample_id < ?
		ORDER BY sampled_at DESC, sample_id DESC
		LIMIT 1
	`, cycleID, pondID, beforeSampleID)
	return scanSample(row)
}

func (s *Store) GetSampleHistory(cycleID, pondID int64, limit int) ([]models.BiometrySample, error) {
	rows, err := s.db.Query(`
		SELECT sample_id, cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		       avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes, created_at
		FROM biometry_samples
		WHERE cycle_id = ? AND pond_id = ?
		ORDER BY sampled_at DESC, sample_id DESC
		LIMIT ?
	`, cycleID, pondID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

func (s *Store) GetCycleSampleHistory(cycleID int64, limit int) ([]models.BiometrySample, error) {
	rows, err := s.db.Query(`
		SELECT sample_id, cycle_id, pond_id, sampled_at, sample_size, sample_weight_g,
		       avg_weight_g, survival_pct, weekly_gain_g, updates_baseline, source, notes, created_at
		FROM biometry_samples
		WHERE cycle_id = ?
		ORDER BY sampled_at DESC, sample_id DESC
		LIMIT ?
	`, cycleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

// UpdateSampleNotes is the only edit allowed on a sample, and only when the
// sample did not feed the survival baseline.
func (s *Store) UpdateSampleNotes(sampleID int64, notes string) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE biometry_samples SET notes = ?
		WHERE sample_id = ? AND updates_baseline = FALSE
	`, notes, sampleID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LatestConfirmedMeasurementDate returns the most recent date across the
// cycle's biometry samples and confirmed harvest lines. Invalid if none.
// Aggregating with MAX() strips the column's datetime affinity, so each side
// is read with ORDER BY/LIMIT, which keeps the typed value.
func (s *Store) LatestConfirmedMeasurementDate(cycleID int64) (sql.NullTime, error) {
	var latest sql.NullTime

	var sampled time.Time
	err := s.db.QueryRow(`
		SELECT sampled_at FROM biometry_samples
		WHERE cycle_id = ?
		ORDER BY sampled_at DESC LIMIT 1
	`, cycleID).Scan(&sampled)
	if err != nil && err != sql.ErrNoRows {
		return latest, err
	}
	if err == nil {
		latest = sql.NullTime{Time: sampled, Valid: true}
	}

	var harvested time.Time
	err = s.db.QueryRow(`
		SELECT hl.harvest_date
		FROM harvest_lines hl
		JOIN harvest_waves hw ON hl.wave_id = hw.wave_id
		WHERE hw.cycle_id = ? AND hl.status = 'confirmed'
		ORDER BY hl.harvest_date DESC LIMIT 1
	`, cycleID).Scan(&harvested)
	if err != nil && err != sql.ErrNoRows {
		return latest, err
	}
	if err == nil && (!latest.Valid || harvested.After(latest.Time)) {
		latest = sql.NullTime{Time: harvested, Valid: true}
	}

	return latest, nil
}

func scanSample(row *sql.Row) (*models.BiometrySample, error) {
	var b models.BiometrySample
	err := row.Scan(&b.ID, &b.CycleID, &b.PondID, &b.SampledAt, &b.SampleSize, &b.SampleWeightG,
		&b.AvgWeightG, &b.SurvivalPct, &b.WeeklyGainG, &b.UpdatesBaseline, &b.Source, &b.Notes, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collectSamples(rows *sql.Rows) ([]models.BiometrySample, error) {
	var samples []models.BiometrySample
	for rows.Next() {
		var b models.BiometrySample
		if err := rows.Scan(&b.ID, &b.CycleID, &b.PondID, &b.SampledAt, &b.SampleSize, &b.SampleWeightG,
			&b.AvgWeightG, &b.SurvivalPct, &b.WeeklyGainG, &b.UpdatesBaseline, &b.Source, &b.Notes, &b.CreatedAt); err != nil {
			return nil, err
		}
		samples = append(samples, b)
	}
	return samples, rows.Err()
}
