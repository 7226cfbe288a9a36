package store

import (
	"database/sql"
	"time"
)

// ReconcileRun records one engine pass over a cycle for auditing, mirroring
// the lifecycle of the job that triggered it.
type ReconcileRun struct {
	ID           int64
	JobID        string
	CycleID      int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	LinesWritten sql.NullInt64
	Superseded   bool
	ErrorMessage sql.NullString
}

func (s *Store) StartReconcileRun(jobID string, cycleID int64) (*ReconcileRun, error) {
	run := &ReconcileRun{
		JobID:     jobID,
		CycleID:   cycleID,
		StartedAt: time.Now().UTC(),
	}

	result, err := s.db.Exec(`
		INSERT INTO reconcile_runs (job_id, cycle_id, started_at, success)
		VALUES (?, ?, ?, FALSE)
	`, run.JobID, run.CycleID, run.StartedAt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) CompleteReconcileRun(run *ReconcileRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	_, err := s.db.Exec(`
		UPDATE reconcile_runs
		SET finished_at = ?, success = ?, lines_written = ?, superseded = ?, error_message = ?
		WHERE run_id = ?
	`, run.FinishedAt, run.Success, run.LinesWritten, run.Superseded, run.ErrorMessage, run.ID)
	return err
}

func (s *Store) GetRecentReconcileRuns(cycleID int64, limit int) ([]ReconcileRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, job_id, cycle_id, started_at, finished_at, success, lines_written, superseded, error_message
		FROM reconcile_runs
		WHERE cycle_id = ?
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, cycleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ReconcileRun
	for rows.Next() {
		var r ReconcileRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.CycleID, &r.StartedAt, &r.FinishedAt, &r.Success, &r.LinesWritten, &r.Superseded, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
