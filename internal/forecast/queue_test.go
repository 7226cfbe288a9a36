package forecast

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestQueue_CoalescesPendingJobs(t *testing.T) {
	engine, mgr, st := setupEngine(t)
	cycleID, _ := seedCycle(t, mgr, st)

	queue := NewQueue(engine, st)

	// Without a running worker both enqueues land on the same pending job.
	first := queue.Enqueue(cycleID)
	second := queue.Enqueue(cycleID)
	if first != second {
		t.Errorf("job IDs differ: %q and %q, want coalesced", first, second)
	}

	job := queue.GetJob(first)
	if job == nil {
		t.Fatal("GetJob returned nil for a known job")
	}
	if job.Status != JobPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.CycleID != cycleID {
		t.Errorf("CycleID = %d, want %d", job.CycleID, cycleID)
	}
}

func TestQueue_PrunesFinishedJobs(t *testing.T) {
	engine, mgr, st := setupEngine(t)
	cycleID, _ := seedCycle(t, mgr, st)

	queue := NewQueue(engine, st)
	clock := time.Date(2026, 4, 27, 12, 0, 0, 0, time.UTC)
	queue.now = func() time.Time { return clock }

	oldID := queue.Enqueue(cycleID)
	// Settle the job by hand; no worker runs in this test.
	queue.mu.Lock()
	queue.jobs[oldID].Status = JobCompleted
	queue.jobs[oldID].FinishedAt = clock
	delete(queue.pending, cycleID)
	queue.mu.Unlock()

	// Within the retention window the finished job stays pollable.
	clock = clock.Add(30 * time.Minute)
	pendingID := queue.Enqueue(cycleID)
	if queue.GetJob(oldID) == nil {
		t.Fatal("finished job dropped before its retention elapsed")
	}

	// Past the window the next enqueue sweeps it out.
	clock = clock.Add(time.Hour)
	queue.Enqueue(cycleID)
	if queue.GetJob(oldID) != nil {
		t.Error("finished job retained past its retention")
	}
	if job := queue.GetJob(pendingID); job == nil || job.Status != JobPending {
		t.Errorf("pending job swept by the prune: %+v", job)
	}
}

func TestQueue_UnknownJob(t *testing.T) {
	engine, _, st := setupEngine(t)
	queue := NewQueue(engine, st)

	if job := queue.GetJob("no-such-job"); job != nil {
		t.Errorf("GetJob = %+v, want nil", job)
	}
}

func TestQueue_RunsAndRecordsAudit(t *testing.T) {
	engine, mgr, st := setupEngine(t)
	cycleID, pondID := seedCycle(t, mgr, st)
	insertSample(t, st, cycleID, pondID, cycleStart.AddDate(0, 0, 8*7), 11, 92)

	queue := NewQueue(engine, st)
	queue.now = func() time.Time { return time.Date(2026, 4, 27, 12, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx, 2)

	jobID := queue.Enqueue(cycleID)

	deadline := time.After(10 * time.Second)
	for {
		job := queue.GetJob(jobID)
		if job != nil && (job.Status == JobCompleted || job.Status == JobFailed) {
			if job.Status != JobCompleted {
				t.Fatalf("job failed: %s", job.Error)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	runs, err := st.GetRecentReconcileRuns(cycleID, 10)
	if err != nil {
		t.Fatalf("GetRecentReconcileRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].JobID != jobID {
		t.Errorf("JobID = %q, want %q", runs[0].JobID, jobID)
	}
	if !runs[0].Success {
		t.Errorf("Success = false, want true: %v", runs[0].ErrorMessage)
	}
	if !runs[0].FinishedAt.Valid {
		t.Error("FinishedAt not set")
	}
	if !runs[0].LinesWritten.Valid || runs[0].LinesWritten.Int64 == 0 {
		t.Errorf("LinesWritten = %+v, want positive", runs[0].LinesWritten)
	}

	// A later enqueue on a settled cycle gets a fresh job.
	next := queue.Enqueue(cycleID)
	if next == jobID {
		t.Error("completed job reused for a new enqueue")
	}
}
