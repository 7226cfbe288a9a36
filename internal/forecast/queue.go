package forecast

import (
	"context"
	"database/sql"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/metrics"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

// Job statuses, exposed through the polling endpoint.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is the client-visible handle for a queued reconciliation.
type Job struct {
	ID         string
	CycleID    int64
	Status     string
	Warnings   []string
	Error      string
	EnqueuedAt time.Time
	FinishedAt time.Time
}

// Queue serializes reconciliation per cycle. Runs for different cycles
// proceed in parallel across the worker pool; runs for the same cycle
// never overlap. Enqueues arriving while a cycle already has a pending
// job coalesce into that job; enqueues arriving while a run is in flight
// mark it superseded and schedule exactly one follow-up.
type Queue struct {
	engine *Engine
	store  *store.Store
	runTTL time.Duration
	jobTTL time.Duration
	now    func() time.Time

	mu         sync.Mutex
	jobs       map[string]*Job
	pending    map[int64]*Job
	active     map[int64]bool
	superseded map[int64]bool
	work       chan int64
}

func NewQueue(engine *Engine, st *store.Store) *Queue {
	return &Queue{
		engine:     engine,
		store:      st,
		runTTL:     2 * time.Minute,
		jobTTL:     time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[string]*Job),
		pending:    make(map[int64]*Job),
		active:     make(map[int64]bool),
		superseded: make(map[int64]bool),
		work:       make(chan int64, 256),
	}
}

// Enqueue schedules a reconciliation for the cycle and returns the job ID
// the caller can poll. Never blocks the write path.
func (q *Queue) Enqueue(cycleID int64) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()

	if job, ok := q.pending[cycleID]; ok {
		if !q.active[cycleID] {
			// Redundant dispatches are harmless; process re-checks state.
			q.dispatch(cycleID)
		}
		return job.ID
	}

	job := &Job{
		ID:         uuid.NewString(),
		CycleID:    cycleID,
		Status:     JobPending,
		EnqueuedAt: q.now(),
	}
	q.jobs[job.ID] = job
	q.pending[cycleID] = job

	if q.active[cycleID] {
		// The running pass may miss this write; it will report superseded
		// and the follow-up dispatches when it finishes.
		q.superseded[cycleID] = true
	} else {
		q.dispatch(cycleID)
	}
	return job.ID
}

// GetJob returns a snapshot of a job, or nil when the ID is unknown.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *job
	snapshot.Warnings = append([]string(nil), job.Warnings...)
	return &snapshot
}

// Run drives the worker pool until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case cycleID := <-q.work:
					q.process(ctx, cycleID)
				}
			}
		})
	}
	return g.Wait()
}

// pruneLocked drops finished jobs older than jobTTL so the in-memory job
// table stays bounded. Callers hold q.mu.
func (q *Queue) pruneLocked() {
	cutoff := q.now().Add(-q.jobTTL)
	for id, job := range q.jobs {
		if job.Status != JobCompleted && job.Status != JobFailed {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

// dispatch pushes a cycle onto the work channel. Callers hold q.mu.
func (q *Queue) dispatch(cycleID int64) {
	select {
	case q.work <- cycleID:
	default:
		log.Printf("queue: work channel full, cycle %d waits for next completion", cycleID)
	}
}

func (q *Queue) process(ctx context.Context, cycleID int64) {
	q.mu.Lock()
	job, ok := q.pending[cycleID]
	if !ok || q.active[cycleID] {
		q.mu.Unlock()
		return
	}
	delete(q.pending, cycleID)
	q.active[cycleID] = true
	job.Status = JobProcessing
	q.mu.Unlock()

	run, err := q.store.StartReconcileRun(job.ID, cycleID)
	if err != nil {
		log.Printf("queue: recording run for job %s: %v", job.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, q.runTTL)
	started := time.Now()
	result, rerr := q.engine.Reconcile(runCtx, cycleID, q.now())
	cancel()
	metrics.ReconcileLatency.Observe(time.Since(started).Seconds())

	outcome := "success"
	if rerr != nil {
		outcome = "failed"
		if fault.Retryable(rerr) {
			outcome = "conflict"
		}
	}
	metrics.ReconcileRunsTotal.WithLabelValues(strconv.FormatInt(cycleID, 10), outcome).Inc()

	q.mu.Lock()
	wasSuperseded := q.superseded[cycleID]
	delete(q.superseded, cycleID)
	q.active[cycleID] = false
	job.FinishedAt = q.now()
	if rerr != nil {
		job.Status = JobFailed
		job.Error = rerr.Error()
		log.Printf("queue: job %s cycle %d failed: %v", job.ID, cycleID, rerr)
	} else {
		job.Status = JobCompleted
		job.Warnings = result.Warnings
	}
	if _, more := q.pending[cycleID]; more {
		q.dispatch(cycleID)
	}
	q.mu.Unlock()

	if run != nil {
		run.Success = rerr == nil
		run.Superseded = wasSuperseded
		if rerr != nil {
			run.ErrorMessage = sql.NullString{String: rerr.Error(), Valid: true}
		} else {
			run.LinesWritten = sql.NullInt64{Int64: int64(result.LinesWritten), Valid: true}
		}
		if err := q.store.CompleteReconcileRun(run); err != nil {
			log.Printf("queue: completing run %d: %v", run.ID, err)
		}
	}
}
