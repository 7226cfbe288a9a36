package ingest

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/skaescobedo/AquaTrack/internal/store"
)

// Sweeper re-runs reconciliation for every active cycle on a schedule, so
// stale forecasts catch up even when a day passes with no field activity.
type Sweeper struct {
	store *store.Store
	queue Enqueuer
	cron  *cron.Cron
	spec  string
}

func NewSweeper(st *store.Store, queue Enqueuer, spec string) *Sweeper {
	return &Sweeper{
		store: st,
		queue: queue,
		cron:  cron.New(),
		spec:  spec,
	}
}

func (sw *Sweeper) Start() error {
	if _, err := sw.cron.AddFunc(sw.spec, sw.sweep); err != nil {
		return err
	}
	sw.cron.Start()
	log.Printf("scheduler: reconciliation sweep scheduled (%s)", sw.spec)
	return nil
}

func (sw *Sweeper) Stop() {
	ctx := sw.cron.Stop()
	<-ctx.Done()
	log.Println("scheduler: stopped")
}

func (sw *Sweeper) sweep() {
	cycles, err := sw.store.GetActiveCycles()
	if err != nil {
		log.Printf("scheduler: listing active cycles: %v", err)
		return
	}
	for _, c := range cycles {
		jobID := sw.queue.Enqueue(c.ID)
		log.Printf("scheduler: sweep enqueued cycle=%d job=%s", c.ID, jobID)
	}
}
