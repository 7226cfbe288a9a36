package ingest

import (
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/models"
)

// BiometryContext bundles everything a technician at the pond edge needs
// before recording a sample: the seeding anchor, the current survival
// baseline, what has already been removed, and where the published plan
// says the pond should be this week.
type BiometryContext struct {
	CycleID   int64
	PondID    int64
	PondName  string
	AreaM2    float64
	SeededAt  time.Time
	AgeDays   int

	BaseDensity  float64 // org/m2 at seeding
	BaselinePct  float64
	RemovedOrgM2 float64
	EstDensity   float64 // base * baseline/100 - removed, floored at 0

	LastSample *models.BiometrySample

	// Plan point for the current week of the current version, if one exists.
	PlanAvgWeightG  *float64
	PlanSurvivalPct *float64
}

// BiometryContext assembles the read model for one pond in a cycle.
func (s *Service) BiometryContext(cycleID, pondID int64, now time.Time) (*BiometryContext, error) {
	cycle, err := s.store.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fault.New(fault.InvalidInput, "cycle %d not found", cycleID)
	}

	pond, err := s.store.GetPond(pondID)
	if err != nil {
		return nil, err
	}
	if pond == nil {
		return nil, fault.New(fault.InvalidInput, "pond %d not found", pondID)
	}

	seeding, err := s.store.GetSeeding(cycleID, pondID)
	if err != nil {
		return nil, err
	}
	if seeding == nil {
		return nil, fault.New(fault.PreconditionFailed, "pond %d has no seeding in cycle %d", pondID, cycleID)
	}

	ctx := &BiometryContext{
		CycleID:      cycleID,
		PondID:       pondID,
		PondName:     pond.Name,
		AreaM2:       pond.AreaM2,
		SeededAt:     seeding.SeededAt,
		AgeDays:      int(now.Sub(seeding.SeededAt).Hours() / 24),
		BaseDensity:  seeding.BaseDensity,
		RemovedOrgM2: pond.RemovedOrgM2,
	}

	baseline, err := s.store.GetBaseline(cycleID, pondID)
	if err != nil {
		return nil, err
	}
	if baseline != nil {
		ctx.BaselinePct = baseline.ValuePct
	} else {
		ctx.BaselinePct = 100
	}

	ctx.EstDensity = seeding.BaseDensity*ctx.BaselinePct/100 - pond.RemovedOrgM2
	if ctx.EstDensity < 0 {
		ctx.EstDensity = 0
	}

	ctx.LastSample, err = s.store.GetLatestSample(cycleID, pondID)
	if err != nil {
		return nil, err
	}

	// Best effort: the context is still useful without a published plan.
	current, err := s.store.GetCurrentVersion(cycleID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		lines, err := s.store.GetLines(current.ID)
		if err != nil {
			return nil, err
		}
		week := ctx.AgeDays / 7
		for i := range lines {
			if lines[i].WeekIdx == week {
				ctx.PlanAvgWeightG = &lines[i].AvgWeightG
				ctx.PlanSurvivalPct = &lines[i].SurvivalPct
				break
			}
		}
	}

	return ctx, nil
}
