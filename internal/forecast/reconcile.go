package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/models"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

// Engine recomputes the tail of a cycle's forecast from observed reality:
// biometry samples anchor weight and survival, confirmed harvests lower
// the survival baseline, pending harvests step the projected curve down.
// A run is idempotent; rerunning against unchanged data writes the same
// curve again.
type Engine struct {
	store   *store.Store
	manager *Manager
}

func NewEngine(st *store.Store, mgr *Manager) *Engine {
	return &Engine{store: st, manager: mgr}
}

// Result summarizes one reconciliation run.
type Result struct {
	VersionID    int64
	CutoffWeek   int
	LinesWritten int
	Warnings     []string
}

// pondProjection is the per-pond recomputed curve, keyed by week index.
type pondProjection struct {
	pondID      int64
	areaM2      float64
	baseDensity float64
	weight      map[int]float64
	survival    map[int]float64
	harvest     map[int]float64 // estimated removal density at harvest weeks
}

// Reconcile recomputes the forecast tail for one cycle into a reforecast
// draft; publishing the draft stays a caller decision. Weeks before the
// cutoff are preserved, except that confirmed harvests overwrite their
// week's line with the actual removal; the cutoff is the first plan week
// not yet overtaken by the calendar or by confirmed measurements.
func (e *Engine) Reconcile(ctx context.Context, cycleID int64, now time.Time) (*Result, error) {
	cycle, err := e.store.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fault.New(fault.InvalidInput, "cycle %d not found", cycleID)
	}
	if cycle.Status != models.CycleActive {
		return nil, fault.New(fault.InvalidState, "cycle %d is %s, only active cycles reconcile", cycleID, cycle.Status)
	}

	current, err := e.store.GetCurrentVersion(cycleID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fault.New(fault.PreconditionFailed, "cycle %d has no published forecast", cycleID)
	}
	planLines, err := e.store.GetLines(current.ID)
	if err != nil {
		return nil, err
	}
	if len(planLines) == 0 {
		return nil, fault.New(fault.Internal, "current version %d has no lines", current.ID)
	}

	cutoff, ok, err := e.cutoffWeek(cycleID, planLines, now)
	if err != nil {
		return nil, err
	}
	res := &Result{CutoffWeek: cutoff}
	if !ok {
		res.Warnings = append(res.Warnings, "forecast horizon fully elapsed, nothing to recompute")
		return res, nil
	}

	seedings, err := e.store.GetConfirmedSeedings(cycleID)
	if err != nil {
		return nil, err
	}
	if len(seedings) == 0 {
		return nil, fault.New(fault.PreconditionFailed, "cycle %d has no confirmed seedings", cycleID)
	}

	pending, err := e.store.GetPendingHarvests(cycleID)
	if err != nil {
		return nil, err
	}
	pendingByPond := make(map[int64][]store.PendingHarvest)
	for _, p := range pending {
		pendingByPond[p.Line.PondID] = append(pendingByPond[p.Line.PondID], p)
	}

	horizon := len(planLines)
	var projections []pondProjection
	for _, sd := range seedings {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "reconcile time budget exhausted")
		}
		proj, warns, err := e.projectPond(cycle, sd, planLines, pendingByPond[sd.PondID], cutoff)
		if err != nil {
			return nil, err
		}
		res.Warnings = append(res.Warnings, warns...)
		for w := range proj.weight {
			if w+1 > horizon {
				horizon = w + 1
			}
		}
		projections = append(projections, *proj)
	}

	tail := e.aggregate(projections, planLines, cutoff, horizon)
	res.LinesWritten = len(tail)

	draft, warn, err := e.ensureDraft(cycleID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		res.Warnings = append(res.Warnings, warn)
		return res, nil
	}
	if err := e.store.ReplaceLinesFrom(draft.ID, cutoff, tail); err != nil {
		return nil, err
	}
	if err := e.applyConfirmedActuals(cycleID, draft.ID, planLines, projections); err != nil {
		return nil, err
	}
	res.VersionID = draft.ID
	log.Printf("forecast: cycle %d reconciled, draft %s carries %d recomputed lines from week %d",
		cycleID, draft.Version, len(tail), cutoff)
	return res, nil
}

// applyConfirmedActuals stamps confirmed harvest removals onto the draft
// lines of the weeks they happened in. Those weeks sit before the cutoff, so
// without this pass the preserved head would keep the old projected values.
func (e *Engine) applyConfirmedActuals(cycleID, versionID int64, planLines []models.ForecastLine, projections []pondProjection) error {
	confirmed, err := e.store.GetConfirmedHarvests(cycleID)
	if err != nil {
		return err
	}
	if len(confirmed) == 0 {
		return nil
	}

	areaByPond := make(map[int64]float64, len(projections))
	var areaSum float64
	for _, p := range projections {
		areaByPond[p.pondID] = p.areaM2
		areaSum += p.areaM2
	}
	if areaSum == 0 {
		return nil
	}

	baseDate := planLines[0].PlanDate.AddDate(0, 0, -planLines[0].WeekIdx*7)
	weekly := make(map[int]float64)
	for _, h := range confirmed {
		if !h.RemovalOrgM2.Valid {
			continue
		}
		week := int(h.HarvestDate.Sub(baseDate).Hours() / 24 / 7)
		if week < 0 {
			continue
		}
		weekly[week] += h.RemovalOrgM2.Float64 * areaByPond[h.PondID]
	}
	for week, sum := range weekly {
		if err := e.store.SetLineHarvestActual(versionID, week, sum/areaSum); err != nil {
			return err
		}
	}
	return nil
}

// cutoffWeek finds the first plan week whose date is not earlier than both
// today and the latest confirmed measurement. Returns ok=false when every
// plan week is already in the past.
func (e *Engine) cutoffWeek(cycleID int64, planLines []models.ForecastLine, now time.Time) (int, bool, error) {
	effective := now
	latest, err := e.store.LatestConfirmedMeasurementDate(cycleID)
	if err != nil {
		return 0, false, err
	}
	if latest.Valid && latest.Time.After(effective) {
		effective = latest.Time
	}
	effective = effective.Truncate(24 * time.Hour)
	for _, l := range planLines {
		if !l.PlanDate.Before(effective) {
			return l.WeekIdx, true, nil
		}
	}
	return 0, false, nil
}

func (e *Engine) projectPond(cycle *models.Cycle, sd models.Seeding, planLines []models.ForecastLine,
	pending []store.PendingHarvest, cutoff int) (*pondProjection, []string, error) {

	var warns []string

	pond, err := e.store.GetPond(sd.PondID)
	if err != nil {
		return nil, nil, err
	}
	if pond == nil {
		return nil, nil, fault.New(fault.Internal, "pond %d missing for seeding %d", sd.PondID, sd.ID)
	}

	survivalNow, err := e.syncBaseline(cycle.ID, sd, pond)
	if err != nil {
		return nil, nil, err
	}

	// Anchor at the latest sample, or at the seeding when none exists yet.
	anchorWeek := 0
	anchorWeight := sd.InitialSizeG
	latest, err := e.store.GetLatestSample(cycle.ID, sd.PondID)
	if err != nil {
		return nil, nil, err
	}
	if latest != nil {
		anchorWeek = int(latest.SampledAt.Sub(sd.SeededAt).Hours() / 24 / 7)
		anchorWeight = latest.AvgWeightG
	}

	rate, rateWarn, err := e.growthRate(cycle.ID, sd.PondID, latest, planLines)
	if err != nil {
		return nil, nil, err
	}
	if rateWarn != "" {
		warns = append(warns, fmt.Sprintf("pond %d: %s", sd.PondID, rateWarn))
	}

	proj := &pondProjection{
		pondID:      sd.PondID,
		areaM2:      pond.AreaM2,
		baseDensity: sd.BaseDensity,
		weight:      make(map[int]float64),
		survival:    make(map[int]float64),
		harvest:     make(map[int]float64),
	}

	// Map pending harvests to week indexes relative to the seeding date.
	type stepDown struct {
		week    int
		removal float64
		final   bool
	}
	var steps []stepDown
	for _, p := range pending {
		week := int(p.Line.HarvestDate.Sub(sd.SeededAt).Hours() / 24 / 7)
		if week < cutoff {
			continue
		}
		st := stepDown{week: week, final: p.WaveKind == models.WaveFinal}
		if p.TargetOrgM2.Valid {
			st.removal = p.TargetOrgM2.Float64
		}
		steps = append(steps, st)
	}

	horizon := len(planLines)
	for _, st := range steps {
		if st.week+1 > horizon {
			horizon = st.week + 1
		}
	}

	survival := survivalNow
	for w := cutoff; w < horizon; w++ {
		weight := anchorWeight + rate*float64(w-anchorWeek)
		for _, st := range steps {
			if st.week != w {
				continue
			}
			removal := st.removal
			if st.final {
				// A final wave takes everything still standing.
				removal = sd.BaseDensity * survival / 100
			}
			if removal <= 0 {
				warns = append(warns, fmt.Sprintf("pond %d week %d: pending harvest has no target removal", sd.PondID, w))
				proj.harvest[w] = 0
				continue
			}
			survival -= removal / sd.BaseDensity * 100
			if survival < 0 {
				survival = 0
			}
			proj.harvest[w] += removal
		}
		proj.weight[w] = weight
		proj.survival[w] = survival
	}
	return proj, warns, nil
}

// syncBaseline brings the stored survival baseline in line with the latest
// sample plus any removals confirmed after it. The write is a no-op when the
// stored value already matches, which keeps repeated runs idempotent.
func (e *Engine) syncBaseline(cycleID int64, sd models.Seeding, pond *models.Pond) (float64, error) {
	if err := e.store.InitBaseline(cycleID, sd.PondID, 100); err != nil {
		return 0, err
	}
	baseline, err := e.store.GetBaseline(cycleID, sd.PondID)
	if err != nil {
		return 0, err
	}
	if baseline == nil {
		return 0, fault.New(fault.Internal, "baseline missing for cycle %d pond %d", cycleID, sd.PondID)
	}

	latest, err := e.store.GetLatestSample(cycleID, sd.PondID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return baseline.ValuePct, nil
	}

	confirmed, err := e.store.GetConfirmedHarvests(cycleID)
	if err != nil {
		return 0, err
	}
	expected := latest.SurvivalPct
	for _, h := range confirmed {
		if h.PondID != sd.PondID || !h.RemovalOrgM2.Valid {
			continue
		}
		if !h.HarvestDate.After(latest.SampledAt) {
			continue
		}
		expected -= h.RemovalOrgM2.Float64 / sd.BaseDensity * 100
	}
	if expected < 0 {
		expected = 0
	}
	if math.Abs(expected-baseline.ValuePct) < 0.01 {
		return baseline.ValuePct, nil
	}

	// Another writer may bump the version between read and write; retry
	// briefly, re-reading before each attempt.
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Second
	op := func() error {
		_, err := e.store.SetBaseline(cycleID, sd.PondID, expected,
			models.BaselineReforecast, "reconciliation against confirmed removals", "reconciler")
		if err != nil && !fault.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return 0, err
	}
	return expected, nil
}

// growthRate picks the weekly gain to project with: the slope of the last
// two samples when available, otherwise the published plan's own rate.
func (e *Engine) growthRate(cycleID, pondID int64, latest *models.BiometrySample, planLines []models.ForecastLine) (float64, string, error) {
	if latest != nil {
		prev, err := e.store.GetPreviousSample(cycleID, pondID, latest.ID)
		if err != nil {
			return 0, "", err
		}
		if prev != nil {
			weeks := latest.SampledAt.Sub(prev.SampledAt).Hours() / 24 / 7
			if weeks > 0 {
				return (latest.AvgWeightG - prev.AvgWeightG) / weeks, "", nil
			}
		}
	}
	rate := planRate(planLines)
	return rate, "fewer than two samples, projecting with the published plan rate", nil
}

func planRate(lines []models.ForecastLine) float64 {
	if len(lines) < 2 {
		return 0
	}
	first, last := lines[0], lines[len(lines)-1]
	weeks := last.WeekIdx - first.WeekIdx
	if weeks <= 0 {
		return 0
	}
	return (last.AvgWeightG - first.AvgWeightG) / float64(weeks)
}

// aggregate folds per-pond projections into a single cycle curve, weighting
// each pond by its seeded population (area times base density).
func (e *Engine) aggregate(projections []pondProjection, planLines []models.ForecastLine, cutoff, horizon int) []models.ForecastLine {
	baseAge := planLines[0].AgeDays - planLines[0].WeekIdx*7
	baseDate := planLines[0].PlanDate.AddDate(0, 0, -planLines[0].WeekIdx*7)

	var out []models.ForecastLine
	prevWeight := 0.0
	for w := cutoff; w < horizon; w++ {
		var popSum, weightSum, survivalSum, removal float64
		harvest := false
		for _, p := range projections {
			wt, ok := p.weight[w]
			if !ok {
				continue
			}
			pop := p.areaM2 * p.baseDensity
			popSum += pop
			weightSum += wt * pop
			survivalSum += p.survival[w] * pop
			if r, ok := p.harvest[w]; ok {
				harvest = true
				// Cycle-level removal is density over total seeded area.
				removal += r * p.areaM2
			}
		}
		if popSum == 0 {
			continue
		}

		line := models.ForecastLine{
			WeekIdx:     w,
			AgeDays:     baseAge + w*7,
			PlanDate:    baseDate.AddDate(0, 0, w*7),
			AvgWeightG:  weightSum / popSum,
			SurvivalPct: survivalSum / popSum,
			HarvestFlag: harvest,
		}
		if harvest {
			var areaSum float64
			for _, p := range projections {
				areaSum += p.areaM2
			}
			if areaSum > 0 {
				line.RemovalOrgM2 = sql.NullFloat64{Float64: removal / areaSum, Valid: true}
			}
		}
		if len(out) > 0 {
			line.WeeklyGainG = sql.NullFloat64{Float64: line.AvgWeightG - prevWeight, Valid: true}
		}
		prevWeight = line.AvgWeightG
		out = append(out, line)
	}
	return out
}

// ensureDraft finds or creates the reforecast draft a run commits into.
// A hand-authored draft is never overwritten; the run yields to it.
func (e *Engine) ensureDraft(cycleID int64) (*models.ForecastVersion, string, error) {
	draft, err := e.store.GetDraftVersion(cycleID)
	if err != nil {
		return nil, "", err
	}
	if draft != nil {
		if draft.SourceType != models.SourceReforecast {
			return nil, fmt.Sprintf("cycle %d has a %s draft in progress, reconciliation deferred", cycleID, draft.SourceType), nil
		}
		return draft, "", nil
	}
	created, err := e.manager.CreateDraftFromCurrent(cycleID)
	if err != nil {
		return nil, "", err
	}
	return created, "", nil
}
