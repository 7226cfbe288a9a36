package api

import (
	"net/http"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/models"
)

// Overview is the read-only dashboard for one cycle: where the stock
// stands today and what the current forecast says happens next.
type Overview struct {
	Cycle          *models.Cycle           `json:"cycle"`
	CurrentVersion *models.ForecastVersion `json:"current_version,omitempty"`
	Ponds          []PondOverview          `json:"ponds"`
	Upcoming       []UpcomingHarvest       `json:"upcoming_harvests"`
	KPIs           KPIs                    `json:"kpis"`
}

type PondOverview struct {
	PondID       int64      `json:"pond_id"`
	Name         string     `json:"name"`
	AreaM2       float64    `json:"area_m2"`
	SeededAt     time.Time  `json:"seeded_at"`
	AgeDays      int        `json:"age_days"`
	BaseDensity  float64    `json:"base_density"`
	BaselinePct  float64    `json:"baseline_pct"`
	RemovedOrgM2 float64    `json:"removed_org_m2"`
	EstDensity   float64    `json:"est_density"`
	LastWeightG  *float64   `json:"last_weight_g,omitempty"`
	LastSampled  *time.Time `json:"last_sampled,omitempty"`
	EstBiomassKg float64    `json:"est_biomass_kg"`
}

type UpcomingHarvest struct {
	LineID      int64     `json:"line_id"`
	WaveID      int64     `json:"wave_id"`
	WaveKind    string    `json:"wave_kind"`
	PondID      int64     `json:"pond_id"`
	HarvestDate time.Time `json:"harvest_date"`
}

type KPIs struct {
	SeededPonds         int     `json:"seeded_ponds"`
	TotalAreaM2         float64 `json:"total_area_m2"`
	EstBiomassKg        float64 `json:"est_biomass_kg"`
	HarvestedBiomassKg  float64 `json:"harvested_biomass_kg"`
	AvgSurvivalPct      float64 `json:"avg_survival_pct"`
	PendingHarvestLines int     `json:"pending_harvest_lines"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	overview, err := s.buildOverview(cycleID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) buildOverview(cycleID int64, now time.Time) (*Overview, error) {
	cycle, err := s.store.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fault.New(fault.InvalidInput, "cycle %d not found", cycleID)
	}

	overview := &Overview{Cycle: cycle}

	overview.CurrentVersion, err = s.store.GetCurrentVersion(cycleID)
	if err != nil {
		return nil, err
	}

	seedings, err := s.store.GetConfirmedSeedings(cycleID)
	if err != nil {
		return nil, err
	}

	var survivalSum, popSum float64
	for _, sd := range seedings {
		pond, err := s.store.GetPond(sd.PondID)
		if err != nil {
			return nil, err
		}
		if pond == nil {
			continue
		}

		po := PondOverview{
			PondID:       sd.PondID,
			Name:         pond.Name,
			AreaM2:       pond.AreaM2,
			SeededAt:     sd.SeededAt,
			AgeDays:      int(now.Sub(sd.SeededAt).Hours() / 24),
			BaseDensity:  sd.BaseDensity,
			BaselinePct:  100,
			RemovedOrgM2: pond.RemovedOrgM2,
		}

		baseline, err := s.store.GetBaseline(cycleID, sd.PondID)
		if err != nil {
			return nil, err
		}
		if baseline != nil {
			po.BaselinePct = baseline.ValuePct
		}

		po.EstDensity = sd.BaseDensity*po.BaselinePct/100 - pond.RemovedOrgM2
		if po.EstDensity < 0 {
			po.EstDensity = 0
		}

		sample, err := s.store.GetLatestSample(cycleID, sd.PondID)
		if err != nil {
			return nil, err
		}
		if sample != nil {
			weight := sample.AvgWeightG
			sampled := sample.SampledAt
			po.LastWeightG = &weight
			po.LastSampled = &sampled
			po.EstBiomassKg = po.EstDensity * pond.AreaM2 * weight / 1000
		}

		pop := pond.AreaM2 * sd.BaseDensity
		popSum += pop
		survivalSum += po.BaselinePct * pop

		overview.KPIs.SeededPonds++
		overview.KPIs.TotalAreaM2 += pond.AreaM2
		overview.KPIs.EstBiomassKg += po.EstBiomassKg
		overview.Ponds = append(overview.Ponds, po)
	}
	if popSum > 0 {
		overview.KPIs.AvgSurvivalPct = survivalSum / popSum
	}

	confirmed, err := s.store.GetConfirmedHarvests(cycleID)
	if err != nil {
		return nil, err
	}
	for _, h := range confirmed {
		if h.BiomassKg.Valid {
			overview.KPIs.HarvestedBiomassKg += h.BiomassKg.Float64
		}
	}

	pending, err := s.store.GetPendingHarvests(cycleID)
	if err != nil {
		return nil, err
	}
	overview.KPIs.PendingHarvestLines = len(pending)
	for _, p := range pending {
		overview.Upcoming = append(overview.Upcoming, UpcomingHarvest{
			LineID:      p.Line.ID,
			WaveID:      p.Line.WaveID,
			WaveKind:    p.WaveKind,
			PondID:      p.Line.PondID,
			HarvestDate: p.Line.HarvestDate,
		})
	}

	return overview, nil
}
