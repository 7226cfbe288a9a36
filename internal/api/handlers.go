package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/ingest"
	"github.com/skaescobedo/AquaTrack/internal/models"
)

func (s *Server) handleCreateCycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FarmID    int64  `json:"farm_id"`
		Name      string `json:"name"`
		StartDate string `json:"start_date"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, fault.New(fault.InvalidInput, "cycle name is required"))
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, err)
		return
	}
	cycle, err := s.store.CreateCycle(req.FarmID, req.Name, start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cycle)
}

func (s *Server) handleUpsertPond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64   `json:"id"`
		FarmID int64   `json:"farm_id"`
		Name   string  `json:"name"`
		AreaM2 float64 `json:"area_m2"`
		Status string  `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AreaM2 <= 0 {
		writeError(w, fault.New(fault.InvalidInput, "pond area must be positive"))
		return
	}
	if req.Status == "" {
		req.Status = models.PondActive
	}
	id, err := s.store.UpsertPond(models.Pond{
		ID:     req.ID,
		FarmID: req.FarmID,
		Name:   req.Name,
		AreaM2: req.AreaM2,
		Status: req.Status,
		Valid:  true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	pond, err := s.store.GetPond(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pond)
}

func (s *Server) handleCreateSeeding(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PondID       int64   `json:"pond_id"`
		SeededAt     string  `json:"seeded_at"`
		BaseDensity  float64 `json:"base_density"`
		InitialSizeG float64 `json:"initial_size_g"`
		Confirmed    bool    `json:"confirmed"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BaseDensity <= 0 {
		writeError(w, fault.New(fault.InvalidInput, "base density must be positive"))
		return
	}
	seededAt, err := parseDate(req.SeededAt)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.CreateSeeding(models.Seeding{
		CycleID:      cycleID,
		PondID:       req.PondID,
		SeededAt:     seededAt,
		BaseDensity:  req.BaseDensity,
		InitialSizeG: req.InitialSizeG,
		Confirmed:    req.Confirmed,
	}); err != nil {
		writeError(w, err)
		return
	}
	seeding, err := s.store.GetSeeding(cycleID, req.PondID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seeding)
}

func (s *Server) handleRecordBiometry(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PondID           int64    `json:"pond_id"`
		SampleSize       int      `json:"sample_size"`
		SampleWeightG    float64  `json:"sample_weight_g"`
		SurvivalPct      *float64 `json:"survival_pct"`
		UpdatesBaseline  bool     `json:"updates_baseline"`
		Source           string   `json:"source"`
		Reason           string   `json:"reason"`
		Actor            string   `json:"actor"`
		Notes            string   `json:"notes"`
		SampledAt        string   `json:"sampled_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in := ingest.BiometryInput{
		CycleID:          cycleID,
		PondID:           req.PondID,
		SampleSize:       req.SampleSize,
		SampleWeightG:    req.SampleWeightG,
		SuppliedSurvival: req.SurvivalPct,
		UpdatesBaseline:  req.UpdatesBaseline,
		Source:           req.Source,
		Reason:           req.Reason,
		Actor:            req.Actor,
		Notes:            req.Notes,
	}
	if req.SampledAt != "" {
		in.SampledAt, err = parseDate(req.SampledAt)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	result, err := s.ingest.RecordBiometry(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sample": result.Sample,
		"job_id": result.JobID,
	})
}

func (s *Server) handleCycleBiometry(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.store.GetCycleSampleHistory(cycleID, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handlePondBiometry(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	pondID, err := pathID(r, "pond")
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.store.GetSampleHistory(cycleID, pondID, queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleBiometryContext(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	pondID, err := pathID(r, "pond")
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, err := s.ingest.BiometryContext(cycleID, pondID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

func (s *Server) handleSampleNotes(w http.ResponseWriter, r *http.Request) {
	sampleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sample, err := s.ingest.UpdateSampleNotes(sampleID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	pondID, err := pathID(r, "pond")
	if err != nil {
		writeError(w, err)
		return
	}
	baseline, err := s.store.GetBaseline(cycleID, pondID)
	if err != nil {
		writeError(w, err)
		return
	}
	if baseline == nil {
		writeError(w, fault.New(fault.InvalidInput, "no baseline for cycle %d pond %d", cycleID, pondID))
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

func (s *Server) handleSetBaseline(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	pondID, err := pathID(r, "pond")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ValuePct float64 `json:"value_pct"`
		Reason   string  `json:"reason"`
		Actor    string  `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		writeError(w, fault.New(fault.InvalidInput, "actor is required for a manual adjustment"))
		return
	}
	baseline, err := s.store.SetBaseline(cycleID, pondID, req.ValuePct, models.BaselineManual, req.Reason, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := s.queue.Enqueue(cycleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"baseline": baseline,
		"job_id":   jobID,
	})
}

func (s *Server) handleBaselineHistory(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	pondID, err := pathID(r, "pond")
	if err != nil {
		writeError(w, err)
		return
	}
	changes, err := s.store.GetChangeLog(cycleID, pondID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

type lineRequest struct {
	WeekIdx      int      `json:"week_idx"`
	AgeDays      int      `json:"age_days"`
	PlanDate     string   `json:"plan_date"`
	AvgWeightG   float64  `json:"avg_weight_g"`
	SurvivalPct  float64  `json:"survival_pct"`
	HarvestFlag  bool     `json:"harvest_flag"`
	RemovalOrgM2 *float64 `json:"removal_org_m2"`
}

func (l lineRequest) toModel() (models.ForecastLine, error) {
	planDate, err := parseDate(l.PlanDate)
	if err != nil {
		return models.ForecastLine{}, err
	}
	line := models.ForecastLine{
		WeekIdx:     l.WeekIdx,
		AgeDays:     l.AgeDays,
		PlanDate:    planDate,
		AvgWeightG:  l.AvgWeightG,
		SurvivalPct: l.SurvivalPct,
		HarvestFlag: l.HarvestFlag,
	}
	if l.RemovalOrgM2 != nil {
		line.RemovalOrgM2.Float64 = *l.RemovalOrgM2
		line.RemovalOrgM2.Valid = true
	}
	return line, nil
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SourceType  string        `json:"source_type"`
		FromCurrent bool          `json:"from_current"`
		Lines       []lineRequest `json:"lines"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.FromCurrent {
		version, err := s.manager.CreateDraftFromCurrent(cycleID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, version)
		return
	}

	if req.SourceType == "" {
		req.SourceType = models.SourceManualPlan
	}
	lines := make([]models.ForecastLine, 0, len(req.Lines))
	for _, lr := range req.Lines {
		line, err := lr.toModel()
		if err != nil {
			writeError(w, err)
			return
		}
		lines = append(lines, line)
	}
	version, err := s.manager.CreateDraft(cycleID, req.SourceType, lines, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	includeCancelled := r.URL.Query().Get("include_cancelled") == "true"
	versions, err := s.manager.List(cycleID, includeCancelled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleCurrentVersion(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.manager.Current(cycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	if version == nil {
		writeError(w, fault.New(fault.PreconditionFailed, "cycle %d has no published forecast", cycleID))
		return
	}
	detail, err := s.manager.Detail(version.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleVersionDetail(w http.ResponseWriter, r *http.Request) {
	versionID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	detail, err := s.manager.Detail(versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.manager.Publish(versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleCancelVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.manager.Cancel(versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleCreateWave(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name        string   `json:"name"`
		Kind        string   `json:"kind"`
		WindowStart string   `json:"window_start"`
		WindowEnd   string   `json:"window_end"`
		TargetOrgM2 *float64 `json:"target_org_m2"`
		Order       *int64   `json:"order"`
		Notes       string   `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	start, err := parseDate(req.WindowStart)
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseDate(req.WindowEnd)
	if err != nil {
		writeError(w, err)
		return
	}
	wave, err := s.ingest.CreateWave(ingest.WaveInput{
		CycleID:     cycleID,
		Name:        req.Name,
		Kind:        req.Kind,
		WindowStart: start,
		WindowEnd:   end,
		TargetOrgM2: req.TargetOrgM2,
		Order:       req.Order,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wave)
}

func (s *Server) handleListWaves(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	waves, err := s.store.GetWaves(cycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, waves)
}

func (s *Server) handleWaveDetail(w http.ResponseWriter, r *http.Request) {
	waveID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	wave, err := s.store.GetWave(waveID)
	if err != nil {
		writeError(w, err)
		return
	}
	if wave == nil {
		writeError(w, fault.New(fault.InvalidInput, "harvest wave %d not found", waveID))
		return
	}
	lines, err := s.store.GetWaveLines(waveID)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.GetWaveStats(waveID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wave":  wave,
		"lines": lines,
		"stats": stats,
	})
}

func (s *Server) handleCancelWave(w http.ResponseWriter, r *http.Request) {
	waveID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	wave, err := s.ingest.CancelWave(waveID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wave)
}

func (s *Server) handleConfirmHarvest(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		BiomassKg    *float64 `json:"biomass_kg"`
		RemovalOrgM2 *float64 `json:"removal_org_m2"`
		Notes        string   `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.ingest.ConfirmHarvest(lineID, ingest.HarvestQuantity{
		BiomassKg:    req.BiomassKg,
		RemovalOrgM2: req.RemovalOrgM2,
	}, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"line":   result.Line,
		"job_id": result.JobID,
	})
}

func (s *Server) handleRescheduleHarvest(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		HarvestDate string `json:"harvest_date"`
		Reason      string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	date, err := parseDate(req.HarvestDate)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.ingest.ReprogramHarvest(lineID, date, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"line":   result.Line,
		"job_id": result.JobID,
	})
}

func (s *Server) handleEnqueueReconcile(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	cycle, err := s.store.GetCycle(cycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cycle == nil {
		writeError(w, fault.New(fault.InvalidInput, "cycle %d not found", cycleID))
		return
	}
	jobID := s.queue.Enqueue(cycleID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.queue.GetJob(r.PathValue("id"))
	if job == nil {
		writeError(w, fault.New(fault.InvalidInput, "unknown job %q", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReconcileRuns(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.store.GetRecentReconcileRuns(cycleID, queryLimit(r, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return fallback
}
