package ingest

import (
	"database/sql"
	"log"
	"strconv"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/metrics"
	"github.com/skaescobedo/AquaTrack/internal/models"
)

// HarvestQuantity is the tagged input for a confirmation: exactly one of the
// two fields must be set and positive; the other is derived.
type HarvestQuantity struct {
	BiomassKg    *float64
	RemovalOrgM2 *float64
}

func (q HarvestQuantity) validate() error {
	if q.BiomassKg != nil && q.RemovalOrgM2 != nil {
		return fault.New(fault.InvalidInput, "supply biomass_kg or removal_org_m2, not both")
	}
	if q.BiomassKg == nil && q.RemovalOrgM2 == nil {
		return fault.New(fault.InvalidInput, "one of biomass_kg or removal_org_m2 is required")
	}
	if q.BiomassKg != nil && *q.BiomassKg <= 0 {
		return fault.New(fault.InvalidInput, "biomass_kg must be positive, got %.3f", *q.BiomassKg)
	}
	if q.RemovalOrgM2 != nil && *q.RemovalOrgM2 <= 0 {
		return fault.New(fault.InvalidInput, "removal_org_m2 must be positive, got %.3f", *q.RemovalOrgM2)
	}
	return nil
}

type HarvestResult struct {
	Line  *models.HarvestLine
	JobID string
}

// ConfirmHarvest resolves the pond's reference weight from its latest
// biometry sample, derives the missing quantity, and commits the line as
// confirmed. Both quantities are immutable afterwards.
func (s *Service) ConfirmHarvest(lineID int64, qty HarvestQuantity, notes string) (*HarvestResult, error) {
	if err := qty.validate(); err != nil {
		return nil, err
	}

	line, err := s.store.GetHarvestLine(lineID)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, fault.New(fault.InvalidInput, "harvest line %d not found", lineID)
	}
	if line.Status != models.LinePending {
		return nil, fault.New(fault.InvalidState, "harvest line %d is %s, only pending lines can be confirmed", lineID, line.Status)
	}

	wave, err := s.store.GetWave(line.WaveID)
	if err != nil {
		return nil, err
	}

	pond, err := s.store.GetPond(line.PondID)
	if err != nil {
		return nil, err
	}
	if pond == nil {
		return nil, fault.New(fault.Internal, "pond %d missing for harvest line %d", line.PondID, lineID)
	}

	// Harvest cannot be priced without a weight reference.
	latest, err := s.store.GetLatestSample(wave.CycleID, line.PondID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fault.New(fault.PreconditionFailed, "no biometry sample for pond %d in cycle %d", line.PondID, wave.CycleID)
	}

	avgWeight := latest.AvgWeightG
	var biomassKg, removalOrgM2 float64
	if qty.BiomassKg != nil {
		biomassKg = *qty.BiomassKg
		removalOrgM2 = DeriveRemovalDensity(biomassKg, pond.AreaM2, avgWeight)
	} else {
		removalOrgM2 = *qty.RemovalOrgM2
		biomassKg = DeriveBiomassKg(removalOrgM2, pond.AreaM2, avgWeight)
	}

	var notesVal sql.NullString
	if notes != "" {
		notesVal = sql.NullString{String: notes, Valid: true}
	}

	confirmed, err := s.store.ConfirmHarvestLine(lineID, line.PondID, avgWeight, biomassKg, removalOrgM2, notesVal)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "confirm harvest line")
	}
	if !confirmed {
		return nil, fault.New(fault.Conflict, "harvest line %d was confirmed or cancelled concurrently", lineID)
	}

	metrics.HarvestsConfirmed.WithLabelValues(strconv.FormatInt(wave.CycleID, 10)).Inc()
	jobID := s.queue.Enqueue(wave.CycleID)
	log.Printf("ingest: harvest confirmed line=%d pond=%d biomass=%.1fkg removal=%.2forg/m2 job=%s",
		lineID, line.PondID, biomassKg, removalOrgM2, jobID)

	updated, err := s.store.GetHarvestLine(lineID)
	if err != nil {
		return nil, err
	}
	return &HarvestResult{Line: updated, JobID: jobID}, nil
}

// ReprogramHarvest moves a pending line to a new date. A schedule slip
// changes the expected age-at-harvest, so reconciliation is enqueued.
func (s *Service) ReprogramHarvest(lineID int64, newDate time.Time, reason string) (*HarvestResult, error) {
	if newDate.IsZero() {
		return nil, fault.New(fault.InvalidInput, "new harvest date is required")
	}

	line, err := s.store.GetHarvestLine(lineID)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, fault.New(fault.InvalidInput, "harvest line %d not found", lineID)
	}
	if line.Status != models.LinePending {
		return nil, fault.New(fault.InvalidState, "harvest line %d is %s, only pending lines can be reprogrammed", lineID, line.Status)
	}

	moved, err := s.store.ReprogramHarvestLine(lineID, newDate)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fault.New(fault.Conflict, "harvest line %d changed concurrently", lineID)
	}

	wave, err := s.store.GetWave(line.WaveID)
	if err != nil {
		return nil, err
	}
	jobID := s.queue.Enqueue(wave.CycleID)
	if reason != "" {
		log.Printf("ingest: harvest line %d moved to %s (%s)", lineID, newDate.Format("2006-01-02"), reason)
	}

	updated, err := s.store.GetHarvestLine(lineID)
	if err != nil {
		return nil, err
	}
	return &HarvestResult{Line: updated, JobID: jobID}, nil
}

// CancelWave cancels a wave and all its pending lines. History of completed
// work is never erased: confirmed lines stay as they are.
func (s *Service) CancelWave(waveID int64) (*models.HarvestWave, error) {
	wave, err := s.store.GetWave(waveID)
	if err != nil {
		return nil, err
	}
	if wave == nil {
		return nil, fault.New(fault.InvalidInput, "harvest wave %d not found", waveID)
	}
	if wave.Status == models.WaveCancelled {
		return nil, fault.New(fault.InvalidState, "harvest wave %d is already cancelled", waveID)
	}

	stats, err := s.store.GetWaveStats(waveID)
	if err != nil {
		return nil, err
	}
	if stats.PendingLines == 0 {
		return nil, fault.New(fault.InvalidState, "harvest wave %d has no pending lines to cancel", waveID)
	}

	cancelled, err := s.store.CancelWave(waveID)
	if err != nil {
		return nil, err
	}

	s.queue.Enqueue(wave.CycleID)
	log.Printf("ingest: wave %d cancelled, %d pending lines dropped", waveID, cancelled)

	return s.store.GetWave(waveID)
}

type WaveInput struct {
	CycleID     int64
	Name        string
	Kind        string // partial or final
	WindowStart time.Time
	WindowEnd   time.Time
	TargetOrgM2 *float64
	Order       *int64
	Notes       string
}

// CreateWave creates a wave and one pending line per pond with a confirmed
// seeding in the cycle, scheduled at the window start.
func (s *Service) CreateWave(in WaveInput) (*models.HarvestWave, error) {
	if in.Name == "" {
		return nil, fault.New(fault.InvalidInput, "wave name is required")
	}
	if in.Kind != models.WavePartial && in.Kind != models.WaveFinal {
		return nil, fault.New(fault.InvalidInput, "wave kind must be partial or final, got %q", in.Kind)
	}
	if in.WindowEnd.Before(in.WindowStart) {
		return nil, fault.New(fault.InvalidInput, "wave window end precedes start")
	}

	cycle, err := s.store.GetCycle(in.CycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fault.New(fault.InvalidInput, "cycle %d not found", in.CycleID)
	}
	if cycle.Status != models.CycleActive {
		return nil, fault.New(fault.InvalidState, "cycle %d is %s", in.CycleID, cycle.Status)
	}

	wave := models.HarvestWave{
		CycleID:     in.CycleID,
		Name:        in.Name,
		Kind:        in.Kind,
		WindowStart: in.WindowStart,
		WindowEnd:   in.WindowEnd,
	}
	if in.TargetOrgM2 != nil {
		wave.TargetOrgM2 = sql.NullFloat64{Float64: *in.TargetOrgM2, Valid: true}
	}
	if in.Order != nil {
		wave.Order = sql.NullInt64{Int64: *in.Order, Valid: true}
	}
	if in.Notes != "" {
		wave.Notes = sql.NullString{String: in.Notes, Valid: true}
	}

	waveID, err := s.store.CreateWave(wave)
	if err != nil {
		return nil, err
	}

	seedings, err := s.store.GetConfirmedSeedings(in.CycleID)
	if err != nil {
		return nil, err
	}
	for _, sd := range seedings {
		if _, err := s.store.CreateHarvestLine(models.HarvestLine{
			WaveID:      waveID,
			PondID:      sd.PondID,
			HarvestDate: in.WindowStart,
		}); err != nil {
			return nil, err
		}
	}
	log.Printf("ingest: wave %d created for cycle %d with %d lines", waveID, in.CycleID, len(seedings))

	return s.store.GetWave(waveID)
}
