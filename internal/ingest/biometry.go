package ingest

import (
	"database/sql"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/metrics"
	"github.com/skaescobedo/AquaTrack/internal/models"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

// Enqueuer accepts reconciliation requests keyed by cycle and returns a
// pollable job handle. Satisfied by forecast.Queue.
type Enqueuer interface {
	Enqueue(cycleID int64) string
}

// Service is the measurement ingest boundary: it validates and records
// biometry samples and harvest confirmations, and enqueues reconciliation
// for the owning cycle after every accepted write.
type Service struct {
	store *store.Store
	queue Enqueuer
}

func NewService(st *store.Store, queue Enqueuer) *Service {
	return &Service{store: st, queue: queue}
}

type BiometryInput struct {
	CycleID          int64
	PondID           int64
	SampleSize       int
	SampleWeightG    float64
	SuppliedSurvival *float64
	UpdatesBaseline  bool
	Source           string
	Reason           string
	Actor            string
	Notes            string
	SampledAt        time.Time // zero means now
}

// BiometryResult pairs the persisted sample with the handle of the
// reconciliation run it triggered.
type BiometryResult struct {
	Sample *models.BiometrySample
	JobID  string
}

// RecordBiometry validates and persists a sample, updates the survival
// baseline when flagged, and always enqueues reconciliation: a new weight
// measurement alone may shift future projected lines.
func (s *Service) RecordBiometry(in BiometryInput) (*BiometryResult, error) {
	if in.SampleSize <= 0 {
		return nil, fault.New(fault.InvalidInput, "sample size must be positive, got %d", in.SampleSize)
	}
	if in.SampleWeightG <= 0 {
		return nil, fault.New(fault.InvalidInput, "sample weight must be positive, got %.2f", in.SampleWeightG)
	}
	if in.UpdatesBaseline && in.SuppliedSurvival == nil {
		return nil, fault.New(fault.InvalidInput, "survival value is required when the sample updates the baseline")
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

	pond, err := s.store.GetPond(in.PondID)
	if err != nil {
		return nil, err
	}
	if pond == nil {
		return nil, fault.New(fault.InvalidInput, "pond %d not found", in.PondID)
	}

	sampledAt := in.SampledAt
	if sampledAt.IsZero() {
		sampledAt = time.Now().UTC()
	}

	avgWeight := in.SampleWeightG / float64(in.SampleSize)

	survival := 0.0
	if in.SuppliedSurvival != nil {
		survival = *in.SuppliedSurvival
	} else if baseline, err := s.store.GetBaseline(in.CycleID, in.PondID); err != nil {
		return nil, err
	} else if baseline != nil {
		survival = baseline.ValuePct
	}

	sample := models.BiometrySample{
		CycleID:         in.CycleID,
		PondID:          in.PondID,
		SampledAt:       sampledAt,
		SampleSize:      in.SampleSize,
		SampleWeightG:   in.SampleWeightG,
		AvgWeightG:      avgWeight,
		SurvivalPct:     survival,
		UpdatesBaseline: in.UpdatesBaseline,
	}
	if in.Source != "" {
		sample.Source = sql.NullString{String: in.Source, Valid: true}
	}
	if in.Notes != "" {
		sample.Notes = sql.NullString{String: in.Notes, Valid: true}
	}

	// Incremental growth versus the latest prior sample, null for the first.
	prev, err := s.store.GetLatestSample(in.CycleID, in.PondID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		weeks := sampledAt.Sub(prev.SampledAt).Hours() / (24 * 7)
		if weeks > 0 {
			sample.WeeklyGainG = sql.NullFloat64{Float64: (avgWeight - prev.AvgWeightG) / weeks, Valid: true}
		}
	}

	baselineSource := in.Source
	if baselineSource == "" {
		baselineSource = models.BaselineBiometry
	}

	// Sample and baseline change land together or not at all.
	sampleID, err := s.store.RecordSample(sample, baselineSource, in.Reason, in.Actor)
	if err != nil {
		if fault.Is(err, fault.Conflict) {
			metrics.BaselineConflicts.Inc()
		}
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fault.Wrap(fault.Internal, err, "persist biometry sample")
	}
	sample.ID = sampleID

	metrics.BiometrySamplesRecorded.WithLabelValues(strconv.FormatInt(in.CycleID, 10)).Inc()
	jobID := s.queue.Enqueue(in.CycleID)
	log.Printf("ingest: biometry recorded cycle=%d pond=%d avg=%.2fg job=%s", in.CycleID, in.PondID, avgWeight, jobID)

	stored, err := s.store.GetBiometrySample(sampleID)
	if err != nil {
		return nil, err
	}
	return &BiometryResult{Sample: stored, JobID: jobID}, nil
}

// UpdateSampleNotes edits a sample's notes. A sample that updated the
// baseline is immutable; correcting it requires a compensating SetBaseline.
func (s *Service) UpdateSampleNotes(sampleID int64, notes string) (*models.BiometrySample, error) {
	sample, err := s.store.GetBiometrySample(sampleID)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, fault.New(fault.InvalidInput, "biometry sample %d not found", sampleID)
	}
	if sample.UpdatesBaseline {
		return nil, fault.New(fault.InvalidState, "sample %d updated the survival baseline and cannot be edited", sampleID)
	}

	affected, err := s.store.UpdateSampleNotes(sampleID, notes)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fault.New(fault.Conflict, "sample %d changed concurrently", sampleID)
	}
	return s.store.GetBiometrySample(sampleID)
}
