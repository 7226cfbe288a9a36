package ingest

import (
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/models"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

type fakeQueue struct {
	cycles []int64
}

func (q *fakeQueue) Enqueue(cycleID int64) string {
	q.cycles = append(q.cycles, cycleID)
	return fmt.Sprintf("job-%d", len(q.cycles))
}

func setupService(t *testing.T) (*Service, *store.Store, *fakeQueue) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queue := &fakeQueue{}
	return NewService(st, queue), st, queue
}

// seedFixtures creates an active cycle with one confirmed seeding on a
// 5000 m² pond at 12 org/m².
func seedFixtures(t *testing.T, st *store.Store) (cycleID, pondID int64) {
	t.Helper()
	cycle, err := st.CreateCycle(1, "2026-A", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}
	pondID, err = st.UpsertPond(models.Pond{FarmID: 1, Name: "P-01", AreaM2: 5000, Status: models.PondActive, Valid: true})
	if err != nil {
		t.Fatalf("UpsertPond: %v", err)
	}
	if _, err := st.CreateSeeding(models.Seeding{
		CycleID:      cycle.ID,
		PondID:       pondID,
		SeededAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		BaseDensity:  12,
		InitialSizeG: 0.8,
		Confirmed:    true,
	}); err != nil {
		t.Fatalf("CreateSeeding: %v", err)
	}
	if err := st.InitBaseline(cycle.ID, pondID, 100); err != nil {
		t.Fatalf("InitBaseline: %v", err)
	}
	return cycle.ID, pondID
}

func TestRecordBiometry(t *testing.T) {
	svc, st, queue := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	result, err := svc.RecordBiometry(BiometryInput{
		CycleID:       cycleID,
		PondID:        pondID,
		SampleSize:    100,
		SampleWeightG: 1500,
		SampledAt:     time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordBiometry: %v", err)
	}
	if result.Sample.AvgWeightG != 15 {
		t.Errorf("AvgWeightG = %v, want 15", result.Sample.AvgWeightG)
	}
	if result.Sample.SurvivalPct != 100 {
		t.Errorf("SurvivalPct = %v, want 100 from baseline", result.Sample.SurvivalPct)
	}
	if result.Sample.WeeklyGainG.Valid {
		t.Error("first sample should have no weekly gain")
	}
	if len(queue.cycles) != 1 || queue.cycles[0] != cycleID {
		t.Errorf("enqueued cycles = %v, want [%d]", queue.cycles, cycleID)
	}

	// One week later, 200 g heavier per hundred.
	second, err := svc.RecordBiometry(BiometryInput{
		CycleID:       cycleID,
		PondID:        pondID,
		SampleSize:    100,
		SampleWeightG: 1700,
		SampledAt:     time.Date(2026, 4, 19, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("second RecordBiometry: %v", err)
	}
	if !second.Sample.WeeklyGainG.Valid {
		t.Fatal("second sample should carry a weekly gain")
	}
	if math.Abs(second.Sample.WeeklyGainG.Float64-2) > 1e-9 {
		t.Errorf("WeeklyGainG = %v, want 2", second.Sample.WeeklyGainG.Float64)
	}
}

func TestRecordBiometry_UpdatesBaseline(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	survival := 87.5
	if _, err := svc.RecordBiometry(BiometryInput{
		CycleID:          cycleID,
		PondID:           pondID,
		SampleSize:       100,
		SampleWeightG:    1500,
		SuppliedSurvival: &survival,
		UpdatesBaseline:  true,
		Actor:            "jluna",
		Reason:           "april count",
	}); err != nil {
		t.Fatalf("RecordBiometry: %v", err)
	}

	baseline, err := st.GetBaseline(cycleID, pondID)
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if baseline.ValuePct != 87.5 {
		t.Errorf("ValuePct = %v, want 87.5", baseline.ValuePct)
	}

	changes, err := st.GetChangeLog(cycleID, pondID)
	if err != nil {
		t.Fatalf("GetChangeLog: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("len(changes) = %d, want 1", len(changes))
	}
}

func TestRecordBiometry_FirstSampleWithoutBaselineRow(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	// A pond whose baseline row is missing still accepts the first baseline
	// sample: the value chains off the implicit 100%.
	if _, err := st.DB().Exec(`DELETE FROM survival_baselines WHERE cycle_id = ? AND pond_id = ?`, cycleID, pondID); err != nil {
		t.Fatalf("drop baseline row: %v", err)
	}

	survival := 91.0
	if _, err := svc.RecordBiometry(BiometryInput{
		CycleID:          cycleID,
		PondID:           pondID,
		SampleSize:       100,
		SampleWeightG:    1500,
		SuppliedSurvival: &survival,
		UpdatesBaseline:  true,
		Actor:            "jluna",
	}); err != nil {
		t.Fatalf("RecordBiometry: %v", err)
	}

	baseline, err := st.GetBaseline(cycleID, pondID)
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if baseline == nil || baseline.ValuePct != 91 {
		t.Fatalf("baseline = %+v, want 91", baseline)
	}
	changes, err := st.GetChangeLog(cycleID, pondID)
	if err != nil {
		t.Fatalf("GetChangeLog: %v", err)
	}
	if len(changes) != 1 || changes[0].OldPct != 100 {
		t.Errorf("changes = %+v, want one entry from 100", changes)
	}
}

func TestRecordBiometry_BaselineFailureRollsBackSample(t *testing.T) {
	svc, st, queue := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	survival := 150.0
	_, err := svc.RecordBiometry(BiometryInput{
		CycleID:          cycleID,
		PondID:           pondID,
		SampleSize:       100,
		SampleWeightG:    1500,
		SuppliedSurvival: &survival,
		UpdatesBaseline:  true,
		Actor:            "jluna",
	})
	if !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("out-of-range survival: kind = %v, want invalid-input", fault.KindOf(err))
	}

	// The sample insert rides the same transaction as the baseline write.
	samples, err := st.GetCycleSampleHistory(cycleID, 10)
	if err != nil {
		t.Fatalf("GetCycleSampleHistory: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("len(samples) = %d, want 0 after rollback", len(samples))
	}
	if len(queue.cycles) != 0 {
		t.Errorf("enqueued cycles = %v, want none", queue.cycles)
	}
}

func TestRecordBiometry_Validation(t *testing.T) {
	svc, st, queue := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	_, err := svc.RecordBiometry(BiometryInput{CycleID: cycleID, PondID: pondID, SampleSize: 0, SampleWeightG: 1500})
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("zero sample size: kind = %v, want invalid-input", fault.KindOf(err))
	}

	_, err = svc.RecordBiometry(BiometryInput{CycleID: cycleID, PondID: pondID, SampleSize: 100, SampleWeightG: 1500, UpdatesBaseline: true})
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("missing survival: kind = %v, want invalid-input", fault.KindOf(err))
	}

	// No partial writes and no reconciliation on rejected input.
	samples, err := st.GetCycleSampleHistory(cycleID, 10)
	if err != nil {
		t.Fatalf("GetCycleSampleHistory: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("len(samples) = %d, want 0", len(samples))
	}
	if len(queue.cycles) != 0 {
		t.Errorf("enqueued cycles = %v, want none", queue.cycles)
	}
}

func TestRecordBiometry_InactiveCycle(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	if _, err := st.DB().Exec(`UPDATE cycles SET status = 'finalized' WHERE cycle_id = ?`, cycleID); err != nil {
		t.Fatalf("finalize cycle: %v", err)
	}

	_, err := svc.RecordBiometry(BiometryInput{CycleID: cycleID, PondID: pondID, SampleSize: 100, SampleWeightG: 1500})
	if !fault.Is(err, fault.InvalidState) {
		t.Errorf("finalized cycle: kind = %v, want invalid-state", fault.KindOf(err))
	}
}

func TestUpdateSampleNotes_BaselineSampleImmutable(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	survival := 90.0
	result, err := svc.RecordBiometry(BiometryInput{
		CycleID:          cycleID,
		PondID:           pondID,
		SampleSize:       100,
		SampleWeightG:    1500,
		SuppliedSurvival: &survival,
		UpdatesBaseline:  true,
		Actor:            "jluna",
	})
	if err != nil {
		t.Fatalf("RecordBiometry: %v", err)
	}

	_, err = svc.UpdateSampleNotes(result.Sample.ID, "late note")
	if !fault.Is(err, fault.InvalidState) {
		t.Errorf("edit baseline sample: kind = %v, want invalid-state", fault.KindOf(err))
	}
}

func recordSample(t *testing.T, svc *Service, cycleID, pondID int64, avgWeightG float64, sampledAt time.Time) {
	t.Helper()
	if _, err := svc.RecordBiometry(BiometryInput{
		CycleID:       cycleID,
		PondID:        pondID,
		SampleSize:    100,
		SampleWeightG: avgWeightG * 100,
		SampledAt:     sampledAt,
	}); err != nil {
		t.Fatalf("RecordBiometry: %v", err)
	}
}

func createPendingLine(t *testing.T, svc *Service, cycleID int64) *models.HarvestLine {
	t.Helper()
	wave, err := svc.CreateWave(WaveInput{
		CycleID:     cycleID,
		Name:        "W1",
		Kind:        models.WavePartial,
		WindowStart: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateWave: %v", err)
	}
	lines, err := svc.store.GetWaveLines(wave.ID)
	if err != nil {
		t.Fatalf("GetWaveLines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1 from one confirmed seeding", len(lines))
	}
	return &lines[0]
}

func TestConfirmHarvest_DeriveRemoval(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)
	recordSample(t, svc, cycleID, pondID, 15, time.Date(2026, 5, 25, 0, 0, 0, 0, time.UTC))
	line := createPendingLine(t, svc, cycleID)

	biomass := 300.0
	result, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{BiomassKg: &biomass}, "")
	if err != nil {
		t.Fatalf("ConfirmHarvest: %v", err)
	}
	// 300 kg over 5000 m² at 15 g is 4 organisms per m².
	if !result.Line.RemovalOrgM2.Valid || math.Abs(result.Line.RemovalOrgM2.Float64-4.0) > 1e-9 {
		t.Errorf("RemovalOrgM2 = %+v, want 4.0", result.Line.RemovalOrgM2)
	}
	if !result.Line.AvgWeightG.Valid || result.Line.AvgWeightG.Float64 != 15 {
		t.Errorf("AvgWeightG = %+v, want 15", result.Line.AvgWeightG)
	}
	if result.Line.Status != models.LineConfirmed {
		t.Errorf("Status = %q, want confirmed", result.Line.Status)
	}

	pond, err := st.GetPond(pondID)
	if err != nil {
		t.Fatalf("GetPond: %v", err)
	}
	if math.Abs(pond.RemovedOrgM2-4.0) > 1e-9 {
		t.Errorf("RemovedOrgM2 = %v, want 4.0", pond.RemovedOrgM2)
	}
}

func TestConfirmHarvest_DeriveBiomass(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)
	recordSample(t, svc, cycleID, pondID, 15, time.Date(2026, 5, 25, 0, 0, 0, 0, time.UTC))
	line := createPendingLine(t, svc, cycleID)

	removal := 2.0
	result, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{RemovalOrgM2: &removal}, "")
	if err != nil {
		t.Fatalf("ConfirmHarvest: %v", err)
	}
	if !result.Line.BiomassKg.Valid || math.Abs(result.Line.BiomassKg.Float64-150) > 1e-9 {
		t.Errorf("BiomassKg = %+v, want 150", result.Line.BiomassKg)
	}
}

func TestConfirmHarvest_QuantityValidation(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)
	recordSample(t, svc, cycleID, pondID, 15, time.Date(2026, 5, 25, 0, 0, 0, 0, time.UTC))
	line := createPendingLine(t, svc, cycleID)

	biomass, removal := 300.0, 2.0
	cases := []struct {
		name string
		qty  HarvestQuantity
	}{
		{"both", HarvestQuantity{BiomassKg: &biomass, RemovalOrgM2: &removal}},
		{"neither", HarvestQuantity{}},
	}
	for _, tc := range cases {
		if _, err := svc.ConfirmHarvest(line.ID, tc.qty, ""); !fault.Is(err, fault.InvalidInput) {
			t.Errorf("%s: kind = %v, want invalid-input", tc.name, fault.KindOf(err))
		}
	}

	got, err := st.GetHarvestLine(line.ID)
	if err != nil {
		t.Fatalf("GetHarvestLine: %v", err)
	}
	if got.Status != models.LinePending {
		t.Errorf("Status = %q, want pending after rejected confirmations", got.Status)
	}
}

func TestConfirmHarvest_NoSample(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, _ := seedFixtures(t, st)
	line := createPendingLine(t, svc, cycleID)

	biomass := 300.0
	_, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{BiomassKg: &biomass}, "")
	if !fault.Is(err, fault.PreconditionFailed) {
		t.Errorf("no sample: kind = %v, want precondition-failed", fault.KindOf(err))
	}
}

func TestConfirmHarvest_AlreadyConfirmed(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)
	recordSample(t, svc, cycleID, pondID, 15, time.Date(2026, 5, 25, 0, 0, 0, 0, time.UTC))
	line := createPendingLine(t, svc, cycleID)

	biomass := 300.0
	if _, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{BiomassKg: &biomass}, ""); err != nil {
		t.Fatalf("ConfirmHarvest: %v", err)
	}
	_, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{BiomassKg: &biomass}, "")
	if !fault.Is(err, fault.InvalidState) {
		t.Errorf("reconfirm: kind = %v, want invalid-state", fault.KindOf(err))
	}
}

func TestReprogramHarvest(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, _ := seedFixtures(t, st)
	line := createPendingLine(t, svc, cycleID)

	newDate := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	result, err := svc.ReprogramHarvest(line.ID, newDate, "processing plant backlog")
	if err != nil {
		t.Fatalf("ReprogramHarvest: %v", err)
	}
	if !result.Line.HarvestDate.Equal(newDate) {
		t.Errorf("HarvestDate = %v, want %v", result.Line.HarvestDate, newDate)
	}

	wave, err := st.GetWave(line.WaveID)
	if err != nil {
		t.Fatalf("GetWave: %v", err)
	}
	if wave.Status != models.WaveRescheduled {
		t.Errorf("wave Status = %q, want rescheduled", wave.Status)
	}
}

func TestCancelWave_NoPendingLines(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)
	recordSample(t, svc, cycleID, pondID, 15, time.Date(2026, 5, 25, 0, 0, 0, 0, time.UTC))
	line := createPendingLine(t, svc, cycleID)

	biomass := 300.0
	if _, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{BiomassKg: &biomass}, ""); err != nil {
		t.Fatalf("ConfirmHarvest: %v", err)
	}

	_, err := svc.CancelWave(line.WaveID)
	if !fault.Is(err, fault.InvalidState) {
		t.Errorf("cancel fully-confirmed wave: kind = %v, want invalid-state", fault.KindOf(err))
	}
}

func TestCancelWave_Twice(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, _ := seedFixtures(t, st)
	line := createPendingLine(t, svc, cycleID)

	wave, err := svc.CancelWave(line.WaveID)
	if err != nil {
		t.Fatalf("CancelWave: %v", err)
	}
	if wave.Status != models.WaveCancelled {
		t.Errorf("Status = %q, want cancelled", wave.Status)
	}

	_, err = svc.CancelWave(line.WaveID)
	if !fault.Is(err, fault.InvalidState) {
		t.Errorf("second cancel: kind = %v, want invalid-state", fault.KindOf(err))
	}
}

func TestCreateWave_OneLinePerConfirmedSeeding(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, _ := seedFixtures(t, st)

	second, err := st.UpsertPond(models.Pond{FarmID: 1, Name: "P-02", AreaM2: 3000, Status: models.PondActive, Valid: true})
	if err != nil {
		t.Fatalf("UpsertPond: %v", err)
	}
	if _, err := st.CreateSeeding(models.Seeding{
		CycleID:     cycleID,
		PondID:      second,
		SeededAt:    time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		BaseDensity: 10,
		Confirmed:   true,
	}); err != nil {
		t.Fatalf("CreateSeeding: %v", err)
	}
	third, err := st.UpsertPond(models.Pond{FarmID: 1, Name: "P-03", AreaM2: 2000, Status: models.PondActive, Valid: true})
	if err != nil {
		t.Fatalf("UpsertPond: %v", err)
	}
	if _, err := st.CreateSeeding(models.Seeding{
		CycleID:     cycleID,
		PondID:      third,
		SeededAt:    time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		BaseDensity: 10,
		Confirmed:   false,
	}); err != nil {
		t.Fatalf("CreateSeeding: %v", err)
	}

	windowStart := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	wave, err := svc.CreateWave(WaveInput{
		CycleID:     cycleID,
		Name:        "W1",
		Kind:        models.WavePartial,
		WindowStart: windowStart,
		WindowEnd:   windowStart.AddDate(0, 0, 6),
	})
	if err != nil {
		t.Fatalf("CreateWave: %v", err)
	}

	lines, err := st.GetWaveLines(wave.ID)
	if err != nil {
		t.Fatalf("GetWaveLines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2 (unconfirmed seeding excluded)", len(lines))
	}
	for _, l := range lines {
		if !l.HarvestDate.Equal(windowStart) {
			t.Errorf("line %d HarvestDate = %v, want window start", l.ID, l.HarvestDate)
		}
		if l.Status != models.LinePending {
			t.Errorf("line %d Status = %q, want pending", l.ID, l.Status)
		}
	}
}

func TestCreateWave_Validation(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, _ := seedFixtures(t, st)

	start := time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC)
	_, err := svc.CreateWave(WaveInput{
		CycleID:     cycleID,
		Name:        "W1",
		Kind:        models.WavePartial,
		WindowStart: start,
		WindowEnd:   start.AddDate(0, 0, -3),
	})
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("inverted window: kind = %v, want invalid-input", fault.KindOf(err))
	}

	_, err = svc.CreateWave(WaveInput{
		CycleID:     cycleID,
		Name:        "W1",
		Kind:        "total",
		WindowStart: start,
		WindowEnd:   start.AddDate(0, 0, 6),
	})
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("bad kind: kind = %v, want invalid-input", fault.KindOf(err))
	}
}

func TestBiometryContext(t *testing.T) {
	svc, st, _ := setupService(t)
	cycleID, pondID := seedFixtures(t, st)

	if _, err := st.SetBaseline(cycleID, pondID, 90, models.BaselineManual, "", "jluna"); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}
	recordSample(t, svc, cycleID, pondID, 15, time.Date(2026, 5, 25, 0, 0, 0, 0, time.UTC))
	line := createPendingLine(t, svc, cycleID)
	biomass := 97.5 // 1.3 org/m² at 15 g over 5000 m²
	if _, err := svc.ConfirmHarvest(line.ID, HarvestQuantity{BiomassKg: &biomass}, ""); err != nil {
		t.Fatalf("ConfirmHarvest: %v", err)
	}

	ctx, err := svc.BiometryContext(cycleID, pondID, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BiometryContext: %v", err)
	}
	if ctx.BaselinePct != 90 {
		t.Errorf("BaselinePct = %v, want 90", ctx.BaselinePct)
	}
	// 12 * 0.90 - 1.3 removed = 9.5 org/m² still in the water.
	if math.Abs(ctx.EstDensity-9.5) > 1e-9 {
		t.Errorf("EstDensity = %v, want 9.5", ctx.EstDensity)
	}
	if ctx.LastSample == nil || ctx.LastSample.AvgWeightG != 15 {
		t.Errorf("LastSample = %+v, want avg weight 15", ctx.LastSample)
	}
	if ctx.AgeDays != 99 {
		t.Errorf("AgeDays = %d, want 99", ctx.AgeDays)
	}
}

func TestDeriveRoundTrip(t *testing.T) {
	removal := DeriveRemovalDensity(300, 5000, 15)
	if math.Abs(removal-4.0) > 1e-9 {
		t.Errorf("DeriveRemovalDensity = %v, want 4.0", removal)
	}
	biomass := DeriveBiomassKg(removal, 5000, 15)
	if math.Abs(biomass-300) > 1e-9 {
		t.Errorf("DeriveBiomassKg = %v, want 300", biomass)
	}
}
