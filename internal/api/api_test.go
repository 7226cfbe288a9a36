package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skaescobedo/AquaTrack/internal/forecast"
	"github.com/skaescobedo/AquaTrack/internal/ingest"
	"github.com/skaescobedo/AquaTrack/internal/models"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

func setupAPI(t *testing.T) (http.Handler, *store.Store, *forecast.Queue) {
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

	mgr := forecast.NewManager(st)
	engine := forecast.NewEngine(st, mgr)
	// No workers running: jobs stay pending, which the tests rely on.
	queue := forecast.NewQueue(engine, st)
	svc := ingest.NewService(st, queue)
	server := NewServer(st, svc, mgr, queue, "0")
	return server.Handler(), st, queue
}

func seedAPIFixtures(t *testing.T, st *store.Store) (cycleID, pondID int64) {
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

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	handler, _, _ := setupAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestRecordBiometryEndpoint(t *testing.T) {
	handler, st, queue := setupAPI(t)
	cycleID, pondID := seedAPIFixtures(t, st)

	rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/cycles/%d/biometry", cycleID), map[string]any{
		"pond_id":         pondID,
		"sample_size":     100,
		"sample_weight_g": 1500,
		"sampled_at":      "2026-04-12",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Sample struct {
			AvgWeightG float64 `json:"AvgWeightG"`
		} `json:"sample"`
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("job_id missing")
	}

	job := queue.GetJob(resp.JobID)
	if job == nil {
		t.Fatal("job not registered")
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/jobs/"+resp.JobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job poll status = %d, want 200", rec.Code)
	}
}

func TestFaultStatusMapping(t *testing.T) {
	handler, st, _ := setupAPI(t)
	cycleID, pondID := seedAPIFixtures(t, st)

	// Invalid input is a 400.
	rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/cycles/%d/biometry", cycleID), map[string]any{
		"pond_id":         pondID,
		"sample_size":     0,
		"sample_weight_g": 1500,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero sample size: status = %d, want 400", rec.Code)
	}

	// A harvest without a weight reference is a failed precondition.
	waveID, err := st.CreateWave(models.HarvestWave{
		CycleID:     cycleID,
		Name:        "W1",
		Kind:        models.WavePartial,
		WindowStart: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateWave: %v", err)
	}
	lineID, err := st.CreateHarvestLine(models.HarvestLine{
		WaveID:      waveID,
		PondID:      pondID,
		HarvestDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateHarvestLine: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/harvests/%d/confirm", lineID), map[string]any{
		"biomass_kg": 300,
	})
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("no sample: status = %d, want 412: %s", rec.Code, rec.Body)
	}

	// Supplying both quantities is rejected outright.
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/harvests/%d/confirm", lineID), map[string]any{
		"biomass_kg":     300,
		"removal_org_m2": 2,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("both quantities: status = %d, want 400", rec.Code)
	}
}

func versionLines(weeks int) []map[string]any {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lines := make([]map[string]any, weeks)
	for i := 0; i < weeks; i++ {
		lines[i] = map[string]any{
			"week_idx":     i,
			"age_days":     i * 7,
			"plan_date":    start.AddDate(0, 0, i*7).Format("2006-01-02"),
			"avg_weight_g": 1 + 1.2*float64(i),
			"survival_pct": 95,
		}
	}
	return lines
}

func TestVersionLifecycleEndpoints(t *testing.T) {
	handler, st, _ := setupAPI(t)
	cycleID, _ := seedAPIFixtures(t, st)

	rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/cycles/%d/versions", cycleID), map[string]any{
		"source_type": models.SourceManualPlan,
		"lines":       versionLines(10),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create draft: status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var draft models.ForecastVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &draft); err != nil {
		t.Fatalf("decode draft: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/versions/%d/publish", draft.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: status = %d, want 200: %s", rec.Code, rec.Body)
	}

	// Publishing again races with nobody and still conflicts.
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/versions/%d/publish", draft.ID), nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("republish: status = %d, want 409", rec.Code)
	}
	var errResp struct {
		Retryable bool `json:"retryable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !errResp.Retryable {
		t.Error("publish conflict should be flagged retryable")
	}

	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/cycles/%d/versions/current", cycleID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current: status = %d, want 200", rec.Code)
	}
	var detail struct {
		Version models.ForecastVersion `json:"Version"`
		Lines   []map[string]any       `json:"Lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Version.ID != draft.ID {
		t.Errorf("current version = %d, want %d", detail.Version.ID, draft.ID)
	}
	if len(detail.Lines) != 10 {
		t.Errorf("len(lines) = %d, want 10", len(detail.Lines))
	}
}

func TestOverviewEndpoint(t *testing.T) {
	handler, st, _ := setupAPI(t)
	cycleID, pondID := seedAPIFixtures(t, st)

	rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/cycles/%d/biometry", cycleID), map[string]any{
		"pond_id":         pondID,
		"sample_size":     100,
		"sample_weight_g": 1500,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record biometry: status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/cycles/%d/overview", cycleID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overview: status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var overview Overview
	if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if overview.KPIs.SeededPonds != 1 {
		t.Errorf("SeededPonds = %d, want 1", overview.KPIs.SeededPonds)
	}
	if overview.KPIs.TotalAreaM2 != 5000 {
		t.Errorf("TotalAreaM2 = %v, want 5000", overview.KPIs.TotalAreaM2)
	}
	if len(overview.Ponds) != 1 {
		t.Fatalf("len(Ponds) = %d, want 1", len(overview.Ponds))
	}
	// 12 org/m² at 100% survival, 15 g each, over 5000 m².
	if overview.Ponds[0].EstBiomassKg != 900 {
		t.Errorf("EstBiomassKg = %v, want 900", overview.Ponds[0].EstBiomassKg)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/cycles/9999/overview", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing cycle: status = %d, want 400", rec.Code)
	}
}

func TestSetBaselineEndpoint(t *testing.T) {
	handler, st, _ := setupAPI(t)
	cycleID, pondID := seedAPIFixtures(t, st)

	rec := doJSON(t, handler, http.MethodPut, fmt.Sprintf("/api/cycles/%d/ponds/%d/baseline", cycleID, pondID), map[string]any{
		"value_pct": 85,
		"reason":    "field count",
		"actor":     "jluna",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set baseline: status = %d, want 200: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/cycles/%d/ponds/%d/baseline/history", cycleID, pondID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status = %d, want 200", rec.Code)
	}
	var changes []models.SurvivalChange
	if err := json.Unmarshal(rec.Body.Bytes(), &changes); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("len(changes) = %d, want 1", len(changes))
	}

	// Missing actor is rejected before any write.
	rec = doJSON(t, handler, http.MethodPut, fmt.Sprintf("/api/cycles/%d/ponds/%d/baseline", cycleID, pondID), map[string]any{
		"value_pct": 80,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing actor: status = %d, want 400", rec.Code)
	}
}
