package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/forecast"
	"github.com/skaescobedo/AquaTrack/internal/ingest"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

type Server struct {
	store   *store.Store
	ingest  *ingest.Service
	manager *forecast.Manager
	queue   *forecast.Queue
	port    string
}

func NewServer(st *store.Store, svc *ingest.Service, mgr *forecast.Manager, q *forecast.Queue, port string) *Server {
	return &Server{
		store:   st,
		ingest:  svc,
		manager: mgr,
		queue:   q,
		port:    port,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/cycles", s.handleCreateCycle)
	mux.HandleFunc("GET /api/cycles/{id}/overview", s.handleOverview)
	mux.HandleFunc("POST /api/ponds", s.handleUpsertPond)
	mux.HandleFunc("POST /api/cycles/{id}/seedings", s.handleCreateSeeding)

	mux.HandleFunc("POST /api/cycles/{id}/biometry", s.handleRecordBiometry)
	mux.HandleFunc("GET /api/cycles/{id}/biometry", s.handleCycleBiometry)
	mux.HandleFunc("GET /api/cycles/{id}/ponds/{pond}/biometry", s.handlePondBiometry)
	mux.HandleFunc("GET /api/cycles/{id}/ponds/{pond}/biometry-context", s.handleBiometryContext)
	mux.HandleFunc("PATCH /api/biometry/{id}/notes", s.handleSampleNotes)

	mux.HandleFunc("GET /api/cycles/{id}/ponds/{pond}/baseline", s.handleGetBaseline)
	mux.HandleFunc("PUT /api/cycles/{id}/ponds/{pond}/baseline", s.handleSetBaseline)
	mux.HandleFunc("GET /api/cycles/{id}/ponds/{pond}/baseline/history", s.handleBaselineHistory)

	mux.HandleFunc("POST /api/cycles/{id}/versions", s.handleCreateVersion)
	mux.HandleFunc("GET /api/cycles/{id}/versions", s.handleListVersions)
	mux.HandleFunc("GET /api/cycles/{id}/versions/current", s.handleCurrentVersion)
	mux.HandleFunc("GET /api/versions/{id}", s.handleVersionDetail)
	mux.HandleFunc("POST /api/versions/{id}/publish", s.handlePublishVersion)
	mux.HandleFunc("POST /api/versions/{id}/cancel", s.handleCancelVersion)

	mux.HandleFunc("POST /api/cycles/{id}/waves", s.handleCreateWave)
	mux.HandleFunc("GET /api/cycles/{id}/waves", s.handleListWaves)
	mux.HandleFunc("GET /api/waves/{id}", s.handleWaveDetail)
	mux.HandleFunc("POST /api/waves/{id}/cancel", s.handleCancelWave)
	mux.HandleFunc("POST /api/harvests/{id}/confirm", s.handleConfirmHarvest)
	mux.HandleFunc("POST /api/harvests/{id}/reschedule", s.handleRescheduleHarvest)

	mux.HandleFunc("POST /api/cycles/{id}/reconcile", s.handleEnqueueReconcile)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/cycles/{id}/reconcile-runs", s.handleReconcileRuns)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

// writeError maps the fault taxonomy onto HTTP statuses. Conflicts carry
// a retryable hint so clients know a straight retry may succeed.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.InvalidInput:
		status = http.StatusBadRequest
	case fault.InvalidState:
		status = http.StatusConflict
	case fault.PreconditionFailed:
		status = http.StatusPreconditionFailed
	case fault.Conflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("api: %v", err)
	}
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"retryable": fault.Retryable(err),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.InvalidInput, err, "decode request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.New(fault.InvalidInput, "invalid %s %q", name, r.PathValue(name))
	}
	return id, nil
}

// parseDate accepts plain dates and full timestamps.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fault.New(fault.InvalidInput, "invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	cycles, err := s.store.GetActiveCycles()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"schema_version": version,
		"active_cycles":  len(cycles),
	})
}
