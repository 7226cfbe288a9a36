package forecast

import (
	"fmt"
	"log"

	"github.com/skaescobedo/AquaTrack/internal/fault"
	"github.com/skaescobedo/AquaTrack/internal/metrics"
	"github.com/skaescobedo/AquaTrack/internal/models"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

// Manager owns the forecast version lifecycle: draft, publish, cancel.
// At most one draft and at most one current version exist per cycle; the
// store enforces both, the manager adds input validation and labeling.
type Manager struct {
	store *store.Store
}

func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// ValidateLines checks the structural invariants of a forecast curve:
// weeks contiguous from zero, non-negative weights, survival within
// [0, 100] and never increasing week over week. A curve may legitimately
// end at 0% survival after a final harvest.
func ValidateLines(lines []models.ForecastLine) error {
	if len(lines) == 0 {
		return fault.New(fault.InvalidInput, "a forecast needs at least one line")
	}
	prevSurvival := 100.0
	for i, l := range lines {
		if l.WeekIdx != i {
			return fault.New(fault.InvalidInput, "week indexes must be contiguous from 0, got %d at position %d", l.WeekIdx, i)
		}
		if l.AvgWeightG < 0 {
			return fault.New(fault.InvalidInput, "week %d: avg weight must be non-negative, got %.2f", l.WeekIdx, l.AvgWeightG)
		}
		if l.SurvivalPct < 0 || l.SurvivalPct > 100 {
			return fault.New(fault.InvalidInput, "week %d: survival %.2f%% outside [0, 100]", l.WeekIdx, l.SurvivalPct)
		}
		if l.SurvivalPct > prevSurvival {
			return fault.New(fault.InvalidInput, "week %d: survival %.2f%% rises above prior week's %.2f%%", l.WeekIdx, l.SurvivalPct, prevSurvival)
		}
		if l.HarvestFlag && !l.RemovalOrgM2.Valid {
			return fault.New(fault.InvalidInput, "week %d: harvest week needs a removal density", l.WeekIdx)
		}
		prevSurvival = l.SurvivalPct
	}
	return nil
}

// CreateDraft registers a new draft version for a cycle. sourceType tags
// where the curve came from; parent links a reforecast to the version it
// was derived from.
func (m *Manager) CreateDraft(cycleID int64, sourceType string, lines []models.ForecastLine, parentID *int64) (*models.ForecastVersion, error) {
	switch sourceType {
	case models.SourceManualPlan, models.SourceImportedFile, models.SourceReforecast:
	default:
		return nil, fault.New(fault.InvalidInput, "unknown source type %q", sourceType)
	}
	if err := ValidateLines(lines); err != nil {
		return nil, err
	}

	cycle, err := m.store.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fault.New(fault.InvalidInput, "cycle %d not found", cycleID)
	}
	if cycle.Status != models.CycleActive {
		return nil, fault.New(fault.InvalidState, "cycle %d is %s, drafts are only created on active cycles", cycleID, cycle.Status)
	}

	label, err := m.nextLabel(cycleID)
	if err != nil {
		return nil, err
	}

	v := models.ForecastVersion{
		CycleID:    cycleID,
		Version:    label,
		SourceType: sourceType,
	}
	if parentID != nil {
		v.ParentVersionID.Int64 = *parentID
		v.ParentVersionID.Valid = true
	}

	created, err := m.store.CreateVersion(v, lines)
	if err != nil {
		return nil, err
	}
	log.Printf("forecast: draft %s created for cycle %d (%s, %d weeks)", label, cycleID, sourceType, len(lines))
	return created, nil
}

// CreateDraftFromCurrent copies the current version's lines into a fresh
// draft, the starting point for a reforecast.
func (m *Manager) CreateDraftFromCurrent(cycleID int64) (*models.ForecastVersion, error) {
	current, err := m.store.GetCurrentVersion(cycleID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fault.New(fault.PreconditionFailed, "cycle %d has no published forecast to reforecast from", cycleID)
	}
	lines, err := m.store.GetLines(current.ID)
	if err != nil {
		return nil, err
	}
	for i := range lines {
		lines[i].ID = 0
		lines[i].VersionID = 0
	}
	return m.CreateDraft(cycleID, models.SourceReforecast, lines, &current.ID)
}

// Publish promotes a draft to current, demoting any prior current version.
func (m *Manager) Publish(versionID int64) (*models.ForecastVersion, error) {
	v, err := m.store.PublishVersion(versionID)
	if err != nil {
		if fault.Is(err, fault.Conflict) {
			metrics.PublishConflicts.Inc()
		}
		return nil, err
	}
	log.Printf("forecast: version %s published for cycle %d", v.Version, v.CycleID)
	return v, nil
}

// Cancel retires a draft. Published versions are never cancelled; the way
// to retire one is to publish a successor.
func (m *Manager) Cancel(versionID int64) (*models.ForecastVersion, error) {
	return m.store.CancelVersion(versionID)
}

func (m *Manager) List(cycleID int64, includeCancelled bool) ([]models.ForecastVersion, error) {
	return m.store.ListVersions(cycleID, includeCancelled)
}

func (m *Manager) Current(cycleID int64) (*models.ForecastVersion, error) {
	return m.store.GetCurrentVersion(cycleID)
}

// VersionDetail is a version with its full weekly curve.
type VersionDetail struct {
	Version models.ForecastVersion
	Lines   []models.ForecastLine
}

func (m *Manager) Detail(versionID int64) (*VersionDetail, error) {
	v, err := m.store.GetVersion(versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fault.New(fault.InvalidInput, "forecast version %d not found", versionID)
	}
	lines, err := m.store.GetLines(versionID)
	if err != nil {
		return nil, err
	}
	return &VersionDetail{Version: *v, Lines: lines}, nil
}

func (m *Manager) nextLabel(cycleID int64) (string, error) {
	versions, err := m.store.ListVersions(cycleID, true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d", len(versions)+1), nil
}
