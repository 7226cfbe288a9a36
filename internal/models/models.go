package models

import (
	"database/sql"
	"time"
)

// Cycle lifecycle statuses. Finalized and cancelled are terminal.
const (
	CycleActive    = "active"
	CycleFinalized = "finalized"
	CycleCancelled = "cancelled"
)

// Pond lifecycle statuses.
const (
	PondInactive    = "inactive"
	PondActive      = "active"
	PondHarvesting  = "harvesting"
	PondMaintenance = "maintenance"
)

// Forecast version statuses. Reforecasts are not a status of their own;
// they are drafts tagged with SourceReforecast until published.
const (
	VersionDraft     = "draft"
	VersionPublished = "published"
	VersionCancelled = "cancelled"
)

// Forecast version source types.
const (
	SourceManualPlan   = "manual-plan"
	SourceImportedFile = "imported-file"
	SourceReforecast   = "reforecast"
)

// Survival baseline sources.
const (
	BaselineDefault    = "baseline-default"
	BaselineBiometry   = "biometry"
	BaselineManual     = "manual-adjustment"
	BaselineReforecast = "reforecast"
)

// Harvest wave kinds and statuses.
const (
	WavePartial = "partial"
	WaveFinal   = "final"

	WavePlanned     = "planned"
	WaveRescheduled = "rescheduled"
	WaveCancelled   = "cancelled"
)

// Harvest line statuses.
const (
	LinePending   = "pending"
	LineConfirmed = "confirmed"
	LineCancelled = "cancelled"
)

type Cycle struct {
	ID               int64
	FarmID           int64
	Name             string
	StartDate        time.Time
	Status           string
	CurrentVersionID sql.NullInt64 // denormalized pointer, synced by Publish
	CreatedAt        time.Time
}

type Pond struct {
	ID              int64
	FarmID          int64
	Name            string
	AreaM2          float64
	Status          string
	Valid           bool
	RemovedOrgM2    float64 // cumulative removed density from confirmed harvests
}

// Seeding anchors a pond's participation in a cycle: base density and the
// declared starting point the forecast projects from.
type Seeding struct {
	ID            int64
	CycleID       int64
	PondID        int64
	SeededAt      time.Time
	BaseDensity   float64 // org/m2
	InitialSizeG  float64
	Confirmed     bool
}

type ForecastVersion struct {
	ID              int64
	CycleID         int64
	Version         string
	Status          string
	IsCurrent       bool
	PublishedAt     sql.NullTime
	SourceType      string
	ParentVersionID sql.NullInt64
	CreatedAt       time.Time
}

type ForecastLine struct {
	ID           int64
	VersionID    int64
	AgeDays      int
	WeekIdx      int
	PlanDate     time.Time
	AvgWeightG   float64
	WeeklyGainG  sql.NullFloat64
	SurvivalPct  float64
	HarvestFlag  bool
	RemovalOrgM2 sql.NullFloat64
}

type SurvivalBaseline struct {
	CycleID   int64
	PondID    int64
	ValuePct  float64
	Source    string
	Version   int64 // compare-and-swap token, bumped on every Set
	UpdatedAt time.Time
}

// SurvivalChange is one row of the append-only baseline audit log.
type SurvivalChange struct {
	ID        int64
	CycleID   int64
	PondID    int64
	OldPct    float64
	NewPct    float64
	Source    string
	Reason    sql.NullString
	Actor     string
	ChangedAt time.Time
}

type BiometrySample struct {
	ID              int64
	CycleID         int64
	PondID          int64
	SampledAt       time.Time
	SampleSize      int
	SampleWeightG   float64
	AvgWeightG      float64
	SurvivalPct     float64
	WeeklyGainG     sql.NullFloat64 // vs previous sample; null for the first
	UpdatesBaseline bool
	Source          sql.NullString
	Notes           sql.NullString
	CreatedAt       time.Time
}

type HarvestWave struct {
	ID             int64
	CycleID        int64
	Name           string
	Kind           string // partial or final
	WindowStart    time.Time
	WindowEnd      time.Time
	TargetOrgM2    sql.NullFloat64 // planned removal density
	Status         string
	Order          sql.NullInt64
	Notes          sql.NullString
	CreatedAt      time.Time
}

type HarvestLine struct {
	ID           int64
	WaveID       int64
	PondID       int64
	Status       string
	HarvestDate  time.Time
	AvgWeightG   sql.NullFloat64 // resolved from latest biometry at confirmation
	BiomassKg    sql.NullFloat64
	RemovalOrgM2 sql.NullFloat64
	Notes        sql.NullString
	CreatedAt    time.Time
}

// WaveStats aggregates line counts for a wave; completion is observed,
// never stored on the wave itself.
type WaveStats struct {
	TotalLines         int
	PendingLines       int
	ConfirmedLines     int
	CancelledLines     int
	ConfirmedBiomassKg float64
}
