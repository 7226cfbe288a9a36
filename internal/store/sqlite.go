package store

import (
	"database/sql"
	"time"

	"github.com/skaescobedo/AquaTrack/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need a transaction
// spanning multiple store methods.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateCycle(farmID int64, name string, startDate time.Time) (*models.Cycle, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO cycles (farm_id, name, start_date, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, farmID, name, startDate, models.CycleActive, now)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Cycle{ID: id, FarmID: farmID, Name: name, StartDate: startDate, Status: models.CycleActive, CreatedAt: now}, nil
}

func (s *Store) GetCycle(cycleID int64) (*models.Cycle, error) {
	row := s.db.QueryRow(`
		SELECT cycle_id, farm_id, name, start_date, status, current_version_id, created_at
		FROM cycles WHERE cycle_id = ?
	`, cycleID)

	var c models.Cycle
	err := row.Scan(&c.ID, &c.FarmID, &c.Name, &c.StartDate, &c.Status, &c.CurrentVersionID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetActiveCycles() ([]models.Cycle, error) {
	rows, err := s.db.Query(`
		SELECT cycle_id, farm_id, name, start_date, status, current_version_id, created_at
		FROM cycles WHERE status = ? ORDER BY cycle_id ASC
	`, models.CycleActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []models.Cycle
	for rows.Next() {
		var c models.Cycle
		if err := rows.Scan(&c.ID, &c.FarmID, &c.Name, &c.StartDate, &c.Status, &c.CurrentVersionID, &c.CreatedAt); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (s *Store) UpsertPond(p models.Pond) (int64, error) {
	if p.ID != 0 {
		_, err := s.db.Exec(`
			UPDATE ponds SET name = ?, status = ?, valid = ? WHERE pond_id = ?
		`, p.Name, p.Status, p.Valid, p.ID)
		return p.ID, err
	}
	result, err := s.db.Exec(`
		INSERT INTO ponds (farm_id, name, area_m2, status, valid, removed_org_m2)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.FarmID, p.Name, p.AreaM2, p.Status, p.Valid, p.RemovedOrgM2)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) GetPond(pondID int64) (*models.Pond, error) {
	row := s.db.QueryRow(`
		SELECT pond_id, farm_id, name, area_m2, status, valid, removed_org_m2
		FROM ponds WHERE pond_id = ?
	`, pondID)

	var p models.Pond
	err := row.Scan(&p.ID, &p.FarmID, &p.Name, &p.AreaM2, &p.Status, &p.Valid, &p.RemovedOrgM2)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddRemovedDensity bumps a pond's cumulative removed density after a
// confirmed harvest. Live density = base density - removed_org_m2.
func (s *Store) AddRemovedDensity(tx *sql.Tx, pondID int64, orgM2 float64) error {
	_, err := tx.Exec(`
		UPDATE ponds SET removed_org_m2 = removed_org_m2 + ? WHERE pond_id = ?
	`, orgM2, pondID)
	return err
}

// CreateSeeding upserts the (cycle, pond) seeding record and, in the same
// transaction, seeds the pond's survival baseline at 100% so every later
// baseline write finds a row to swap against.
func (s *Store) CreateSeeding(sd models.Seeding) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO seedings (cycle_id, pond_id, seeded_at, base_density_org_m2, initial_size_g, confirmed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id, pond_id) DO UPDATE SET
			seeded_at = excluded.seeded_at,
			base_density_org_m2 = excluded.base_density_org_m2,
			initial_size_g = excluded.initial_size_g,
			confirmed = excluded.confirmed
	`, sd.CycleID, sd.PondID, sd.SeededAt, sd.BaseDensity, sd.InitialSizeG, sd.Confirmed)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO survival_baselines (cycle_id, pond_id, value_pct, source, version, updated_at)
		VALUES (?, ?, 100, ?, 1, ?)
		ON CONFLICT(cycle_id, pond_id) DO NOTHING
	`, sd.CycleID, sd.PondID, models.BaselineDefault, time.Now().UTC()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetSeeding(cycleID, pondID int64) (*models.Seeding, error) {
	row := s.db.QueryRow(`
		SELECT seeding_id, cycle_id, pond_id, seeded_at, base_density_org_m2, initial_size_g, confirmed
		FROM seedings WHERE cycle_id = ? AND pond_id = ?
	`, cycleID, pondID)

	var sd models.Seeding
	err := row.Scan(&sd.ID, &sd.CycleID, &sd.PondID, &sd.SeededAt, &sd.BaseDensity, &sd.InitialSizeG, &sd.Confirmed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sd, nil
}

func (s *Store) GetSeedings(cycleID int64) ([]models.Seeding, error) {
	rows, err := s.db.Query(`
		SELECT seeding_id, cycle_id, pond_id, seeded_at, base_density_org_m2, initial_size_g, confirmed
		FROM seedings WHERE cycle_id = ? ORDER BY seeded_at ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seedings []models.Seeding
	for rows.Next() {
		var sd models.Seeding
		if err := rows.Scan(&sd.ID, &sd.CycleID, &sd.PondID, &sd.SeededAt, &sd.BaseDensity, &sd.InitialSizeG, &sd.Confirmed); err != nil {
			return nil, err
		}
		seedings = append(seedings, sd)
	}
	return seedings, rows.Err()
}

func (s *Store) GetConfirmedSeedings(cycleID int64) ([]models.Seeding, error) {
	rows, err := s.db.Query(`
		SELECT seeding_id, cycle_id, pond_id, seeded_at, base_density_org_m2, initial_size_g, confirmed
		FROM seedings WHERE cycle_id = ? AND confirmed = TRUE ORDER BY pond_id ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seedings []models.Seeding
	for rows.Next() {
		var sd models.Seeding
		if err := rows.Scan(&sd.ID, &sd.CycleID, &sd.PondID, &sd.SeededAt, &sd.BaseDensity, &sd.InitialSizeG, &sd.Confirmed); err != nil {
			return nil, err
		}
		seedings = append(seedings, sd)
	}
	return seedings, rows.Err()
}
