package ownership

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"locshare/internal/models"
)

// Entity is one persisted entity-to-account assignment. Loc carries the last
// accepted fix, restored into the update filter across restarts so a stale
// server response cannot rewind the entity; nil if none was ever accepted.
type Entity struct {
	ConfigID models.ConfigID
	UniqueID models.UniqueID
	Name     string
	Loc      *models.LocationData
}

// Store persists entity assignments across restarts so the Registry can be
// seeded with the entities each account created in previous runs. The primary
// key on unique_id backs up the registry's one-owner invariant at the
// persistence layer.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	unique_id TEXT NOT NULL PRIMARY KEY,
	config_id TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	address      TEXT,
	gps_accuracy INTEGER,
	last_seen    INTEGER,
	latitude     REAL,
	longitude    REAL
);
CREATE INDEX IF NOT EXISTS entities_config_id ON entities (config_id);
`

// OpenStore opens (creating if necessary) the entity database at path.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity store %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize entity store schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAll returns every persisted entity assignment.
func (s *Store) LoadAll() ([]Entity, error) {
	rows, err := s.db.Query(
		`SELECT unique_id, config_id, name, address, gps_accuracy, last_seen, latitude, longitude FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity assignments: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var ent Entity
		var address sql.NullString
		var accuracy, lastSeen sql.NullInt64
		var latitude, longitude sql.NullFloat64
		if err := rows.Scan(&ent.UniqueID, &ent.ConfigID, &ent.Name,
			&address, &accuracy, &lastSeen, &latitude, &longitude); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		if lastSeen.Valid && latitude.Valid && longitude.Valid {
			ent.Loc = &models.LocationData{
				Address:     address.String,
				GPSAccuracy: int(accuracy.Int64),
				LastSeen:    time.Unix(lastSeen.Int64, 0).UTC(),
				Latitude:    latitude.Float64,
				Longitude:   longitude.Float64,
			}
		}
		entities = append(entities, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug().Int("entities", len(entities)).Msg("Loaded entity assignments")
	return entities, nil
}

// Claims groups persisted assignments by config, in the shape Registry.Seed
// expects.
func (s *Store) Claims() (map[models.ConfigID][]models.UniqueID, error) {
	entities, err := s.LoadAll()
	if err != nil {
		return nil, err
	}

	claims := make(map[models.ConfigID][]models.UniqueID)
	for _, ent := range entities {
		claims[ent.ConfigID] = append(claims[ent.ConfigID], ent.UniqueID)
	}
	return claims, nil
}

// Save records or updates one entity assignment.
func (s *Store) Save(ent Entity) error {
	var address, accuracy, lastSeen, latitude, longitude any
	if ent.Loc != nil {
		address = ent.Loc.Address
		accuracy = ent.Loc.GPSAccuracy
		lastSeen = ent.Loc.LastSeen.Unix()
		latitude = ent.Loc.Latitude
		longitude = ent.Loc.Longitude
	}

	_, err := s.db.Exec(
		`INSERT INTO entities (unique_id, config_id, name, address, gps_accuracy, last_seen, latitude, longitude)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (unique_id) DO UPDATE SET
			config_id = excluded.config_id, name = excluded.name,
			address = excluded.address, gps_accuracy = excluded.gps_accuracy,
			last_seen = excluded.last_seen, latitude = excluded.latitude, longitude = excluded.longitude`,
		ent.UniqueID, ent.ConfigID, ent.Name, address, accuracy, lastSeen, latitude, longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", ent.UniqueID, err)
	}
	return nil
}

// SaveLocation updates the persisted last accepted fix for an entity.
func (s *Store) SaveLocation(uid models.UniqueID, loc *models.LocationData) error {
	if loc == nil {
		return nil
	}
	_, err := s.db.Exec(
		`UPDATE entities SET address = ?, gps_accuracy = ?, last_seen = ?, latitude = ?, longitude = ?
		 WHERE unique_id = ?`,
		loc.Address, loc.GPSAccuracy, loc.LastSeen.Unix(), loc.Latitude, loc.Longitude, uid,
	)
	if err != nil {
		return fmt.Errorf("failed to save location for entity %s: %w", uid, err)
	}
	return nil
}

// Delete removes one entity assignment.
func (s *Store) Delete(uid models.UniqueID) error {
	if _, err := s.db.Exec(`DELETE FROM entities WHERE unique_id = ?`, uid); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", uid, err)
	}
	return nil
}

// RemoveConfig removes every assignment held by the config. Used when an
// account is deleted from the configuration.
func (s *Store) RemoveConfig(cid models.ConfigID) error {
	if _, err := s.db.Exec(`DELETE FROM entities WHERE config_id = ?`, cid); err != nil {
		return fmt.Errorf("failed to remove entities for config %s: %w", cid, err)
	}
	return nil
}
