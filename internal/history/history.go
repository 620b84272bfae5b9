// Package history implements the shared building history: the sequence of
// utterances visible to every occupant of a building, guarded by a
// building-level mutex for both appends and "ingested by" bookkeeping.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one utterance surfaced in a building's shared history.
type Entry struct {
	ID         int64
	BuildingID string
	PersonaID  string
	Role       string
	Content    string
	CreatedAt  int64
	Metadata   map[string]any
}

// Store holds one shared history table across all buildings.
type Store struct {
	db    *sql.DB
	mus   map[string]*sync.Mutex
	mapMu sync.Mutex
}

// Open opens the relational store at path, creating the schema if absent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, mus: map[string]*sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS building_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	building_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_building_history ON building_history(building_id, created_at);

CREATE TABLE IF NOT EXISTS building_occupancy_log (
	persona_id TEXT NOT NULL,
	building_id TEXT NOT NULL,
	entry_ts INTEGER NOT NULL,
	exit_ts INTEGER
);
`)
	return err
}

func (s *Store) lockFor(buildingID string) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	m, ok := s.mus[buildingID]
	if !ok {
		m = &sync.Mutex{}
		s.mus[buildingID] = m
	}
	return m
}

// Append adds an utterance to buildingID's shared history.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	mu := s.lockFor(e.BuildingID)
	mu.Lock()
	defer mu.Unlock()

	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO building_history(building_id, persona_id, role, content, created_at, metadata) VALUES (?,?,?,?,?,?)`,
		e.BuildingID, e.PersonaID, e.Role, e.Content, e.CreatedAt, string(meta))
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// Messages returns the most recent limit entries for a building, oldest
// first.
func (s *Store) Messages(ctx context.Context, buildingID string, limit int) ([]*Entry, error) {
	mu := s.lockFor(buildingID)
	mu.Lock()
	defer mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, building_id, persona_id, role, content, created_at, metadata FROM building_history
		 WHERE building_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, buildingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*Entry
	for rows.Next() {
		e := &Entry{}
		var metaRaw string
		if err := rows.Scan(&e.ID, &e.BuildingID, &e.PersonaID, &e.Role, &e.Content, &e.CreatedAt, &metaRaw); err != nil {
			return nil, err
		}
		e.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metaRaw), &e.Metadata)
		all = append(all, e)
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, rows.Err()
}

// IngestFor marks every message in ids as heard_by/ingested_by personaID.
// Idempotent: re-applying to an already-ingested id is a no-op for that id,
// satisfying the ingestion idempotence property.
func (s *Store) IngestFor(ctx context.Context, buildingID string, ids []int64, personaID string) error {
	mu := s.lockFor(buildingID)
	mu.Lock()
	defer mu.Unlock()

	for _, id := range ids {
		var metaRaw string
		if err := s.db.QueryRowContext(ctx, `SELECT metadata FROM building_history WHERE id = ?`, id).Scan(&metaRaw); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return err
		}
		meta := map[string]any{}
		_ = json.Unmarshal([]byte(metaRaw), &meta)

		ingested, _ := meta["ingested_by"].([]any)
		already := false
		for _, v := range ingested {
			if str, ok := v.(string); ok && str == personaID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		meta["ingested_by"] = append(ingested, personaID)

		heard, _ := meta["heard_by"].([]any)
		meta["heard_by"] = append(heard, personaID)

		out, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE building_history SET metadata = ? WHERE id = ?`, string(out), id); err != nil {
			return err
		}
	}
	return nil
}

// Enter records a persona entering a building.
func (s *Store) Enter(ctx context.Context, personaID, buildingID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO building_occupancy_log(persona_id, building_id, entry_ts, exit_ts) VALUES (?,?,?,NULL)`,
		personaID, buildingID, ts)
	return err
}

// Exit closes the most recent open occupancy row for a persona in a
// building.
func (s *Store) Exit(ctx context.Context, personaID, buildingID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE building_occupancy_log SET exit_ts = ? WHERE rowid = (
			SELECT rowid FROM building_occupancy_log
			WHERE persona_id = ? AND building_id = ? AND exit_ts IS NULL
			ORDER BY entry_ts DESC LIMIT 1)`,
		ts, personaID, buildingID)
	return err
}

// Occupants returns the persona ids currently present in a building.
func (s *Store) Occupants(ctx context.Context, buildingID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT persona_id FROM building_occupancy_log WHERE building_id = ? AND exit_ts IS NULL`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
