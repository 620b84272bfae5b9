// Package memory implements the persona-local memory store: an append-only
// message log per thread, chronicle summaries, and memopedia pages. Each
// persona owns one SQLite file; access is guarded by a per-persona mutex so
// that recent-window reads never tear against concurrent writes.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/maha0525/saiverse/internal/errs"
)

// Vividness levels for memopedia pages, ordered low to high.
type Vividness string

const (
	VividnessBuried Vividness = "buried"
	VividnessFaint  Vividness = "faint"
	VividnessRough  Vividness = "rough"
	VividnessVivid  Vividness = "vivid"
)

func (v Vividness) promote() Vividness {
	switch v {
	case VividnessBuried:
		return VividnessFaint
	case VividnessFaint:
		return VividnessRough
	case VividnessRough, VividnessVivid:
		return VividnessVivid
	default:
		return VividnessFaint
	}
}

// Message is one utterance in a thread. Metadata is stored as an opaque
// JSON-capable map so new keys (realtime/visual/memory-weave markers) never
// require a schema migration.
type Message struct {
	ID        int64
	ThreadID  string
	PersonaID string
	Role      string // user, assistant, system, tool
	Content   string
	CreatedAt int64 // monotonic seconds
	Metadata  map[string]any
}

// Tags is a convenience accessor over Metadata["tags"].
func (m *Message) Tags() []string {
	raw, _ := m.Metadata["tags"].([]any)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasTag reports whether m carries tag t.
func (m *Message) HasTag(t string) bool {
	for _, tg := range m.Tags() {
		if tg == t {
			return true
		}
	}
	return false
}

// ChronicleEntry is a dated summary of a consecutive message range.
type ChronicleEntry struct {
	ID           int64
	ThreadID     string
	StartTime    int64
	EndTime      int64
	Level        int
	MessageCount int
	Content      string
}

// MemopediaPage is a knowledge page tied to a persona.
type MemopediaPage struct {
	ID         int64
	PersonaID  string
	Title      string
	Category   string // people, terms, plans
	Summary    string
	Content    string
	Keywords   []string
	Vividness  Vividness
	ParentID   *int64
	EditSource string
}

// Store is the persona-local memory store. One Store wraps one SQLite file.
type Store struct {
	db        *sql.DB
	personaID string
	mu        sync.Mutex // guards writes and recent-window reads together
}

// Open opens (creating if absent) the SQLite file for a persona under dir.
func Open(dir, personaID string) (*Store, error) {
	path := filepath.Join(dir, personaID+".db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db, personaID: personaID}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	persona_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS chronicle_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	level INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	content TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memopedia_pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	persona_id TEXT NOT NULL,
	title TEXT NOT NULL,
	category TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	keywords TEXT NOT NULL DEFAULT '[]',
	vividness TEXT NOT NULL DEFAULT 'faint',
	parent_id INTEGER,
	edit_source TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS anchors (
	model_id TEXT PRIMARY KEY,
	message_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_state (
	thread_id TEXT PRIMARY KEY,
	active INTEGER NOT NULL DEFAULT 0,
	parent_thread_id TEXT,
	depth INTEGER NOT NULL DEFAULT 0
);
`)
	return err
}

// Append writes a message, validating that created_at is non-decreasing
// within the thread. The caller supplies a monotonic clock via now.
func (s *Store) Append(ctx context.Context, msg *Message, now func() int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at),0) FROM messages WHERE thread_id = ?`, msg.ThreadID).Scan(&last)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	ts := now()
	if ts < last {
		ts = last
	}
	msg.CreatedAt = ts

	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(thread_id, persona_id, role, content, created_at, metadata) VALUES (?,?,?,?,?,?)`,
		msg.ThreadID, msg.PersonaID, msg.Role, msg.Content, msg.CreatedAt, string(meta))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// AddIngestedBy marks msg as ingested by personaID; additive, idempotent.
func (s *Store) AddIngestedBy(ctx context.Context, msgID int64, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaRaw string
	if err := s.db.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = ?`, msgID).Scan(&metaRaw); err != nil {
		return err
	}
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaRaw), &meta)

	ingested, _ := meta["ingested_by"].([]any)
	for _, v := range ingested {
		if s, ok := v.(string); ok && s == personaID {
			return nil // already present, idempotent
		}
	}
	meta["ingested_by"] = append(ingested, personaID)

	out, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET metadata = ? WHERE id = ?`, string(out), msgID)
	return err
}

// Recent returns up to limit most recent messages for a thread carrying all
// of requiredTags, oldest first.
func (s *Store) Recent(ctx context.Context, threadID string, requiredTags []string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryRecentLocked(ctx, threadID, requiredTags, limit)
}

func (s *Store) queryRecentLocked(ctx context.Context, threadID string, requiredTags []string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, persona_id, role, content, created_at, metadata FROM messages
		 WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		threadID, limit*4+limit) // overfetch to allow for tag filtering
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*Message
	for rows.Next() {
		m := &Message{}
		var metaRaw string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.PersonaID, &m.Role, &m.Content, &m.CreatedAt, &metaRaw); err != nil {
			return nil, err
		}
		m.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metaRaw), &m.Metadata)
		if hasAllTags(m, requiredTags) {
			all = append(all, m)
		}
		if len(all) >= limit {
			break
		}
	}
	// reverse to oldest-first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, rows.Err()
}

// FromAnchor returns all messages in threadID from the anchor message id
// forward (inclusive), oldest first.
func (s *Store) FromAnchor(ctx context.Context, threadID string, anchorMsgID int64, requiredTags []string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, persona_id, role, content, created_at, metadata FROM messages
		 WHERE thread_id = ? AND id >= ? ORDER BY created_at ASC, id ASC`,
		threadID, anchorMsgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var metaRaw string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.PersonaID, &m.Role, &m.Content, &m.CreatedAt, &metaRaw); err != nil {
			return nil, err
		}
		m.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metaRaw), &m.Metadata)
		if hasAllTags(m, requiredTags) {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

func hasAllTags(m *Message, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, t := range m.Tags() {
		have[t] = true
	}
	for _, t := range required {
		if !have[t] {
			return false
		}
	}
	return true
}

// SetAnchor persists the persistent metabolism anchor for modelID.
func (s *Store) SetAnchor(ctx context.Context, modelID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anchors(model_id, message_id) VALUES (?,?)
		 ON CONFLICT(model_id) DO UPDATE SET message_id = excluded.message_id`,
		modelID, messageID)
	return err
}

// Anchor returns the anchor message id for modelID, or ok=false if unset.
func (s *Store) Anchor(ctx context.Context, modelID string) (id int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.QueryRowContext(ctx, `SELECT message_id FROM anchors WHERE model_id = ?`, modelID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AddChronicleEntry records an immutable summary.
func (s *Store) AddChronicleEntry(ctx context.Context, e *ChronicleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chronicle_entries(thread_id, start_time, end_time, level, message_count, content) VALUES (?,?,?,?,?,?)`,
		e.ThreadID, e.StartTime, e.EndTime, e.Level, e.MessageCount, e.Content)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ChronicleEntries returns every chronicle entry for a thread, oldest first.
func (s *Store) ChronicleEntries(ctx context.Context, threadID string) ([]*ChronicleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, start_time, end_time, level, message_count, content FROM chronicle_entries
		 WHERE thread_id = ? ORDER BY start_time ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ChronicleEntry
	for rows.Next() {
		e := &ChronicleEntry{}
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.StartTime, &e.EndTime, &e.Level, &e.MessageCount, &e.Content); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertMemopediaPage creates or updates a page by (persona, title,
// category); on update, vividness is promoted one step.
func (s *Store) UpsertMemopediaPage(ctx context.Context, p *MemopediaPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kw, err := json.Marshal(p.Keywords)
	if err != nil {
		return err
	}

	var existingID int64
	var existingVividness string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, vividness FROM memopedia_pages WHERE persona_id = ? AND title = ? AND category = ?`,
		p.PersonaID, p.Title, p.Category).Scan(&existingID, &existingVividness)
	switch {
	case err == sql.ErrNoRows:
		if p.Vividness == "" {
			p.Vividness = VividnessFaint
		}
		res, ierr := s.db.ExecContext(ctx,
			`INSERT INTO memopedia_pages(persona_id, title, category, summary, content, keywords, vividness, parent_id, edit_source)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			p.PersonaID, p.Title, p.Category, p.Summary, p.Content, string(kw), p.Vividness, p.ParentID, p.EditSource)
		if ierr != nil {
			return ierr
		}
		p.ID, err = res.LastInsertId()
		return err
	case err != nil:
		return err
	default:
		p.ID = existingID
		p.Vividness = Vividness(existingVividness).promote()
		_, err = s.db.ExecContext(ctx,
			`UPDATE memopedia_pages SET summary=?, content=?, keywords=?, vividness=?, edit_source=? WHERE id=?`,
			p.Summary, p.Content, string(kw), p.Vividness, p.EditSource, p.ID)
		return err
	}
}

// MemopediaPages returns every page for a persona in a category, or all
// categories when category is empty.
func (s *Store) MemopediaPages(ctx context.Context, personaID, category string) ([]*MemopediaPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, persona_id, title, category, summary, content, keywords, vividness, parent_id, edit_source
	          FROM memopedia_pages WHERE persona_id = ?`
	args := []any{personaID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MemopediaPage
	for rows.Next() {
		p := &MemopediaPage{}
		var kw string
		var parentID sql.NullInt64
		if err := rows.Scan(&p.ID, &p.PersonaID, &p.Title, &p.Category, &p.Summary, &p.Content, &kw, &p.Vividness, &parentID, &p.EditSource); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(kw), &p.Keywords)
		if parentID.Valid {
			p.ParentID = &parentID.Int64
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenThread marks threadID active for personaID, recording parent/depth
// for Stelis nested sub-threads. Depth 0 is the default thread.
func (s *Store) OpenThread(ctx context.Context, threadID, parentThreadID string, depth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_state(thread_id, active, parent_thread_id, depth) VALUES (?,1,?,?)
		 ON CONFLICT(thread_id) DO UPDATE SET active=1, parent_thread_id=excluded.parent_thread_id, depth=excluded.depth`,
		threadID, parentThreadID, depth)
	return err
}

// CloseThread deactivates threadID and returns its parent, if any.
func (s *Store) CloseThread(ctx context.Context, threadID string) (parent string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(parent_thread_id,'') FROM thread_state WHERE thread_id=?`, threadID).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE thread_state SET active=0 WHERE thread_id=?`, threadID)
	return parent, err
}

// DeleteMessage removes one message by id; used by wait-consolidation to
// collapse repeated waits into a single row instead of appending forever.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ThreadDepth returns the nesting depth recorded for threadID.
func (s *Store) ThreadDepth(ctx context.Context, threadID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT depth FROM thread_state WHERE thread_id=?`, threadID).Scan(&depth)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return depth, err
}

// MaxStelisDepth bounds Stelis nesting; exceeding it is a validation error.
const MaxStelisDepth = 8

// CheckStelisDepth returns an error if opening a new sub-thread under
// parent would exceed MaxStelisDepth.
func CheckStelisDepth(currentDepth int) error {
	if currentDepth+1 > MaxStelisDepth {
		return &errs.Validation{Field: "stelis_depth", Reason: fmt.Sprintf("exceeds max depth %d", MaxStelisDepth)}
	}
	return nil
}

// Now returns the current monotonic wall clock in seconds; the default
// clock used outside of tests.
func Now() int64 { return time.Now().Unix() }
