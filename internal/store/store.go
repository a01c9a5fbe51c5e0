// Package store persists call records in SQLite and feeds their status
// changes to whoever subscribes. It is the only durable state in a peer
// besides the identity key; everything else is rebuilt from the network.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/jmulder/palaver/internal/proto"
)

// Status is a call record's lifecycle position.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusDeclined   Status = "declined"
	StatusMissed     Status = "missed"
	StatusEnded      Status = "ended"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusMissed || s == StatusEnded
}

// validTransition encodes the lifecycle: ringing → connecting → active →
// ended, with declined/missed reachable only while still ringing. Hanging
// up before the far side reacts ends the call from any live status.
func validTransition(from, to Status) bool {
	switch from {
	case StatusRinging:
		return to == StatusConnecting || to == StatusDeclined || to == StatusMissed || to == StatusEnded
	case StatusConnecting:
		return to == StatusActive || to == StatusEnded
	case StatusActive:
		return to == StatusEnded
	}
	return false
}

var (
	ErrNotFound      = errors.New("store: call not found")
	ErrBadTransition = errors.New("store: invalid status transition")
)

// CallRecord is one row of call history. Timestamps are unix millis; zero
// means the call never reached that stage.
type CallRecord struct {
	ID         string   `json:"id"`
	Initiator  string   `json:"initiator"`
	Recipients []string `json:"recipients"`
	Status     Status   `json:"status"`
	CreatedAt  int64    `json:"created_at"`
	RingingAt  int64    `json:"ringing_at"`
	ActiveAt   int64    `json:"active_at,omitempty"`
	EndedAt    int64    `json:"ended_at,omitempty"`
	UpdatedAt  int64    `json:"updated_at"`
}

// Event types on the change feed.
const (
	EventCreated = "created"
	EventStatus  = "status"
)

// Event is one change-feed entry.
type Event struct {
	Type   string     `json:"type"`
	Record CallRecord `json:"record"`
}

// Store wraps the SQLite database holding call records.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	lmu       sync.Mutex
	listeners map[chan Event]struct{}
	closed    bool
}

// Open opens or creates the call database in the given peer directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create peer dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			initiator   TEXT NOT NULL,
			recipients  TEXT NOT NULL DEFAULT '[]',
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			ringing_at  INTEGER NOT NULL DEFAULT 0,
			active_at   INTEGER NOT NULL DEFAULT 0,
			ended_at    INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index calls table: %w", err)
	}

	return &Store{
		db:        db,
		path:      dbPath,
		listeners: make(map[chan Event]struct{}),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database and every listener channel.
func (s *Store) Close() error {
	s.lmu.Lock()
	if !s.closed {
		s.closed = true
		for ch := range s.listeners {
			close(ch)
			delete(s.listeners, ch)
		}
	}
	s.lmu.Unlock()
	return s.db.Close()
}

// Create inserts a fresh ringing record and announces it on the feed.
func (s *Store) Create(initiator string, recipients []string) (CallRecord, error) {
	return s.insert(uuid.NewString(), initiator, recipients)
}

// Adopt inserts the callee-side record for a call whose ID the initiator
// allocated, so both stores converge on the same row. Re-delivered ring
// requests find the existing record; created reports whether this one was
// new.
func (s *Store) Adopt(id, initiator string, recipients []string) (rec CallRecord, created bool, err error) {
	s.mu.RLock()
	rec, err = s.scanOne(s.db.QueryRow(`
		SELECT id, initiator, recipients, status, created_at, ringing_at, active_at, ended_at, updated_at
		FROM calls WHERE id = ?`, id))
	s.mu.RUnlock()
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CallRecord{}, false, err
	}

	rec, err = s.insert(id, initiator, recipients)
	return rec, err == nil, err
}

func (s *Store) insert(id, initiator string, recipients []string) (CallRecord, error) {
	now := proto.NowMillis()
	rec := CallRecord{
		ID:         id,
		Initiator:  initiator,
		Recipients: recipients,
		Status:     StatusRinging,
		CreatedAt:  now,
		RingingAt:  now,
		UpdatedAt:  now,
	}
	blob, err := json.Marshal(rec.Recipients)
	if err != nil {
		return CallRecord{}, fmt.Errorf("encode recipients: %w", err)
	}

	s.mu.Lock()
	_, err = s.db.Exec(`
		INSERT INTO calls (id, initiator, recipients, status, created_at, ringing_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Initiator, string(blob), rec.Status, rec.CreatedAt, rec.RingingAt, rec.UpdatedAt)
	s.mu.Unlock()
	if err != nil {
		return CallRecord{}, fmt.Errorf("insert call: %w", err)
	}

	s.notify(Event{Type: EventCreated, Record: rec})
	return rec, nil
}

// Get returns one record by id.
func (s *Store) Get(id string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanOne(s.db.QueryRow(`
		SELECT id, initiator, recipients, status, created_at, ringing_at, active_at, ended_at, updated_at
		FROM calls WHERE id = ?`, id))
}

// UpdateStatus applies one lifecycle transition and announces it. Invalid
// transitions (including any out of a terminal status) return
// ErrBadTransition with the stored record untouched.
func (s *Store) UpdateStatus(id string, to Status) (CallRecord, error) {
	s.mu.Lock()
	rec, err := s.scanOne(s.db.QueryRow(`
		SELECT id, initiator, recipients, status, created_at, ringing_at, active_at, ended_at, updated_at
		FROM calls WHERE id = ?`, id))
	if err != nil {
		s.mu.Unlock()
		return CallRecord{}, err
	}
	if !validTransition(rec.Status, to) {
		s.mu.Unlock()
		return rec, fmt.Errorf("%w: %s → %s", ErrBadTransition, rec.Status, to)
	}

	now := proto.NowMillis()
	rec.Status = to
	rec.UpdatedAt = now
	if to == StatusActive {
		rec.ActiveAt = now
	}
	if to.Terminal() {
		rec.EndedAt = now
	}
	_, err = s.db.Exec(`
		UPDATE calls SET status = ?, active_at = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		rec.Status, rec.ActiveAt, rec.EndedAt, rec.UpdatedAt, rec.ID)
	s.mu.Unlock()
	if err != nil {
		return CallRecord{}, fmt.Errorf("update call: %w", err)
	}

	s.notify(Event{Type: EventStatus, Record: rec})
	return rec, nil
}

// Touch refreshes updated_at so the watchdog knows the call is alive. No
// feed event.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE calls SET updated_at = ? WHERE id = ?`, proto.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("touch call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Recent lists call history, newest first.
func (s *Store) Recent(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT id, initiator, recipients, status, created_at, ringing_at, active_at, ended_at, updated_at
		FROM calls ORDER BY created_at DESC LIMIT ?`, limit)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// staleBefore lists calls in the given status whose updated_at is older
// than cutoff. Watchdog helper.
func (s *Store) staleBefore(status Status, cutoff int64) ([]CallRecord, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT id, initiator, recipients, status, created_at, ringing_at, active_at, ended_at, updated_at
		FROM calls WHERE status = ? AND updated_at < ?`, status, cutoff)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list stale calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row *sql.Row) (CallRecord, error) {
	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) scanRecord(r rowScanner) (CallRecord, error) {
	var rec CallRecord
	var blob string
	err := r.Scan(&rec.ID, &rec.Initiator, &blob, &rec.Status,
		&rec.CreatedAt, &rec.RingingAt, &rec.ActiveAt, &rec.EndedAt, &rec.UpdatedAt)
	if err != nil {
		return CallRecord{}, err
	}
	if err := json.Unmarshal([]byte(blob), &rec.Recipients); err != nil {
		return CallRecord{}, fmt.Errorf("decode recipients: %w", err)
	}
	return rec, nil
}

// Subscribe returns a change-feed channel and its cancel func. Slow
// listeners lose events rather than block writers.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	s.lmu.Lock()
	if s.closed {
		s.lmu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.listeners[ch] = struct{}{}
	s.lmu.Unlock()

	return ch, func() {
		s.lmu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.lmu.Unlock()
	}
}

func (s *Store) notify(ev Event) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
