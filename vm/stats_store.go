package vm

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StatsStore persists quickening and deoptimization outcomes to SQLite for
// offline analysis. Failures to record are swallowed: the store is a
// diagnostic sink and must never affect execution.
type StatsStore struct {
	db *sql.DB
	mu sync.Mutex
}

// QuickeningEvent is one recorded outcome row.
type QuickeningEvent struct {
	Unit   string
	Event  string // "quickened" or "deopt"
	Units  int64  // stream length in code units
	Detail int64  // slot count for quickened, nexti for deopt
	At     time.Time
}

// OpenStatsStore opens (creating if needed) a stats database at path.
func OpenStatsStore(path string) (*StatsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening stats database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS quickening_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit TEXT NOT NULL,
		event TEXT NOT NULL,
		units INTEGER NOT NULL,
		detail INTEGER NOT NULL,
		at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	return &StatsStore{db: db}, nil
}

// Close closes the database connection.
func (s *StatsStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordQuickened records that a unit was quickened with the given stream
// length and slot count.
func (s *StatsStore) RecordQuickened(unit string, units, slots int) {
	s.record(QuickeningEvent{Unit: unit, Event: "quickened", Units: int64(units), Detail: int64(slots), At: time.Now()})
}

// RecordDeopt records that one of a unit's call sites deoptimized.
func (s *StatsStore) RecordDeopt(unit string, nexti int) {
	s.record(QuickeningEvent{Unit: unit, Event: "deopt", Detail: int64(nexti), At: time.Now()})
}

func (s *StatsStore) record(e QuickeningEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(
		"INSERT INTO quickening_events (unit, event, units, detail, at) VALUES (?, ?, ?, ?, ?)",
		e.Unit, e.Event, e.Units, e.Detail, e.At,
	)
}

// Events returns all recorded events, oldest first.
func (s *StatsStore) Events() ([]QuickeningEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT unit, event, units, detail, at FROM quickening_events ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []QuickeningEvent
	for rows.Next() {
		var e QuickeningEvent
		if err := rows.Scan(&e.Unit, &e.Event, &e.Units, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
