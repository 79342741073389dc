package snapshot

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/konjac-lang/abstract-machine/vm"
)

// Store persists crash dumps to SQLite. It implements vm.CrashSink, so it
// can be attached to an engine's crash store for durability beyond the
// in-memory ring.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) a crash-dump database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS crash_dumps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		process INTEGER NOT NULL,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Persist writes a crash dump. Satisfies vm.CrashSink.
func (s *Store) Persist(d *vm.CrashDump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := MarshalDump(FromDump(d))
	if err != nil {
		return fmt.Errorf("encoding dump: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO crash_dumps (process, data) VALUES (?, ?)",
		uint64(d.Process), blob,
	)
	if err != nil {
		return fmt.Errorf("inserting dump: %w", err)
	}
	return nil
}

// List returns up to limit dumps, newest first.
func (s *Store) List(limit int) ([]*DumpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		"SELECT data FROM crash_dumps ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dumps: %w", err)
	}
	defer rows.Close()

	var out []*DumpRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning dump: %w", err)
		}
		d, err := UnmarshalDump(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune keeps only the newest keep dumps.
func (s *Store) Prune(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM crash_dumps WHERE id NOT IN (
		SELECT id FROM crash_dumps ORDER BY id DESC LIMIT ?
	)`, keep)
	if err != nil {
		return fmt.Errorf("pruning dumps: %w", err)
	}
	return nil
}
