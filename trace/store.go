package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Store persists run traces in SQLite for later replay and comparison.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// RunInfo summarizes one stored run.
type RunInfo struct {
	ID      uuid.UUID
	Created time.Time
	Hash    string
	Events  int
}

// OpenStore opens (creating if needed) a trace store at the given path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace store: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id      TEXT PRIMARY KEY,
		created TEXT NOT NULL,
		hash    TEXT NOT NULL,
		events  INTEGER NOT NULL,
		trace   BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating runs table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save persists a finished run's trace.
func (s *Store) Save(r *Recorder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}
	hash, err := r.Hash()
	if err != nil {
		return fmt.Errorf("hashing trace: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO runs (id, created, hash, events, trace) VALUES (?, ?, ?, ?, ?)",
		r.RunID.String(), time.Now().UTC().Format(time.RFC3339), hash, r.Len(), raw,
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// Load retrieves the events of a stored run.
func (s *Store) Load(id uuid.UUID) ([]Event, error) {
	var raw []byte
	err := s.db.QueryRow("SELECT trace FROM runs WHERE id = ?", id.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return Decode(raw)
}

// Hash returns the stored trace hash of a run.
func (s *Store) Hash(id uuid.UUID) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM runs WHERE id = ?", id.String()).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRunNotFound
		}
		return "", fmt.Errorf("querying run: %w", err)
	}
	return hash, nil
}

// Runs lists stored runs, newest first.
func (s *Store) Runs() ([]RunInfo, error) {
	rows, err := s.db.Query("SELECT id, created, hash, events FROM runs ORDER BY created DESC")
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var id, created string
		if err := rows.Scan(&id, &created, &info.Hash, &info.Events); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if info.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing run id: %w", err)
		}
		if info.Created, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("parsing run timestamp: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
