// Package storage provides SQLite-based persistence for replicated state and
// per-session sync statistics.
// Uses the pure-Go modernc.org/sqlite driver to avoid CGO dependencies.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/statesync"
)

// Store manages the SQLite database connection.
type Store struct {
	db *sql.DB
}

// SessionRecord summarizes one finished sync session.
type SessionRecord struct {
	ID               string
	Peer             string
	Mode             string // "simulate", "play", "relay" or "serve"
	Preset           string
	Duration         time.Duration
	Inputs           uint64
	Reconciled       uint64
	Replayed         uint64
	MaxCorrection    float64
	MeanCorrection   float64
	SnapshotsDropped uint64
	Evicted          uint64
	CreatedAt        time.Time
}

// Open creates or opens a SQLite database at the given path.
// It creates the parent directories if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	// Expand ~ to home directory
	if dbPath != "" && dbPath[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("storage: cannot expand home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	// Create parent directories
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: cannot create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: cannot connect to database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS state_entries (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			timestamp INTEGER NOT NULL,
			version INTEGER NOT NULL,
			sender TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, key)
		);

		CREATE TABLE IF NOT EXISTS sync_sessions (
			id TEXT PRIMARY KEY,
			peer TEXT NOT NULL,
			mode TEXT NOT NULL,
			preset TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			inputs INTEGER NOT NULL DEFAULT 0,
			reconciled INTEGER NOT NULL DEFAULT 0,
			replayed INTEGER NOT NULL DEFAULT 0,
			max_correction REAL NOT NULL DEFAULT 0,
			mean_correction REAL NOT NULL DEFAULT 0,
			snapshots_dropped INTEGER NOT NULL DEFAULT 0,
			evicted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_sync_sessions_peer ON sync_sessions(peer);
		CREATE INDEX IF NOT EXISTS idx_sync_sessions_created ON sync_sessions(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveStateEntry stores e under scope. A stored entry is only replaced by a
// newer one, using the same ordering as the in-memory merge.
func (s *Store) SaveStateEntry(scope string, e core.StateEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO state_entries (scope, key, value, timestamp, version, sender)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			timestamp = excluded.timestamp,
			version = excluded.version,
			sender = excluded.sender,
			updated_at = CURRENT_TIMESTAMP
		 WHERE excluded.version > state_entries.version
			OR (excluded.version = state_entries.version AND excluded.timestamp > state_entries.timestamp)
			OR (excluded.version = state_entries.version AND excluded.timestamp = state_entries.timestamp
				AND excluded.sender > state_entries.sender)`,
		scope, e.Key, e.Value, int64(e.Timestamp), int64(e.Version), string(e.Sender),
	)
	if err != nil {
		return fmt.Errorf("storage: cannot save state entry %q: %w", e.Key, err)
	}
	return nil
}

// StateEntries returns every entry stored under scope, ordered by key.
func (s *Store) StateEntries(scope string) ([]core.StateEntry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, timestamp, version, sender
		 FROM state_entries
		 WHERE scope = ?
		 ORDER BY key`,
		scope,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query state entries: %w", err)
	}
	defer rows.Close()

	var entries []core.StateEntry
	for rows.Next() {
		var e core.StateEntry
		var ts, version int64
		var sender string
		if err := rows.Scan(&e.Key, &e.Value, &ts, &version, &sender); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		e.Timestamp = uint64(ts)
		e.Version = uint32(version)
		e.Sender = core.PeerID(sender)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return entries, nil
}

// Scopes lists the scopes that hold state entries.
func (s *Store) Scopes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT scope FROM state_entries ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// ClearState deletes every entry stored under scope.
func (s *Store) ClearState(scope string) error {
	_, err := s.db.Exec("DELETE FROM state_entries WHERE scope = ?", scope)
	if err != nil {
		return fmt.Errorf("storage: cannot clear state: %w", err)
	}
	return nil
}

// StatePersister saves the entries of one scope.
type StatePersister struct {
	store *Store
	scope string
}

// Persister returns a statesync.Persister writing under scope.
func (s *Store) Persister(scope string) *StatePersister {
	return &StatePersister{store: s, scope: scope}
}

// SaveStateEntry implements statesync.Persister.
func (p *StatePersister) SaveStateEntry(e core.StateEntry) error {
	return p.store.SaveStateEntry(p.scope, e)
}

// Ensure StatePersister implements statesync.Persister
var _ statesync.Persister = (*StatePersister)(nil)

// SaveSession records the statistics of a finished session. An empty ID is
// replaced by a fresh UUID, which is returned.
func (s *Store) SaveSession(r SessionRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO sync_sessions
		 (id, peer, mode, preset, duration_ms, inputs, reconciled, replayed,
		  max_correction, mean_correction, snapshots_dropped, evicted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Peer,
		r.Mode,
		r.Preset,
		r.Duration.Milliseconds(),
		int64(r.Inputs),
		int64(r.Reconciled),
		int64(r.Replayed),
		r.MaxCorrection,
		r.MeanCorrection,
		int64(r.SnapshotsDropped),
		int64(r.Evicted),
	)
	if err != nil {
		return "", fmt.Errorf("storage: cannot save session: %w", err)
	}
	return r.ID, nil
}

const sessionColumns = `id, peer, mode, preset, duration_ms, inputs, reconciled, replayed,
		        max_correction, mean_correction, snapshots_dropped, evicted, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var r SessionRecord
	var durationMS, inputs, reconciled, replayed, dropped, evicted int64
	var createdAt any
	err := row.Scan(
		&r.ID,
		&r.Peer,
		&r.Mode,
		&r.Preset,
		&durationMS,
		&inputs,
		&reconciled,
		&replayed,
		&r.MaxCorrection,
		&r.MeanCorrection,
		&dropped,
		&evicted,
		&createdAt,
	)
	if err != nil {
		return r, err
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Inputs = uint64(inputs)
	r.Reconciled = uint64(reconciled)
	r.Replayed = uint64(replayed)
	r.SnapshotsDropped = uint64(dropped)
	r.Evicted = uint64(evicted)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// SessionByID retrieves a session record. It returns nil when none exists.
func (s *Store) SessionByID(id string) (*SessionRecord, error) {
	r, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query session: %w", err)
	}
	return &r, nil
}

// RecentSessions retrieves the most recent session records. A non-empty
// peer restricts the result to that peer.
func (s *Store) RecentSessions(peer string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + sessionColumns + ` FROM sync_sessions`
	args := []any{}
	if peer != "" {
		query += ` WHERE peer = ?`
		args = append(args, peer)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return results, nil
}

// parseTime handles both time.Time and string datetimes.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
