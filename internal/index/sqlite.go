package index

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sessiond/internal/faults"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("index: session not found")

// DB wraps the SQLite database holding the event projection, the session
// registry and the sync-state table.
type DB struct {
	db           *sql.DB
	embeddingDim int
}

// Open opens or creates the database at path and applies migrations.
// embeddingDim fixes the accepted embedding vector length; zero disables
// the semantic store.
func Open(path string, embeddingDim int) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &faults.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &faults.IOError{Op: "open", Path: path, Err: err}
	}
	// A single writer keeps the per-session locking model honest.
	db.SetMaxOpenConns(1)

	d := &DB{db: db, embeddingDim: embeddingDim}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// CreateSession registers a new session.
func (d *DB) CreateSession(id, workflowType string, createdAt time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO sessions (session_id, workflow_type, created_at_ns, status)
		VALUES (?, ?, ?, ?)`,
		id, workflowType, createdAt.UnixNano(), string(StatusActive),
	)
	if err != nil {
		return fmt.Errorf("index: create session: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT INTO sync_state (session_id, status) VALUES (?, ?)`,
		id, string(SyncUnsynced),
	)
	if err != nil {
		return fmt.Errorf("index: create sync state: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT session_id, workflow_type, created_at_ns, last_event_seq,
		       last_indexed_seq, status, degraded, write_gen
		FROM sessions WHERE session_id = ?`, id)

	var s Session
	var createdNs int64
	var degraded int
	var status string
	err := row.Scan(&s.ID, &s.WorkflowType, &createdNs, &s.LastEventSeq,
		&s.LastIndexedSeq, &status, &degraded, &s.WriteGen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get session: %w", err)
	}
	s.CreatedAt = time.Unix(0, createdNs).UTC()
	s.Status = SessionStatus(status)
	s.Degraded = degraded != 0
	return &s, nil
}

// ListSessions returns all sessions ordered by creation time.
func (d *DB) ListSessions() ([]*Session, error) {
	rows, err := d.db.Query(`
		SELECT session_id, workflow_type, created_at_ns, last_event_seq,
		       last_indexed_seq, status, degraded, write_gen
		FROM sessions ORDER BY created_at_ns`)
	if err != nil {
		return nil, fmt.Errorf("index: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		var createdNs int64
		var degraded int
		var status string
		if err := rows.Scan(&s.ID, &s.WorkflowType, &createdNs, &s.LastEventSeq,
			&s.LastIndexedSeq, &status, &degraded, &s.WriteGen); err != nil {
			return nil, fmt.Errorf("index: scan session: %w", err)
		}
		s.CreatedAt = time.Unix(0, createdNs).UTC()
		s.Status = SessionStatus(status)
		s.Degraded = degraded != 0
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SetSessionStatus updates a session's lifecycle state.
func (d *DB) SetSessionStatus(id string, status SessionStatus) error {
	res, err := d.db.Exec(`UPDATE sessions SET status = ? WHERE session_id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("index: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetLastEventSeq records the newest durably committed sequence.
func (d *DB) SetLastEventSeq(id string, seq uint64) error {
	_, err := d.db.Exec(`UPDATE sessions SET last_event_seq = ? WHERE session_id = ?`, seq, id)
	if err != nil {
		return fmt.Errorf("index: set last event seq: %w", err)
	}
	return nil
}

// SetDegraded flags or clears the index_degraded state for a session.
func (d *DB) SetDegraded(id string, degraded bool) error {
	v := 0
	if degraded {
		v = 1
	}
	_, err := d.db.Exec(`UPDATE sessions SET degraded = ? WHERE session_id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("index: set degraded: %w", err)
	}
	return nil
}

// Generation returns the session's write generation, bumped on every
// successful Apply, AttachEmbedding and RebuildFrom. The query cache
// keys staleness off this value.
func (d *DB) Generation(id string) (uint64, error) {
	var gen uint64
	err := d.db.QueryRow(`SELECT write_gen FROM sessions WHERE session_id = ?`, id).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("index: generation: %w", err)
	}
	return gen, nil
}

// GetSyncRecord loads the sync metadata for a session.
func (d *DB) GetSyncRecord(id string) (*SyncRecord, error) {
	row := d.db.QueryRow(`
		SELECT session_id, local_rev, remote_rev, last_pushed_seq, status
		FROM sync_state WHERE session_id = ?`, id)
	var r SyncRecord
	var status string
	err := row.Scan(&r.SessionID, &r.LocalRev, &r.RemoteRev, &r.LastPushedSeq, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get sync record: %w", err)
	}
	r.Status = SyncStatus(status)
	return &r, nil
}

// PutSyncRecord stores the sync metadata for a session.
func (d *DB) PutSyncRecord(r *SyncRecord) error {
	res, err := d.db.Exec(`
		UPDATE sync_state
		SET local_rev = ?, remote_rev = ?, last_pushed_seq = ?, status = ?
		WHERE session_id = ?`,
		r.LocalRev, r.RemoteRev, r.LastPushedSeq, string(r.Status), r.SessionID)
	if err != nil {
		return fmt.Errorf("index: put sync record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
