package index

import (
	"database/sql"
	"fmt"
)

// Migration is one schema step. Down statements exist for operator
// tooling; the engine only ever migrates up.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "sessions, sync_state and event projection",
		Up: `
CREATE TABLE IF NOT EXISTS sessions (
    session_id        TEXT PRIMARY KEY,
    workflow_type     TEXT NOT NULL,
    created_at_ns     INTEGER NOT NULL,
    status            TEXT NOT NULL DEFAULT 'active',
    last_event_seq    INTEGER NOT NULL DEFAULT 0,
    last_indexed_seq  INTEGER NOT NULL DEFAULT 0,
    degraded          INTEGER NOT NULL DEFAULT 0,
    write_gen         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_state (
    session_id       TEXT PRIMARY KEY REFERENCES sessions(session_id),
    local_rev        INTEGER NOT NULL DEFAULT 0,
    remote_rev       INTEGER NOT NULL DEFAULT 0,
    last_pushed_seq  INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'unsynced'
);

CREATE TABLE IF NOT EXISTS event_index (
    session_id    TEXT NOT NULL REFERENCES sessions(session_id),
    seq           INTEGER NOT NULL,
    category      TEXT NOT NULL,
    timestamp_ns  INTEGER NOT NULL,
    text          TEXT NOT NULL DEFAULT '',
    payload       TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_event_category ON event_index(session_id, category, seq);
CREATE INDEX IF NOT EXISTS idx_event_ts ON event_index(session_id, timestamp_ns);
`,
		Down: `
DROP TABLE IF EXISTS event_index;
DROP TABLE IF EXISTS sync_state;
DROP TABLE IF EXISTS sessions;
`,
	},
	{
		Version:     2,
		Description: "per-event embeddings for semantic queries",
		Up: `
CREATE TABLE IF NOT EXISTS embeddings (
    session_id  TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    dim         INTEGER NOT NULL,
    vec         BLOB NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`,
		Down: `DROP TABLE IF EXISTS embeddings;`,
	},
}

// migrate brings the schema up to the latest version.
func (d *DB) migrate() error {
	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
		    version     INTEGER PRIMARY KEY,
		    applied_ns  INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := d.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := d.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (d *DB) schemaVersion() (int, error) {
	var v sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (d *DB) applyMigration(m Migration) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, applied_ns) VALUES (?, strftime('%s','now') * 1000000000)`,
		m.Version); err != nil {
		return err
	}
	return tx.Commit()
}
