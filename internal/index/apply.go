package index

import (
	"fmt"

	"sessiond/internal/event"
	"sessiond/internal/faults"
)

// EventIterator is the slice of the event log the index consumes. The
// log's ReadRange iterator satisfies it.
type EventIterator interface {
	Next() (event.Event, bool, error)
	Close() error
}

// Apply projects one event into the index. It is idempotent: an event at
// or below the session's high-water mark is a no-op. An event past the
// next expected sequence is a ConsistencyError: the mark asserts that
// every sequence at or below it is present, so it only ever advances one
// contiguous step at a time. A failed apply does not advance the mark,
// so the same event is retried rather than silently skipped.
func (d *DB) Apply(e event.Event) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin apply: %w", err)
	}
	defer tx.Rollback()

	var hwm uint64
	if err := tx.QueryRow(
		`SELECT last_indexed_seq FROM sessions WHERE session_id = ?`,
		e.SessionID).Scan(&hwm); err != nil {
		return fmt.Errorf("index: read high-water mark: %w", err)
	}
	if e.Seq <= hwm {
		return nil
	}
	if e.Seq != hwm+1 {
		return &faults.ConsistencyError{
			SessionID: e.SessionID,
			Expected:  hwm + 1,
			Got:       e.Seq,
			Detail:    "apply would leave a gap below the high-water mark",
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO event_index (session_id, seq, category, timestamp_ns, text, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, seq) DO NOTHING`,
		e.SessionID, e.Seq, string(e.Category), e.Timestamp.UnixNano(),
		event.IndexableText(e.Payload), string(e.Payload),
	); err != nil {
		return fmt.Errorf("index: insert entry: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions
		SET last_indexed_seq = ?, write_gen = write_gen + 1
		WHERE session_id = ?`,
		e.Seq, e.SessionID,
	); err != nil {
		return fmt.Errorf("index: advance high-water mark: %w", err)
	}

	return tx.Commit()
}

// RebuildFrom reconstructs the projection for a session by replaying the
// event log from the beginning. It runs synchronously inside one
// transaction: queries block until the rebuild commits, and afterwards
// last_indexed_seq equals the last replayed sequence exactly.
func (d *DB) RebuildFrom(src EventIterator, sessionID string) error {
	defer src.Close()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM event_index WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("index: clear projection: %w", err)
	}

	var last uint64
	for {
		e, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("index: rebuild replay: %w", err)
		}
		if !ok {
			break
		}
		if _, err := tx.Exec(`
			INSERT INTO event_index (session_id, seq, category, timestamp_ns, text, payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, e.Seq, string(e.Category), e.Timestamp.UnixNano(),
			event.IndexableText(e.Payload), string(e.Payload),
		); err != nil {
			return fmt.Errorf("index: rebuild insert seq %d: %w", e.Seq, err)
		}
		last = e.Seq
	}

	if _, err := tx.Exec(`
		UPDATE sessions
		SET last_indexed_seq = ?, last_event_seq = MAX(last_event_seq, ?),
		    degraded = 0, write_gen = write_gen + 1
		WHERE session_id = ?`,
		last, last, sessionID,
	); err != nil {
		return fmt.Errorf("index: reset high-water mark: %w", err)
	}

	return tx.Commit()
}
