// Package event defines the immutable event record that flows through the
// engine: the unit of the append-only log, the Index projection, and
// plugin folds.
package event

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/gowebpki/jcs"

	"sessiond/internal/faults"
)

// Category classifies an event's payload schema.
type Category string

const (
	Decision         Category = "decision"
	Finding          Category = "finding"
	Question         Category = "question"
	Record           Category = "record"
	CheckpointMarker Category = "checkpoint-marker"
	SyncMarker       Category = "sync-marker"
)

// Categories lists all valid categories in declaration order.
var Categories = []Category{
	Decision, Finding, Question, Record, CheckpointMarker, SyncMarker,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case Decision, Finding, Question, Record, CheckpointMarker, SyncMarker:
		return true
	}
	return false
}

// castagnoli is the CRC-32C table used for payload checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Event is a single immutable session record. Seq is assigned by the
// event log at append time and never reused; all other fields are set by
// the caller before append and never mutated afterwards.
type Event struct {
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"ts"`
	Category  Category        `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  uint32          `json:"checksum"`
}

// New builds an unappended event (Seq zero) with the payload checksum
// computed over the canonicalized payload.
func New(sessionID string, category Category, payload json.RawMessage) (Event, error) {
	if !category.Valid() {
		return Event{}, fmt.Errorf("event: unknown category %q", category)
	}
	sum, err := PayloadChecksum(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Category:  category,
		Payload:   payload,
		Checksum:  sum,
	}, nil
}

// PayloadChecksum computes CRC-32C over the RFC 8785 canonical form of
// the payload, so semantically identical JSON always checksums the same.
func PayloadChecksum(payload json.RawMessage) (uint32, error) {
	canon, err := jcs.Transform(payload)
	if err != nil {
		return 0, fmt.Errorf("event: canonicalize payload: %w", err)
	}
	return crc32.Checksum(canon, castagnoli), nil
}

// VerifyChecksum recomputes the payload checksum and compares it against
// the stored value.
func (e *Event) VerifyChecksum() error {
	sum, err := PayloadChecksum(e.Payload)
	if err != nil {
		return &faults.CorruptionError{
			SessionID: e.SessionID,
			Seq:       e.Seq,
			Detail:    fmt.Sprintf("payload not canonicalizable: %v", err),
		}
	}
	if sum != e.Checksum {
		return &faults.CorruptionError{
			SessionID: e.SessionID,
			Seq:       e.Seq,
			Detail:    fmt.Sprintf("payload checksum mismatch: stored %08x, computed %08x", e.Checksum, sum),
		}
	}
	return nil
}

// IndexableText extracts the free-text fields of a payload for keyword
// indexing. Fields named text, subject, choice, note, summary and phase
// are concatenated in that order; non-string values are skipped.
func IndexableText(payload json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	var out string
	for _, key := range []string{"text", "subject", "choice", "note", "summary", "phase"} {
		if v, ok := m[key].(string); ok && v != "" {
			if out != "" {
				out += " "
			}
			out += v
		}
	}
	return out
}
