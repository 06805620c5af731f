// Package index provides the SQLite-backed queryable projection of the
// event log, plus the session and sync-state registries that live in the
// same database.
//
// The event projection is derived and rebuildable: every row can be
// reconstructed from the event log by RebuildFrom. Sessions and sync
// state are small authoritative registries; they are repaired, not
// rebuilt, on recovery.
package index

import (
	"time"

	"sessiond/internal/event"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusCheckpointed SessionStatus = "checkpointed"
	StatusClosed       SessionStatus = "closed"
)

// Session is the mutable session aggregate.
type Session struct {
	ID             string
	WorkflowType   string
	CreatedAt      time.Time
	LastEventSeq   uint64
	LastIndexedSeq uint64
	Status         SessionStatus
	Degraded       bool // set when Apply retries were exhausted
	WriteGen       uint64
}

// SyncStatus is the reconciler state for a session.
type SyncStatus string

const (
	SyncUnsynced SyncStatus = "unsynced"
	SyncPushing  SyncStatus = "pushing"
	SyncSynced   SyncStatus = "synced"
	SyncDirty    SyncStatus = "dirty"
	SyncConflict SyncStatus = "conflict"
	SyncResolved SyncStatus = "resolved"
)

// SyncRecord is the per-session sync metadata.
type SyncRecord struct {
	SessionID     string
	LocalRev      int64
	RemoteRev     int64
	LastPushedSeq uint64
	Status        SyncStatus
}

// Filter restricts a query to a subset of a session's events. Zero
// values mean "no restriction".
type Filter struct {
	Categories []event.Category `json:"categories,omitempty"`
	From       time.Time        `json:"from,omitempty"`
	To         time.Time        `json:"to,omitempty"`
	FromSeq    uint64           `json:"from_seq,omitempty"`
	ToSeq      uint64           `json:"to_seq,omitempty"`
}

// Entry is one projected event row.
type Entry struct {
	SessionID string
	Seq       uint64
	Category  event.Category
	Timestamp time.Time
	Text      string
	Payload   []byte
}
