// Package faults defines the shared error taxonomy for the engine.
//
// Every persistent-layer failure surfaces as one of five kinds:
//
//   - IOError: transient I/O failure; safe to retry at the caller's
//     discretion, the failed operation did not take effect.
//   - CorruptionError: an integrity check (CRC, HMAC, payload checksum,
//     state hash) failed. Never auto-repaired; surfaced for operator
//     action via verify.
//   - ConsistencyError: an invariant violation such as a sequence gap.
//     Fatal to the operation, not the process.
//   - ConflictError: local and remote session state diverged. Recoverable
//     through the reconciler's resolve path.
//   - SchemaDriftError: a checkpoint's plugin state no longer matches the
//     variant's schema. Degrades to full replay, never fatal.
package faults

import (
	"errors"
	"fmt"
)

// IOError wraps a failed I/O operation. The operation is guaranteed not
// to have taken effect.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CorruptionError reports a failed integrity check.
type CorruptionError struct {
	SessionID string
	Seq       uint64
	Detail    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption: session %s seq %d: %s", e.SessionID, e.Seq, e.Detail)
}

// ConsistencyError reports an invariant violation, most commonly a gap
// in the event sequence.
type ConsistencyError struct {
	SessionID string
	Expected  uint64
	Got       uint64
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: session %s: expected seq %d, got %d: %s",
		e.SessionID, e.Expected, e.Got, e.Detail)
}

// ConflictError reports divergence between local and remote revisions.
type ConflictError struct {
	SessionID string
	LocalRev  int64
	RemoteRev int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: session %s: local rev %d, remote rev %d",
		e.SessionID, e.LocalRev, e.RemoteRev)
}

// SchemaDriftError reports a checkpoint whose serialized plugin state can
// no longer be deserialized by the current variant.
type SchemaDriftError struct {
	SessionID    string
	CheckpointID string
	Err          error
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift: session %s checkpoint %s: %v",
		e.SessionID, e.CheckpointID, e.Err)
}

func (e *SchemaDriftError) Unwrap() error { return e.Err }

// IsCorruption reports whether err is or wraps a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsConsistency reports whether err is or wraps a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsSchemaDrift reports whether err is or wraps a SchemaDriftError.
func IsSchemaDrift(err error) bool {
	var se *SchemaDriftError
	return errors.As(err, &se)
}

// IsIO reports whether err is or wraps an IOError.
func IsIO(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
