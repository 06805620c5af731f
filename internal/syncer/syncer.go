// Package syncer reconciles local session state with one remote peer.
//
// Sync is asynchronous reconciliation, not replication: the local event
// log is authoritative. On conflict, remote events missing locally are
// appended after the local tail (preserving local causal order) and
// plugin state is rederived by folding the merged log. Serialized
// snapshots are never merged directly; that operation is not
// commutative and is the documented data-loss hazard this policy exists
// to avoid. True concurrent-edit semantics beyond "local events win
// ordering" are undefined; callers that need stronger guarantees must
// serialize their writers.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"sessiond/internal/checkpoint"
	"sessiond/internal/event"
	"sessiond/internal/faults"
	"sessiond/internal/index"
)

// Payload is the wire form of one session's syncable state.
type Payload struct {
	SessionID  string          `json:"session_id"`
	Revision   int64           `json:"revision"`
	LastSeq    uint64          `json:"last_seq"`
	Events     []event.Event   `json:"events"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// Remote is the sync backend. Transport and authentication live behind
// this interface; see HTTPRemote for the standard client.
type Remote interface {
	// Push uploads local state. Returns the new remote revision, or
	// ErrRemoteAhead when the remote has a newer revision.
	Push(ctx context.Context, sessionID string, p *Payload) (int64, error)

	// Pull fetches remote state. Returns ErrRemoteEmpty when the remote
	// has never seen the session.
	Pull(ctx context.Context, sessionID string) (int64, *Payload, error)
}

// Remote sentinel errors.
var (
	ErrRemoteAhead = errors.New("syncer: remote revision is newer")
	ErrRemoteEmpty = errors.New("syncer: session unknown to remote")
)

// Local is what the reconciler needs from the engine. Methods must be
// safe to call while the session is live; the engine serializes them
// against checkpointing per session.
type Local interface {
	// SessionEvents returns every committed event for the session.
	SessionEvents(sessionID string) ([]event.Event, error)

	// EventsAfter returns events with seq > afterSeq.
	EventsAfter(sessionID string, afterSeq uint64) ([]event.Event, error)

	// CheckpointPreSync takes a pre-sync checkpoint pinned to a fixed
	// sequence so a push never chases a moving target.
	CheckpointPreSync(sessionID string) (*checkpoint.Checkpoint, error)

	// AppendRemote appends merged remote events after the local tail
	// with fresh sequence numbers, updating the index, and records a
	// sync-marker. Returns the new last sequence.
	AppendRemote(sessionID string, remote []event.Event, remoteRev int64) (uint64, error)
}

// legalTransitions is the validated sync state machine. Anything not
// listed here is a programming error, not a recoverable state.
var legalTransitions = map[index.SyncStatus][]index.SyncStatus{
	index.SyncUnsynced: {index.SyncPushing, index.SyncSynced, index.SyncConflict},
	index.SyncSynced:   {index.SyncPushing, index.SyncDirty, index.SyncConflict},
	index.SyncDirty:    {index.SyncPushing, index.SyncConflict},
	index.SyncPushing:  {index.SyncSynced, index.SyncUnsynced, index.SyncConflict},
	index.SyncConflict: {index.SyncResolved},
	index.SyncResolved: {index.SyncSynced},
}

// transition mutates r.Status after validating the edge. Illegal edges
// panic: they indicate a bug in the reconciler, never an input problem.
func transition(r *index.SyncRecord, to index.SyncStatus) {
	for _, ok := range legalTransitions[r.Status] {
		if ok == to {
			r.Status = to
			return
		}
	}
	panic(fmt.Sprintf("syncer: illegal sync transition %s -> %s (session %s)",
		r.Status, to, r.SessionID))
}

// Reconciler drives push/pull/resolve for sessions.
type Reconciler struct {
	idx    *index.DB
	local  Local
	remote Remote
	logger *slog.Logger
}

// New creates a reconciler.
func New(idx *index.DB, local Local, remote Remote, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		idx:    idx,
		local:  local,
		remote: remote,
		logger: logger.With("component", "syncer"),
	}
}

// Push uploads the session's checkpoint and events since the last synced
// revision. On remote rejection due to a newer remote revision the
// session enters conflict; Resolve recovers it.
func (r *Reconciler) Push(ctx context.Context, sessionID string) error {
	rec, err := r.idx.GetSyncRecord(sessionID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case index.SyncUnsynced, index.SyncSynced, index.SyncDirty:
	case index.SyncConflict:
		return &faults.ConflictError{SessionID: sessionID, LocalRev: rec.LocalRev, RemoteRev: rec.RemoteRev}
	default:
		return fmt.Errorf("syncer: push not allowed from state %s", rec.Status)
	}

	// Pin the push to a fixed sequence before anything leaves the
	// machine.
	cp, err := r.local.CheckpointPreSync(sessionID)
	if err != nil {
		return err
	}

	transition(rec, index.SyncPushing)
	if err := r.idx.PutSyncRecord(rec); err != nil {
		return err
	}

	events, err := r.local.EventsAfter(sessionID, rec.LastPushedSeq)
	if err != nil {
		return r.failPush(rec, err)
	}
	// Trim anything past the pinned checkpoint.
	for len(events) > 0 && events[len(events)-1].Seq > cp.Seq {
		events = events[:len(events)-1]
	}

	cpRaw, err := json.Marshal(cp)
	if err != nil {
		return r.failPush(rec, fmt.Errorf("syncer: marshal checkpoint: %w", err))
	}

	payload := &Payload{
		SessionID:  sessionID,
		Revision:   rec.LocalRev + 1,
		LastSeq:    cp.Seq,
		Events:     events,
		Checkpoint: cpRaw,
	}

	rev, err := r.remote.Push(ctx, sessionID, payload)
	if errors.Is(err, ErrRemoteAhead) {
		transition(rec, index.SyncConflict)
		if perr := r.idx.PutSyncRecord(rec); perr != nil {
			return perr
		}
		r.logger.Warn("push rejected, remote ahead", "session", sessionID)
		return &faults.ConflictError{SessionID: sessionID, LocalRev: rec.LocalRev, RemoteRev: rec.RemoteRev}
	}
	if err != nil {
		return r.failPush(rec, err)
	}

	transition(rec, index.SyncSynced)
	rec.LocalRev = payload.Revision
	rec.RemoteRev = rev
	rec.LastPushedSeq = cp.Seq
	if err := r.idx.PutSyncRecord(rec); err != nil {
		return err
	}
	r.logger.Info("push complete", "session", sessionID, "revision", rev, "seq", cp.Seq)
	return nil
}

// failPush returns the session to its pre-push state. A transport error
// is not a conflict; the caller retries on its own schedule.
func (r *Reconciler) failPush(rec *index.SyncRecord, cause error) error {
	// A session that never completed a push retreats to unsynced,
	// anything else to synced; dirty-ness is restored via local/remote
	// revision comparison on the next push.
	if rec.LocalRev == 0 {
		transition(rec, index.SyncUnsynced)
	} else {
		transition(rec, index.SyncSynced)
	}
	if err := r.idx.PutSyncRecord(rec); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Pull fetches remote state. Remote-newer with no unsynced local changes
// applies directly; divergence on both sides enters conflict.
func (r *Reconciler) Pull(ctx context.Context, sessionID string) error {
	rec, err := r.idx.GetSyncRecord(sessionID)
	if err != nil {
		return err
	}

	rev, payload, err := r.remote.Pull(ctx, sessionID)
	if errors.Is(err, ErrRemoteEmpty) {
		return nil // nothing to reconcile
	}
	if err != nil {
		return err
	}
	if rev <= rec.RemoteRev {
		return nil // nothing newer
	}

	local, err := r.local.SessionEvents(sessionID)
	if err != nil {
		return err
	}

	localAhead := uint64(len(local)) > rec.LastPushedSeq
	if !localAhead {
		// Fast-forward: remote strictly newer, no unsynced local work.
		newLast, err := r.local.AppendRemote(sessionID, remoteSuffix(local, payload.Events), rev)
		if err != nil {
			return err
		}
		if rec.Status != index.SyncSynced {
			transition(rec, index.SyncSynced)
		}
		rec.RemoteRev = rev
		rec.LocalRev = rev
		rec.LastPushedSeq = newLast
		if err := r.idx.PutSyncRecord(rec); err != nil {
			return err
		}
		r.logger.Info("pull applied", "session", sessionID, "revision", rev)
		return nil
	}

	transition(rec, index.SyncConflict)
	rec.RemoteRev = rev
	if err := r.idx.PutSyncRecord(rec); err != nil {
		return err
	}
	return &faults.ConflictError{SessionID: sessionID, LocalRev: rec.LocalRev, RemoteRev: rev}
}

// Resolve merges a conflicted session local-first: local events keep
// their order, remote-only events are appended after the local tail, and
// plugin state is rederived by folding the merged log. Afterwards the
// merged state is pushed so both sides converge.
func (r *Reconciler) Resolve(ctx context.Context, sessionID string) error {
	rec, err := r.idx.GetSyncRecord(sessionID)
	if err != nil {
		return err
	}
	if rec.Status != index.SyncConflict {
		return fmt.Errorf("syncer: resolve called in state %s", rec.Status)
	}

	rev, payload, err := r.remote.Pull(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrRemoteEmpty) {
		return err
	}

	var merged uint64
	if payload != nil {
		local, err := r.local.SessionEvents(sessionID)
		if err != nil {
			return err
		}
		suffix := remoteSuffix(local, payload.Events)
		if len(suffix) > 0 {
			if merged, err = r.local.AppendRemote(sessionID, suffix, rev); err != nil {
				return err
			}
		}
	}

	transition(rec, index.SyncResolved)
	rec.RemoteRev = rev
	// The merged log now contains everything the remote revision had, so
	// the follow-up push proposes rev+1.
	rec.LocalRev = rev
	if err := r.idx.PutSyncRecord(rec); err != nil {
		return err
	}
	r.logger.Info("conflict resolved", "session", sessionID, "merged_through", merged)

	// Converge the remote on the merged result.
	transition(rec, index.SyncSynced)
	if err := r.idx.PutSyncRecord(rec); err != nil {
		return err
	}
	return r.Push(ctx, sessionID)
}

// MarkDirty flags local writes after a successful sync.
func (r *Reconciler) MarkDirty(sessionID string) error {
	rec, err := r.idx.GetSyncRecord(sessionID)
	if err != nil {
		return err
	}
	if rec.Status != index.SyncSynced {
		return nil
	}
	transition(rec, index.SyncDirty)
	return r.idx.PutSyncRecord(rec)
}
