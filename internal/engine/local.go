package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sessiond/internal/checkpoint"
	"sessiond/internal/event"
)

// ErrSyncDisabled is returned by sync operations when no reconciler is
// configured.
var ErrSyncDisabled = errors.New("engine: sync is not enabled")

// Push uploads the session's state to the remote, pinned to a pre-sync
// checkpoint. Serialized against checkpointing for the same session.
func (e *Engine) Push(ctx context.Context, sessionID string) error {
	if e.recon == nil {
		return ErrSyncDisabled
	}
	s, err := e.getSession(sessionID)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return e.recon.Push(ctx, sessionID)
}

// Pull fetches remote state and fast-forwards when the local session has
// no unsynced work; divergence enters conflict.
func (e *Engine) Pull(ctx context.Context, sessionID string) error {
	if e.recon == nil {
		return ErrSyncDisabled
	}
	s, err := e.getSession(sessionID)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return e.recon.Pull(ctx, sessionID)
}

// Resolve merges a conflicted session local-first and pushes the merged
// result so both replicas converge.
func (e *Engine) Resolve(ctx context.Context, sessionID string) error {
	if e.recon == nil {
		return ErrSyncDisabled
	}
	s, err := e.getSession(sessionID)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return e.recon.Resolve(ctx, sessionID)
}

// localAdapter exposes engine internals to the reconciler. Every method
// is called with the session's opMu already held by the sync entry
// points above, so none of them may take it again.
type localAdapter struct {
	e *Engine
}

func (a *localAdapter) SessionEvents(sessionID string) ([]event.Event, error) {
	s, err := a.e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.log.ReadAll()
}

func (a *localAdapter) EventsAfter(sessionID string, afterSeq uint64) ([]event.Event, error) {
	s, err := a.e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.log.ReadAfter(afterSeq)
}

func (a *localAdapter) CheckpointPreSync(sessionID string) (*checkpoint.Checkpoint, error) {
	s, err := a.e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	cp, err := a.e.checkpointLocked(s, checkpoint.TriggerPreSync)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("engine: session %s has no events to sync", sessionID)
	}
	return cp, nil
}

// AppendRemote appends merged remote events after the local tail with
// fresh sequence numbers. Payloads, timestamps and checksums are kept
// verbatim so the content identity used for dedupe survives the merge;
// a trailing sync-marker records the reconciliation. The merged events
// are folded into live state in merged order, which is exactly a fold
// of the merged sequence.
func (a *localAdapter) AppendRemote(sessionID string, remote []event.Event, remoteRev int64) (uint64, error) {
	s, err := a.e.getSession(sessionID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(remote) == 0 {
		return s.log.LastSeq(), nil
	}

	batch := make([]event.Event, 0, len(remote)+1)
	for _, ev := range remote {
		batch = append(batch, event.Event{
			SessionID: sessionID,
			Timestamp: ev.Timestamp,
			Category:  ev.Category,
			Payload:   ev.Payload,
			Checksum:  ev.Checksum,
		})
	}

	marker, err := json.Marshal(map[string]any{
		"direction": "pull",
		"revision":  remoteRev,
		"merged":    len(remote),
	})
	if err != nil {
		return 0, fmt.Errorf("engine: marshal sync marker: %w", err)
	}
	mev, err := event.New(sessionID, event.SyncMarker, marker)
	if err != nil {
		return 0, err
	}
	batch = append(batch, mev)

	seqs, err := a.e.appendLocked(s, batch, false)
	if err != nil {
		return 0, err
	}
	a.e.logger.Info("remote events merged",
		"session", sessionID, "merged", len(remote), "revision", remoteRev,
		"last_seq", seqs[len(seqs)-1])
	return seqs[len(seqs)-1], nil
}
