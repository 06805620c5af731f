package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"sessiond/internal/checkpoint"
	"sessiond/internal/event"
	"sessiond/internal/eventlog"
	"sessiond/internal/faults"
	"sessiond/internal/index"
	"sessiond/internal/plugin"
	"sessiond/internal/query"
)

// Record validates and durably appends one event, projects it into the
// index and folds it into live plugin state. Returns the assigned
// sequence number once the event is fsynced.
//
// Index apply failures never fail a Record: the event is already
// durable, so the session is flagged index_degraded and reads fall back
// to a rebuild.
func (e *Engine) Record(sessionID string, category event.Category, payload json.RawMessage) (uint64, error) {
	seqs, err := e.RecordBatch(sessionID, []Input{{Category: category, Payload: payload}})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// Input is one unappended event in a batch.
type Input struct {
	Category event.Category
	Payload  json.RawMessage
}

// RecordBatch appends several events with a single fsync. Validation
// failures reject the whole batch before anything is written.
func (e *Engine) RecordBatch(sessionID string, inputs []Input) ([]uint64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	s, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	events := make([]event.Event, 0, len(inputs))
	for i, in := range inputs {
		if err := e.validator.Validate(in.Category, in.Payload); err != nil {
			return nil, fmt.Errorf("engine: batch item %d: %w", i, err)
		}
		ev, err := event.New(sessionID, in.Category, in.Payload)
		if err != nil {
			return nil, fmt.Errorf("engine: batch item %d: %w", i, err)
		}
		events = append(events, ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := e.clearFlagLocked(s); err != nil {
		return nil, err
	}
	return e.appendLocked(s, events, true)
}

// clearFlagLocked forces a full verify on a session flagged for
// out-of-band modification. A clean scan clears the flag; corruption
// blocks the append.
func (e *Engine) clearFlagLocked(s *session) error {
	if !s.flagged {
		return nil
	}
	points, err := s.log.Verify()
	if err != nil {
		return err
	}
	if len(points) > 0 {
		return &faults.CorruptionError{
			SessionID: s.id,
			Seq:       points[0].Seq,
			Detail:    fmt.Sprintf("log modified out-of-band: %s (%d findings)", points[0].Detail, len(points)),
		}
	}
	s.flagged = false
	e.logger.Info("out-of-band flag cleared after clean verify", "session", s.id)
	return nil
}

// appendLocked runs the post-validation append pipeline under s.mu.
// markDirty is false for sync-originated appends: the reconciler owns
// the sync state while a pull or resolve is in flight.
func (e *Engine) appendLocked(s *session, events []event.Event, markDirty bool) ([]uint64, error) {
	seqs, err := s.log.AppendBatch(events)
	if err != nil {
		return nil, err
	}
	if e.watch != nil {
		// Before the index and fold work: the watcher goroutine may see
		// the write event immediately, and a stale expectation would
		// false-flag our own append.
		e.watch.Expect(s.log.Path(), s.log.Size())
	}

	last := seqs[len(seqs)-1]
	if err := e.idx.SetLastEventSeq(s.id, last); err != nil {
		e.logger.Error("cannot record last event seq", "session", s.id, "error", err)
	}
	for i := range events {
		events[i].Seq = seqs[i]
		if err := e.applyIndexed(events[i]); err != nil {
			// Stop projecting: applying a later event now would leave a
			// gap below the high-water mark. The session is degraded and
			// the next read or open rebuilds the projection.
			break
		}
	}

	for _, ev := range events {
		next, ferr := s.variant.Fold(s.state, ev)
		if ferr != nil {
			// The event is durable; a fold error means the variant cannot
			// digest it. State stays as-is and resume will hit the same
			// error, which is the correct place to surface it.
			e.logger.Error("fold failed", "session", s.id, "seq", ev.Seq, "error", ferr)
			break
		}
		s.state = next
	}

	if e.recon != nil && markDirty {
		if derr := e.recon.MarkDirty(s.id); derr != nil {
			e.logger.Warn("cannot mark session dirty", "session", s.id, "error", derr)
		}
	}
	return seqs, nil
}

// applyIndexed projects one event with bounded retries. Exhausting the
// retries flags the session index_degraded instead of failing the write
// and reports the failure so the caller stops projecting.
func (e *Engine) applyIndexed(ev event.Event) error {
	var err error
	for attempt := 0; attempt < e.cfg.Storage.MaxApplyRetries; attempt++ {
		if err = e.idx.Apply(ev); err == nil {
			return nil
		}
	}
	e.logger.Error("index apply failed, flagging session degraded",
		"session", ev.SessionID, "seq", ev.Seq, "error", err)
	if derr := e.idx.SetDegraded(ev.SessionID, true); derr != nil {
		e.logger.Error("cannot flag degraded", "session", ev.SessionID, "error", derr)
	}
	return err
}

// AttachEmbedding stores an externally computed embedding for an event.
func (e *Engine) AttachEmbedding(sessionID string, seq uint64, vec []float32) error {
	if _, err := e.getSession(sessionID); err != nil {
		return err
	}
	return e.idx.AttachEmbedding(sessionID, seq, vec)
}

// Checkpoint takes a snapshot of the session's derived state at the
// current log tail. Returns the committed checkpoint id, or "" when
// there is nothing to checkpoint.
func (e *Engine) Checkpoint(sessionID string, trigger checkpoint.Trigger) (string, error) {
	s, err := e.getSession(sessionID)
	if err != nil {
		return "", err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	cp, err := e.checkpointLocked(s, trigger)
	if err != nil || cp == nil {
		return "", err
	}
	return cp.ID, nil
}

// checkpointLocked builds and commits a checkpoint. Caller holds s.opMu.
// The fold runs without the session append lock: upTo is captured once
// and the range read is stable because committed lines are immutable.
func (e *Engine) checkpointLocked(s *session, trigger checkpoint.Trigger) (*checkpoint.Checkpoint, error) {
	upTo := s.log.LastSeq()
	if upTo == 0 {
		return nil, nil
	}

	prior, err := e.ckpts.Latest(s.id)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Seq == upTo && trigger != checkpoint.TriggerManual {
		// Nothing new since the last snapshot; timer and pre-sync callers
		// can use the existing one.
		return prior, nil
	}

	cp, err := checkpoint.Build(s.log, s.variant, s.id, s.workflow, prior, upTo, trigger)
	if err != nil {
		return nil, err
	}
	if err := e.ckpts.Commit(cp); err != nil {
		return nil, err
	}
	if err := e.idx.SetSessionStatus(s.id, index.StatusCheckpointed); err != nil {
		e.logger.Warn("cannot update session status", "session", s.id, "error", err)
	}
	e.logger.Info("checkpoint committed",
		"session", s.id, "checkpoint", cp.ID, "seq", cp.Seq, "trigger", trigger)

	if trigger == checkpoint.TriggerManual {
		// Audit marker for operator-initiated checkpoints. Timer and
		// pre-sync snapshots skip it so periodic checkpointing does not
		// grow the log on idle sessions.
		marker, merr := json.Marshal(map[string]any{
			"checkpoint_id": cp.ID,
			"seq":           cp.Seq,
			"trigger":       string(trigger),
		})
		if merr == nil {
			if ev, nerr := event.New(s.id, event.CheckpointMarker, marker); nerr == nil {
				s.mu.Lock()
				_, aerr := e.appendLocked(s, []event.Event{ev}, true)
				s.mu.Unlock()
				if aerr != nil {
					e.logger.Warn("cannot append checkpoint marker", "session", s.id, "error", aerr)
				}
			}
		}
	}
	return cp, nil
}

// Resume reconstructs the session's derived state from the latest
// committed checkpoint plus replay, refreshes the live handle, and
// returns the resumption context.
func (e *Engine) Resume(sessionID string) (*plugin.Context, error) {
	s, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	res, err := checkpoint.Resume(s.log, e.ckpts, s.variant, s.id,
		e.cfg.Checkpoint.RecentEvents, e.logger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = res.State
	s.mu.Unlock()

	if res.Degraded {
		e.logger.Warn("session resumed via full replay",
			"session", s.id, "replayed", res.ReplayCount)
	}
	ctx := res.Context
	return &ctx, nil
}

// Verify scans the session's log and reports every integrity failure.
// A clean scan clears any out-of-band modification flag.
func (e *Engine) Verify(sessionID string) ([]eventlog.CorruptionPoint, error) {
	s, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	points, err := s.log.Verify()
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		s.mu.Lock()
		s.flagged = false
		s.mu.Unlock()
	}
	return points, nil
}

// Rebuild discards and reconstructs the session's index projection from
// the event log.
func (e *Engine) Rebuild(sessionID string) error {
	s, err := e.getSession(sessionID)
	if err != nil {
		return err
	}
	return e.idx.RebuildFrom(s.log.ReadRange(1, 0), sessionID)
}

// CloseSession checkpoints (when events exist), stops the session's
// timer and closes its log. A closed session no longer accepts appends.
func (e *Engine) CloseSession(sessionID string) error {
	s, err := e.getSession(sessionID)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	_, cerr := e.checkpointLocked(s, checkpoint.TriggerManual)
	s.opMu.Unlock()
	if cerr != nil {
		return cerr
	}

	e.sched.Cancel(sessionID)
	if err := e.idx.SetSessionStatus(sessionID, index.StatusClosed); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.sessions, sessionID)
	delete(e.byPath, s.log.Path())
	e.mu.Unlock()

	if e.watch != nil {
		e.watch.Untrack(s.log.Path())
	}
	e.logger.Info("session closed", "session", sessionID)
	return s.log.Close()
}

// Search runs one query against the index. A degraded projection is
// rebuilt from the event log before the query runs, so reads never serve
// a projection with known holes.
func (e *Engine) Search(ctx context.Context, req query.Request) ([]query.Result, error) {
	sess, err := e.idx.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Degraded {
		s, err := e.getSession(req.SessionID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		err = e.idx.RebuildFrom(s.log.ReadRange(1, 0), req.SessionID)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		e.logger.Info("degraded index rebuilt before read", "session", req.SessionID)
	}
	return e.queries.Search(ctx, req)
}

// Session returns a session's registry row.
func (e *Engine) Session(sessionID string) (*index.Session, error) {
	return e.idx.GetSession(sessionID)
}

// Sessions lists every registered session.
func (e *Engine) Sessions() ([]*index.Session, error) {
	return e.idx.ListSessions()
}

// SyncRecord returns a session's sync metadata.
func (e *Engine) SyncRecord(sessionID string) (*index.SyncRecord, error) {
	return e.idx.GetSyncRecord(sessionID)
}

// Checkpoints lists a session's committed checkpoints, oldest first.
func (e *Engine) Checkpoints(sessionID string) ([]*checkpoint.Checkpoint, error) {
	return e.ckpts.List(sessionID)
}
