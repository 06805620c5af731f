package checkpoint

import (
	"fmt"
	"log/slog"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/eventlog"
	"sessiond/internal/faults"
	"sessiond/internal/plugin"
)

// Build folds plugin state from the prior checkpoint (or from scratch)
// through all events up to and including upTo, and returns an
// uncommitted checkpoint. A gap in the event range surfaces as a
// ConsistencyError from the log iterator and is never ignored.
//
// Build holds no locks: the caller captures upTo under the session lock
// and releases it before calling, accepting that the checkpoint may trail
// the live tail. Resume always replays the remainder.
func Build(log *eventlog.Log, variant plugin.Variant, sessionID, workflowType string,
	prior *Checkpoint, upTo uint64, trigger Trigger) (*Checkpoint, error) {

	state := variant.NewState()
	var from uint64 = 1

	if prior != nil && prior.Seq <= upTo {
		restored, err := variant.UnmarshalState(prior.PluginState)
		if err == nil {
			state = restored
			from = prior.Seq + 1
		}
		// Drift or damage in the prior checkpoint degrades to a full
		// fold; the new checkpoint repairs the chain.
	}

	it := log.ReadRange(from, upTo)
	defer it.Close()
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		state, err = variant.Fold(state, e)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: fold seq %d: %w", e.Seq, err)
		}
	}

	marshaled, err := variant.MarshalState(state)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	hash, err := plugin.StateHash(marshaled)
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		ID:           newID(),
		SessionID:    sessionID,
		Seq:          upTo,
		WorkflowType: workflowType,
		StateSchema:  variant.Schema(),
		PluginState:  marshaled,
		StateHash:    hash,
		CreatedAt:    time.Now().UTC(),
		Trigger:      trigger,
	}, nil
}

// Resumed is the result of a resume: live state plus the context handed
// to the workflow layer.
type Resumed struct {
	State       plugin.State
	LastSeq     uint64
	FromSeq     uint64 // checkpoint seq the replay started after; 0 = full replay
	Degraded    bool   // true when the checkpoint was unusable and we replayed fully
	Context     plugin.Context
	Checkpoint  *Checkpoint // the checkpoint used, nil on full replay
	ReplayCount uint64
}

// Resume reconstructs session state: latest committed checkpoint plus
// replay of everything after it. Schema drift in the checkpoint is
// logged and degrades to full replay, never a resume failure.
func Resume(log *eventlog.Log, store *Store, variant plugin.Variant,
	sessionID string, recentN int, logger *slog.Logger) (*Resumed, error) {

	if logger == nil {
		logger = slog.Default()
	}

	res := &Resumed{State: variant.NewState()}
	var from uint64 = 1

	cp, err := store.Latest(sessionID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		restored, uerr := variant.UnmarshalState(cp.PluginState)
		switch {
		case uerr != nil:
			drift := &faults.SchemaDriftError{
				SessionID:    sessionID,
				CheckpointID: cp.ID,
				Err:          uerr,
			}
			logger.Warn("degraded checkpoint, falling back to full replay",
				"session", sessionID, "checkpoint", cp.ID, "error", drift)
			res.Degraded = true
		case cp.StateSchema != variant.Schema():
			logger.Warn("checkpoint schema drift, falling back to full replay",
				"session", sessionID, "checkpoint", cp.ID,
				"stored", cp.StateSchema, "current", variant.Schema())
			res.Degraded = true
		default:
			res.State = restored
			res.FromSeq = cp.Seq
			res.Checkpoint = cp
			from = cp.Seq + 1
		}
	}

	it := log.ReadRange(from, 0)
	defer it.Close()
	var recent []event.Event
	for {
		e, ok, nerr := it.Next()
		if nerr != nil {
			return nil, nerr
		}
		if !ok {
			break
		}
		res.State, err = variant.Fold(res.State, e)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: resume fold seq %d: %w", e.Seq, err)
		}
		res.LastSeq = e.Seq
		res.ReplayCount++
		recent = append(recent, e)
		if len(recent) > recentN {
			recent = recent[1:]
		}
	}
	if res.LastSeq == 0 && res.FromSeq > 0 {
		res.LastSeq = res.FromSeq
	}

	// The replay window may be shorter than recentN after a checkpoint;
	// top up from the log tail so the context always has recentN events
	// when they exist.
	if len(recent) < recentN && from > 1 {
		recent, err = tailEvents(log, res.LastSeq, recentN)
		if err != nil {
			return nil, err
		}
	}

	ctx, err := variant.ResumeContext(res.State, recent)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: resume context: %w", err)
	}
	ctx.SessionID = sessionID
	ctx.WorkflowType = variant.Type()
	ctx.LastSeq = res.LastSeq
	ctx.Progress = variant.Progress(res.State)
	res.Context = ctx
	return res, nil
}

// tailEvents reads the last n events ending at lastSeq.
func tailEvents(log *eventlog.Log, lastSeq uint64, n int) ([]event.Event, error) {
	if lastSeq == 0 || n <= 0 {
		return nil, nil
	}
	from := uint64(1)
	if lastSeq > uint64(n) {
		from = lastSeq - uint64(n) + 1
	}
	it := log.ReadRange(from, lastSeq)
	defer it.Close()
	var out []event.Event
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
