// Package checkpoint implements atomic snapshots of derived session
// state and the resume path that reconstructs state from the latest
// committed checkpoint plus event replay.
//
// A checkpoint file is immutable: written to a temporary name, fsynced,
// then renamed into place. The per-session LATEST pointer is replaced
// the same way, so a crash at any point leaves the previous committed
// checkpoint current and never a torn one.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/faults"
)

// Trigger records why a checkpoint was taken.
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerPreSync Trigger = "pre-sync"
)

// WriteState tracks a checkpoint attempt through its lifecycle.
type WriteState string

const (
	WriteNone      WriteState = "none"
	WritePending   WriteState = "pending"
	WriteWriting   WriteState = "writing"
	WriteCommitted WriteState = "committed"
	WriteFailed    WriteState = "failed"
)

// Checkpoint is one immutable snapshot.
type Checkpoint struct {
	ID           string          `json:"checkpoint_id"`
	SessionID    string          `json:"session_id"`
	Seq          uint64          `json:"seq"`
	WorkflowType string          `json:"workflow_type"`
	StateSchema  string          `json:"state_schema"`
	PluginState  json.RawMessage `json:"plugin_state"`
	StateHash    string          `json:"state_hash"`
	CreatedAt    time.Time       `json:"created_at"`
	Trigger      Trigger         `json:"trigger"`
}

// Store persists checkpoints under dir/<session_id>/<checkpoint_id>.json
// with a LATEST pointer file per session.
type Store struct {
	dir string
}

// NewStore creates a checkpoint store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

func (s *Store) latestPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "LATEST")
}

// Commit durably writes cp and makes it the latest committed checkpoint
// for its session. Atomic from the caller's perspective.
func (s *Store) Commit(cp *Checkpoint) error {
	dir := s.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &faults.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	final := filepath.Join(dir, cp.ID+".json")
	if err := writeAtomic(final, data); err != nil {
		return err
	}
	// Checkpoint is durable; now flip the pointer. A crash between the
	// two writes leaves the prior pointer intact, which is correct.
	if err := writeAtomic(s.latestPath(cp.SessionID), []byte(cp.ID+"\n")); err != nil {
		return err
	}
	return nil
}

// writeAtomic writes data to path via temp-file, fsync, rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &faults.IOError{Op: "create", Path: tmp, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &faults.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &faults.IOError{Op: "fsync", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &faults.IOError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &faults.IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// Load reads one checkpoint by id.
func (s *Store) Load(sessionID, checkpointID string) (*Checkpoint, error) {
	path := filepath.Join(s.sessionDir(sessionID), checkpointID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &faults.IOError{Op: "read", Path: path, Err: err}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &faults.CorruptionError{
			SessionID: sessionID,
			Detail:    fmt.Sprintf("checkpoint %s unreadable: %v", checkpointID, err),
		}
	}
	return &cp, nil
}

// Latest returns the newest committed checkpoint, or nil if none exists.
// If the LATEST pointer or its target is damaged, the store falls back
// to scanning for the highest-sequence readable checkpoint rather than
// failing resume.
func (s *Store) Latest(sessionID string) (*Checkpoint, error) {
	ptr, err := os.ReadFile(s.latestPath(sessionID))
	if err == nil {
		id := strings.TrimSpace(string(ptr))
		cp, lerr := s.Load(sessionID, id)
		if lerr == nil {
			return cp, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &faults.IOError{Op: "read", Path: s.latestPath(sessionID), Err: err}
	}
	return s.scanLatest(sessionID)
}

// scanLatest walks the session directory for the readable checkpoint
// with the highest sequence.
func (s *Store) scanLatest(sessionID string) (*Checkpoint, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &faults.IOError{Op: "readdir", Path: s.sessionDir(sessionID), Err: err}
	}

	var best *Checkpoint
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := s.Load(sessionID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // unreadable candidates are skipped, verify reports them
		}
		if best == nil || cp.Seq > best.Seq ||
			(cp.Seq == best.Seq && cp.CreatedAt.After(best.CreatedAt)) {
			best = cp
		}
	}
	return best, nil
}

// List returns all readable checkpoints for a session, oldest first.
func (s *Store) List(sessionID string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &faults.IOError{Op: "readdir", Path: s.sessionDir(sessionID), Err: err}
	}
	var out []*Checkpoint
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := s.Load(sessionID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// newID returns a fresh checkpoint id.
func newID() string {
	return uuid.NewString()
}
