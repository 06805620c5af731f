// Package plugin defines the per-workflow-type state machines that fold
// events into derived state, report progress, and build the resumption
// context handed back to the workflow layer.
//
// A variant's Fold must be pure and deterministic: state is always
// rederivable by replaying the event log, and checkpoints are only a
// shortcut. Registering a variant with side effects in Fold breaks
// resume equivalence.
package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"sessiond/internal/event"
)

// State is a variant-owned derived value. Concrete types are private to
// their variant; callers only move State between Fold, Progress,
// ResumeContext and the serialization hooks.
type State any

// EventDigest is the compact event form embedded in resume contexts.
type EventDigest struct {
	Seq       uint64         `json:"seq"`
	Category  event.Category `json:"category"`
	Timestamp time.Time      `json:"ts"`
	Text      string         `json:"text,omitempty"`
}

// Context is the structured summary returned to a resuming caller.
type Context struct {
	SessionID    string        `json:"session_id"`
	WorkflowType string        `json:"workflow_type"`
	LastSeq      uint64        `json:"last_seq"`
	Progress     float64       `json:"progress"`
	Summary      string        `json:"summary"`
	Open         []string      `json:"open,omitempty"`
	Recent       []EventDigest `json:"recent,omitempty"`
}

// Variant is the capability set every workflow type implements. Adding a
// method here is a breaking change to all registered variants; new
// capabilities go behind the Schema version instead.
type Variant interface {
	// Type is the workflow_type string this variant serves.
	Type() string

	// Schema identifies the serialized state layout. Checkpoints store
	// it; a mismatch at resume is schema drift and falls back to replay.
	Schema() string

	// NewState returns the empty fold seed.
	NewState() State

	// Fold consumes one event. Pure and deterministic.
	Fold(s State, e event.Event) (State, error)

	// Progress maps state to [0.0, 1.0].
	Progress(s State) float64

	// ResumeContext builds the resumption summary from state plus the
	// most recent raw events.
	ResumeContext(s State, recent []event.Event) (Context, error)

	// MarshalState serializes state for checkpointing.
	MarshalState(s State) ([]byte, error)

	// UnmarshalState deserializes checkpointed state. Must reject data
	// written under a different Schema.
	UnmarshalState(data []byte) (State, error)
}

// StateHash returns the hex SHA-256 of the canonical JSON form of a
// marshaled state. Fold determinism is checked by comparing these.
func StateHash(marshaled []byte) (string, error) {
	canon, err := jcs.Transform(marshaled)
	if err != nil {
		return "", fmt.Errorf("plugin: canonicalize state: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Registry resolves workflow types to variants. Unregistered types fall
// back to the generic variant so sessions never fail to open.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Variant
	fallback Variant
}

// NewRegistry creates a registry with the built-in variants registered
// and the generic variant as fallback.
func NewRegistry() *Registry {
	r := &Registry{
		variants: make(map[string]Variant),
		fallback: NewGeneric(),
	}
	r.Register(NewGeneric())
	r.Register(NewPhased())
	r.Register(NewTriage())
	return r
}

// Register adds or replaces a variant for its workflow type.
func (r *Registry) Register(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[v.Type()] = v
}

// Resolve returns the variant for workflowType, or the generic fallback.
func (r *Registry) Resolve(workflowType string) Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.variants[workflowType]; ok {
		return v
	}
	return r.fallback
}

// Types lists the registered workflow types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.variants))
	for t := range r.variants {
		out = append(out, t)
	}
	return out
}

// digestEvents converts raw events to their digest form, newest last.
func digestEvents(events []event.Event) []EventDigest {
	out := make([]EventDigest, 0, len(events))
	for _, e := range events {
		out = append(out, EventDigest{
			Seq:       e.Seq,
			Category:  e.Category,
			Timestamp: e.Timestamp,
			Text:      event.IndexableText(e.Payload),
		})
	}
	return out
}

// unmarshalChecked decodes JSON state and rejects schema mismatches by
// checking an embedded schema tag.
func unmarshalChecked(data []byte, schema string, into any) error {
	var probe struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("plugin: state not decodable: %w", err)
	}
	if probe.Schema != schema {
		return fmt.Errorf("plugin: state schema %q does not match %q", probe.Schema, schema)
	}
	return json.Unmarshal(data, into)
}
