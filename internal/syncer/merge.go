package syncer

import (
	"sessiond/internal/event"
)

// eventKey identifies an event independent of its local sequence number:
// two replicas assign their own sequences, so identity is content-based.
type eventKey struct {
	Category event.Category
	Checksum uint32
	TSNanos  int64
}

func keyOf(e event.Event) eventKey {
	return eventKey{Category: e.Category, Checksum: e.Checksum, TSNanos: e.Timestamp.UnixNano()}
}

// remoteSuffix returns the remote events not already present locally, in
// remote order. Local order is never disturbed, so merging local-then-
// remote and remote-then-local produce the same final order as long as
// no new local writes land in between: the function is stable and
// idempotent over its own output.
func remoteSuffix(local, remote []event.Event) []event.Event {
	seen := make(map[eventKey]struct{}, len(local))
	for _, e := range local {
		seen[keyOf(e)] = struct{}{}
	}
	var suffix []event.Event
	for _, e := range remote {
		if _, ok := seen[keyOf(e)]; ok {
			continue
		}
		suffix = append(suffix, e)
	}
	return suffix
}

// MergeOrder computes the full merged event order: local events first in
// local order, then remote-only events in remote order. Exposed for the
// engine's refold path and for conflict-resolution tests.
func MergeOrder(local, remote []event.Event) []event.Event {
	out := make([]event.Event, 0, len(local)+len(remote))
	out = append(out, local...)
	out = append(out, remoteSuffix(local, remote)...)
	return out
}
