package plugin

import (
	"encoding/json"
	"fmt"

	"sessiond/internal/event"
)

const genericSchema = "generic/v1"

// genericState counts events per category. It is the degraded-mode state
// for unregistered workflow types: raw replay only, no derived progress.
type genericState struct {
	Schema     string            `json:"schema"`
	LastSeq    uint64            `json:"last_seq"`
	EventCount uint64            `json:"event_count"`
	ByCategory map[string]uint64 `json:"by_category"`
}

// Generic is the fallback variant for unregistered workflow types.
type Generic struct{}

// NewGeneric returns the generic variant.
func NewGeneric() *Generic { return &Generic{} }

func (*Generic) Type() string   { return "generic" }
func (*Generic) Schema() string { return genericSchema }

func (*Generic) NewState() State {
	return genericState{Schema: genericSchema, ByCategory: map[string]uint64{}}
}

func (*Generic) Fold(s State, e event.Event) (State, error) {
	st, ok := s.(genericState)
	if !ok {
		return nil, fmt.Errorf("plugin: generic fold got %T", s)
	}
	// Copy the map so folds never alias prior states.
	by := make(map[string]uint64, len(st.ByCategory))
	for k, v := range st.ByCategory {
		by[k] = v
	}
	by[string(e.Category)]++
	st.ByCategory = by
	st.EventCount++
	st.LastSeq = e.Seq
	return st, nil
}

// Progress is always zero: the generic variant has no notion of done.
func (*Generic) Progress(State) float64 { return 0 }

func (*Generic) ResumeContext(s State, recent []event.Event) (Context, error) {
	st, ok := s.(genericState)
	if !ok {
		return Context{}, fmt.Errorf("plugin: generic resume got %T", s)
	}
	return Context{
		LastSeq:  st.LastSeq,
		Progress: 0,
		Summary:  fmt.Sprintf("%d events recorded (no workflow-specific state)", st.EventCount),
		Recent:   digestEvents(recent),
	}, nil
}

func (*Generic) MarshalState(s State) ([]byte, error) {
	st, ok := s.(genericState)
	if !ok {
		return nil, fmt.Errorf("plugin: generic marshal got %T", s)
	}
	return json.Marshal(st)
}

func (*Generic) UnmarshalState(data []byte) (State, error) {
	var st genericState
	if err := unmarshalChecked(data, genericSchema, &st); err != nil {
		return nil, err
	}
	if st.ByCategory == nil {
		st.ByCategory = map[string]uint64{}
	}
	return st, nil
}
