package plugin

import (
	"encoding/json"
	"fmt"
	"strings"

	"sessiond/internal/event"
)

const phasedSchema = "phased/v1"

// phasedState tracks an ordered plan of phases. A decision with subject
// "plan" declares the phases; record events with {"phase": ..., "status":
// "completed"} mark them done. Progress is phases completed over total.
type phasedState struct {
	Schema    string          `json:"schema"`
	LastSeq   uint64          `json:"last_seq"`
	Phases    []string        `json:"phases"`
	Completed map[string]bool `json:"completed"`
	Current   string          `json:"current,omitempty"`
}

// Phased is the variant for plan-driven workflows.
type Phased struct{}

// NewPhased returns the phased variant.
func NewPhased() *Phased { return &Phased{} }

func (*Phased) Type() string   { return "phased" }
func (*Phased) Schema() string { return phasedSchema }

func (*Phased) NewState() State {
	return phasedState{Schema: phasedSchema, Completed: map[string]bool{}}
}

func (*Phased) Fold(s State, e event.Event) (State, error) {
	st, ok := s.(phasedState)
	if !ok {
		return nil, fmt.Errorf("plugin: phased fold got %T", s)
	}
	comp := make(map[string]bool, len(st.Completed))
	for k, v := range st.Completed {
		comp[k] = v
	}
	st.Completed = comp
	st.LastSeq = e.Seq

	switch e.Category {
	case event.Decision:
		var p struct {
			Subject string   `json:"subject"`
			Phases  []string `json:"phases"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("plugin: phased decision payload: %w", err)
		}
		if strings.EqualFold(p.Subject, "plan") && len(p.Phases) > 0 {
			st.Phases = append([]string(nil), p.Phases...)
			st.Current = firstIncomplete(st.Phases, st.Completed)
		}
	case event.Record:
		var p struct {
			Phase  string `json:"phase"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("plugin: phased record payload: %w", err)
		}
		switch p.Status {
		case "started":
			if p.Phase != "" {
				st.Current = p.Phase
			}
		case "completed":
			if p.Phase != "" {
				st.Completed[p.Phase] = true
				st.Current = firstIncomplete(st.Phases, st.Completed)
			}
		}
	}
	return st, nil
}

func firstIncomplete(phases []string, completed map[string]bool) string {
	for _, p := range phases {
		if !completed[p] {
			return p
		}
	}
	return ""
}

// Progress is phases completed over phases planned, zero before a plan
// exists.
func (*Phased) Progress(s State) float64 {
	st, ok := s.(phasedState)
	if !ok || len(st.Phases) == 0 {
		return 0
	}
	var done int
	for _, p := range st.Phases {
		if st.Completed[p] {
			done++
		}
	}
	return float64(done) / float64(len(st.Phases))
}

func (v *Phased) ResumeContext(s State, recent []event.Event) (Context, error) {
	st, ok := s.(phasedState)
	if !ok {
		return Context{}, fmt.Errorf("plugin: phased resume got %T", s)
	}
	var open []string
	for _, p := range st.Phases {
		if !st.Completed[p] {
			open = append(open, p)
		}
	}
	summary := "no plan declared yet"
	if len(st.Phases) > 0 {
		summary = fmt.Sprintf("%d/%d phases complete", len(st.Phases)-len(open), len(st.Phases))
		if st.Current != "" {
			summary += fmt.Sprintf(", current: %s", st.Current)
		}
	}
	return Context{
		LastSeq:  st.LastSeq,
		Progress: v.Progress(s),
		Summary:  summary,
		Open:     open,
		Recent:   digestEvents(recent),
	}, nil
}

func (*Phased) MarshalState(s State) ([]byte, error) {
	st, ok := s.(phasedState)
	if !ok {
		return nil, fmt.Errorf("plugin: phased marshal got %T", s)
	}
	return json.Marshal(st)
}

func (*Phased) UnmarshalState(data []byte) (State, error) {
	var st phasedState
	if err := unmarshalChecked(data, phasedSchema, &st); err != nil {
		return nil, err
	}
	if st.Completed == nil {
		st.Completed = map[string]bool{}
	}
	return st, nil
}
