package plugin

import (
	"encoding/json"
	"fmt"
	"sort"

	"sessiond/internal/event"
)

const triageSchema = "triage/v1"

// triageState tracks open questions. A question event opens one keyed by
// its sequence; a decision with {"resolves": <seq>} closes it. Progress
// is resolved over asked.
type triageState struct {
	Schema   string            `json:"schema"`
	LastSeq  uint64            `json:"last_seq"`
	Open     map[uint64]string `json:"open"`
	Asked    uint64            `json:"asked"`
	Resolved uint64            `json:"resolved"`
}

// Triage is the variant for question-driven workflows.
type Triage struct{}

// NewTriage returns the triage variant.
func NewTriage() *Triage { return &Triage{} }

func (*Triage) Type() string   { return "triage" }
func (*Triage) Schema() string { return triageSchema }

func (*Triage) NewState() State {
	return triageState{Schema: triageSchema, Open: map[uint64]string{}}
}

func (*Triage) Fold(s State, e event.Event) (State, error) {
	st, ok := s.(triageState)
	if !ok {
		return nil, fmt.Errorf("plugin: triage fold got %T", s)
	}
	open := make(map[uint64]string, len(st.Open))
	for k, v := range st.Open {
		open[k] = v
	}
	st.Open = open
	st.LastSeq = e.Seq

	switch e.Category {
	case event.Question:
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("plugin: triage question payload: %w", err)
		}
		st.Open[e.Seq] = p.Text
		st.Asked++
	case event.Decision:
		var p struct {
			Resolves uint64 `json:"resolves"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("plugin: triage decision payload: %w", err)
		}
		if p.Resolves != 0 {
			if _, exists := st.Open[p.Resolves]; exists {
				delete(st.Open, p.Resolves)
				st.Resolved++
			}
		}
	}
	return st, nil
}

// Progress is resolved over asked, and 1.0 when nothing was ever asked.
func (*Triage) Progress(s State) float64 {
	st, ok := s.(triageState)
	if !ok {
		return 0
	}
	if st.Asked == 0 {
		return 1
	}
	return float64(st.Resolved) / float64(st.Asked)
}

func (v *Triage) ResumeContext(s State, recent []event.Event) (Context, error) {
	st, ok := s.(triageState)
	if !ok {
		return Context{}, fmt.Errorf("plugin: triage resume got %T", s)
	}
	seqs := make([]uint64, 0, len(st.Open))
	for seq := range st.Open {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	open := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		open = append(open, st.Open[seq])
	}
	return Context{
		LastSeq:  st.LastSeq,
		Progress: v.Progress(s),
		Summary:  fmt.Sprintf("%d/%d questions resolved, %d open", st.Resolved, st.Asked, len(open)),
		Open:     open,
		Recent:   digestEvents(recent),
	}, nil
}

func (*Triage) MarshalState(s State) ([]byte, error) {
	st, ok := s.(triageState)
	if !ok {
		return nil, fmt.Errorf("plugin: triage marshal got %T", s)
	}
	return json.Marshal(st)
}

func (*Triage) UnmarshalState(data []byte) (State, error) {
	var st triageState
	if err := unmarshalChecked(data, triageSchema, &st); err != nil {
		return nil, err
	}
	if st.Open == nil {
		st.Open = map[uint64]string{}
	}
	return st, nil
}
