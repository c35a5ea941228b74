package sync

import (
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// State is the phase of one table's sync run.
type State string

const (
	StateIdle              State = "Idle"
	StateMappingReady      State = "MappingReady"
	StateExtracting        State = "Extracting"
	StateDenormalizing     State = "Denormalizing"
	StateWriting           State = "Writing"
	StateWatermarkAdvanced State = "WatermarkAdvanced"
	StateFailed            State = "Failed"
)

// transitions lists the legal next states of each state. Failed is terminal
// for a run; the next run starts again from Idle.
var transitions = map[State][]State{
	StateIdle:              {StateMappingReady, StateFailed},
	StateMappingReady:      {StateExtracting, StateFailed},
	StateExtracting:        {StateDenormalizing, StateIdle, StateFailed},
	StateDenormalizing:     {StateWriting, StateFailed},
	StateWriting:           {StateWatermarkAdvanced, StateFailed},
	StateWatermarkAdvanced: {StateExtracting, StateFailed},
	StateFailed:            nil,
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the state of one run and reports every change.
type machine struct {
	table    string
	state    State
	onChange func(State)
}

func newMachine(table string, onChange func(State)) *machine {
	m := &machine{table: table, state: StateIdle, onChange: onChange}
	if onChange != nil {
		onChange(StateIdle)
	}
	return m
}

// to moves the run to next or returns an internal error.
func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return errors.Newf(errors.ErrorTypeInternal, "illegal transition %s -> %s", m.state, next).
			WithDetail("table", m.table)
	}
	m.state = next
	if m.onChange != nil {
		m.onChange(next)
	}
	return nil
}

// fail moves the run to Failed from any non-terminal state.
func (m *machine) fail() {
	if m.state == StateFailed {
		return
	}
	m.state = StateFailed
	if m.onChange != nil {
		m.onChange(StateFailed)
	}
}
