package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateMappingReady, true},
		{StateMappingReady, StateExtracting, true},
		{StateExtracting, StateDenormalizing, true},
		{StateExtracting, StateIdle, true},
		{StateDenormalizing, StateWriting, true},
		{StateWriting, StateWatermarkAdvanced, true},
		{StateWatermarkAdvanced, StateExtracting, true},
		{StateWriting, StateFailed, true},
		{StateIdle, StateWriting, false},
		{StateExtracting, StateWriting, false},
		{StateWriting, StateExtracting, false},
		{StateWatermarkAdvanced, StateIdle, false},
		{StateFailed, StateIdle, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestMachine(t *testing.T) {
	var seen []State
	m := newMachine("Ticket", func(s State) { seen = append(seen, s) })

	require.NoError(t, m.to(StateMappingReady))
	err := m.to(StateWriting)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	assert.Equal(t, StateMappingReady, m.state, "an illegal transition leaves the state alone")

	m.fail()
	m.fail()
	assert.Equal(t, []State{StateIdle, StateMappingReady, StateFailed}, seen)
}
