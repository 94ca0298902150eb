package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
)

func TestStateMachineStartsAtPending(t *testing.T) {
	sm := NewStateMachine("web", testLogger())
	assert.Equal(t, container.StatePending, sm.Current())
	assert.Empty(t, sm.History())
}

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    container.State
		to      container.State
		allowed bool
	}{
		{"pending_to_creating", container.StatePending, container.StateCreating, true},
		{"pending_to_removed", container.StatePending, container.StateRemoved, true},
		{"pending_skips_to_running", container.StatePending, container.StateRunning, false},
		{"creating_to_starting", container.StateCreating, container.StateStarting, true},
		{"creating_to_stopped", container.StateCreating, container.StateStopped, true},
		{"creating_to_failed", container.StateCreating, container.StateFailed, true},
		{"creating_skips_to_running", container.StateCreating, container.StateRunning, false},
		{"starting_to_running", container.StateStarting, container.StateRunning, true},
		{"starting_to_failed", container.StateStarting, container.StateFailed, true},
		{"starting_to_stopped", container.StateStarting, container.StateStopped, false},
		{"running_to_stopped", container.StateRunning, container.StateStopped, true},
		{"running_to_failed", container.StateRunning, container.StateFailed, true},
		{"running_to_starting", container.StateRunning, container.StateStarting, false},
		{"stopped_to_starting", container.StateStopped, container.StateStarting, true},
		{"stopped_to_running_directly", container.StateStopped, container.StateRunning, false},
		{"failed_to_starting", container.StateFailed, container.StateStarting, true},
		{"failed_to_running_directly", container.StateFailed, container.StateRunning, false},
		{"removed_is_terminal", container.StateRemoved, container.StateStarting, false},
		{"removed_stays_removed", container.StateRemoved, container.StateRemoved, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachineAt("web", tt.from, testLogger())
			assert.Equal(t, tt.allowed, sm.CanTransition(tt.to))

			err := sm.Transition(tt.to, "test", nil)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, sm.Current())
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsInternalError(err))
				assert.Equal(t, tt.from, sm.Current(), "a rejected transition must not move the state")
			}
		})
	}
}

func TestStateMachineRecordsHistory(t *testing.T) {
	sm := NewStateMachine("web", testLogger())

	require.NoError(t, sm.Transition(container.StateCreating, "create", nil))
	require.NoError(t, sm.Transition(container.StateStarting, "create", nil))
	cause := errors.NewRuntimeError("oci runtime error", nil)
	require.NoError(t, sm.Transition(container.StateFailed, "start", cause))

	history := sm.History()
	require.Len(t, history, 3)
	assert.Equal(t, container.StatePending, history[0].From)
	assert.Equal(t, container.StateCreating, history[0].To)
	assert.Equal(t, "create", history[0].Operation)
	assert.Nil(t, history[0].Error)
	assert.Equal(t, container.StateFailed, history[2].To)
	assert.Equal(t, "start", history[2].Operation)
	assert.Equal(t, cause, history[2].Error)
	assert.False(t, history[2].Timestamp.IsZero())
}

func TestStateMachineHistoryIsACopy(t *testing.T) {
	sm := NewStateMachine("web", testLogger())
	require.NoError(t, sm.Transition(container.StateCreating, "create", nil))

	history := sm.History()
	history[0].Operation = "tampered"

	assert.Equal(t, "create", sm.History()[0].Operation)
}
