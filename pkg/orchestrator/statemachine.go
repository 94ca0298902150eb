package orchestrator

import (
	"fmt"
	"time"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/logging"
)

// Transition records one lifecycle state change with metadata.
type Transition struct {
	From      container.State
	To        container.State
	Operation string
	Timestamp time.Time
	Error     error
}

// validTransitions encodes the lifecycle graph. The creation sequence
// never skips a state; Removed is reachable from every non-initial
// state and is terminal.
var validTransitions = map[container.State][]container.State{
	container.StatePending: {
		container.StateCreating,
		container.StateRemoved,
	},
	container.StateCreating: {
		container.StateStarting, // create success, auto-start
		container.StateStopped,  // create success, no auto-start
		container.StateFailed,   // create failure
		container.StateRemoved,
	},
	container.StateStarting: {
		container.StateRunning, // start success
		container.StateFailed,  // start failure
		container.StateRemoved,
	},
	container.StateRunning: {
		container.StateStopped, // explicit stop
		container.StateFailed,  // health divergence
		container.StateRemoved,
	},
	container.StateStopped: {
		container.StateStarting, // restart
		container.StateRemoved,
	},
	container.StateFailed: {
		container.StateStarting, // restart after failure
		container.StateRemoved,
	},
	container.StateRemoved: {},
}

// StateMachine guards lifecycle transitions for a single managed
// container and keeps the transition history. Not safe for concurrent
// use on its own; the orchestrator serializes access through the
// managed-set lock.
type StateMachine struct {
	name        string
	current     container.State
	transitions []Transition
	logger      logging.Logger
}

// NewStateMachine starts a container lifecycle at Pending.
func NewStateMachine(name string, logger logging.Logger) *StateMachine {
	return NewStateMachineAt(name, container.StatePending, logger)
}

// NewStateMachineAt resumes a lifecycle at a persisted state, used when
// reloading the managed set after a restart.
func NewStateMachineAt(name string, state container.State, logger logging.Logger) *StateMachine {
	return &StateMachine{
		name:    name,
		current: state,
		logger:  logger,
	}
}

// Current returns the current lifecycle state.
func (sm *StateMachine) Current() container.State {
	return sm.current
}

// CanTransition checks if a state transition is valid
func (sm *StateMachine) CanTransition(to container.State) bool {
	for _, valid := range validTransitions[sm.current] {
		if valid == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state, recording the operation that drove
// it and the error that forced it, if any.
func (sm *StateMachine) Transition(to container.State, operation string, cause error) error {
	from := sm.current

	if !sm.CanTransition(to) {
		return errors.NewInternalError(
			fmt.Sprintf("invalid state transition from %s to %s for operation %s", from, to, operation),
			nil,
		).WithContext("container", sm.name).WithContext("current_state", string(from)).WithContext("target_state", string(to))
	}

	sm.transitions = append(sm.transitions, Transition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     cause,
	})
	sm.current = to

	if cause != nil {
		sm.logger.Warnf("Container state transition, container: %s, %s->%s, operation: %s, error: %v",
			sm.name, from, to, operation, cause)
	} else {
		sm.logger.Infof("Container state transition, container: %s, %s->%s, operation: %s",
			sm.name, from, to, operation)
	}

	return nil
}

// History returns a copy of the complete transition history.
func (sm *StateMachine) History() []Transition {
	history := make([]Transition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}
