package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
)

// ReconcileStartup realigns the loaded managed set with what the daemon
// actually has. Containers interrupted mid-sequence by a process
// restart are adopted at the state the daemon reports rather than
// resumed: a persisted Creating/Starting with a live daemon resource
// becomes Running or Stopped; one with no daemon resource becomes
// Failed. An unreachable daemon leaves persisted state untouched and
// the engine degraded, never crashed.
func (o *Orchestrator) ReconcileStartup(ctx context.Context) {
	o.mutex.Lock()
	entries := make([]*entry, 0, len(o.containers))
	for _, e := range o.containers {
		entries = append(entries, e)
	}
	o.mutex.Unlock()

	if len(entries) == 0 {
		return
	}
	o.logger.Infof("Reconciling %d persisted containers against the daemon", len(entries))

	for _, e := range entries {
		o.reconcileOne(ctx, e)
	}
}

func (o *Orchestrator) reconcileOne(ctx context.Context, e *entry) {
	o.mutex.Lock()
	name := e.managed.Name
	state := e.machine.Current()
	runtimeID := e.managed.RuntimeID
	o.mutex.Unlock()

	if runtimeID == "" {
		// Never reached the daemon. Anything that was mid-sequence is a
		// dead request, not a resumable one.
		switch state {
		case container.StatePending, container.StateCreating, container.StateStarting, container.StateRunning:
			o.adoptState(e, container.StateFailed,
				errors.NewInternalError("interrupted before a daemon resource was created", nil))
		}
		return
	}

	observed, err := o.gateway.InspectContainer(ctx, runtimeID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			o.adoptState(e, container.StateFailed,
				errors.NewNotFoundError("daemon resource vanished while the engine was down", nil))
			return
		}
		o.logger.Warnf("Startup reconciliation deferred, daemon not answering, container: %s, error: %v", name, err)
		return
	}

	switch {
	case observed.Running && state != container.StateRunning:
		o.adoptState(e, container.StateRunning, nil)
	case !observed.Running && state == container.StateRunning:
		o.adoptState(e, container.StateFailed,
			errors.NewRuntimeError(fmt.Sprintf("container exited while unsupervised, status: %s", observed.Status), nil))
	case !observed.Running && (state == container.StatePending || state == container.StateCreating || state == container.StateStarting):
		// Created but never (fully) started; the resource is intact, a
		// restart can pick it up.
		o.adoptState(e, container.StateStopped, nil)
	}
}

// adoptState re-seeds a container at the state observed during
// reconciliation. This bypasses the transition graph on purpose:
// recovery records reality, it does not replay a lifecycle.
func (o *Orchestrator) adoptState(e *entry, state container.State, cause error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	from := e.machine.Current()
	e.machine = NewStateMachineAt(e.managed.Name, state, o.logger)
	e.managed.State = state
	if cause != nil {
		e.managed.LastError = cause.Error()
	}

	if err := o.store.Upsert(*e.managed); err != nil {
		o.logger.Errorf("Failed to persist reconciled state, container: %s, error: %v", e.managed.Name, err)
	}
	o.logger.Infof("Startup reconciliation adopted state, container: %s, %s->%s", e.managed.Name, from, state)
}

func sortByCreation(rows []container.Managed) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
