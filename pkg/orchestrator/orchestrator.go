package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/homelab-tools/dockmaster/pkg/admission"
	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/daemon"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/hardware"
	"github.com/homelab-tools/dockmaster/pkg/logging"
	"github.com/homelab-tools/dockmaster/pkg/monitoring"
	"github.com/homelab-tools/dockmaster/pkg/store"
)

// entry pairs the persisted container data with its state machine.
type entry struct {
	managed *container.Managed
	machine *StateMachine
}

// Orchestrator owns the managed set and the authoritative state machine
// per container. All reads and writes of the set go through one mutex;
// daemon calls always execute outside it so a slow daemon never blocks
// admission decisions or health bookkeeping.
type Orchestrator struct {
	profile    hardware.Profile
	gateway    daemon.Gateway
	store      store.Store
	containers map[string]*entry
	mutex      sync.Mutex
	logger     logging.Logger
}

// New builds an orchestrator and loads the persisted managed set.
// Call ReconcileStartup afterwards to realign loaded state with the
// daemon before serving requests.
func New(profile hardware.Profile, gateway daemon.Gateway, st store.Store, logger logging.Logger) (*Orchestrator, error) {
	rows, err := st.List()
	if err != nil {
		return nil, errors.NewInternalError("failed to load managed set", err)
	}

	o := &Orchestrator{
		profile:    profile,
		gateway:    gateway,
		store:      st,
		containers: make(map[string]*entry, len(rows)),
		logger:     logger,
	}

	for i := range rows {
		row := rows[i]
		o.containers[row.Name] = &entry{
			managed: &row,
			machine: NewStateMachineAt(row.Name, row.State, logger),
		}
	}

	return o, nil
}

// Profile returns the active hardware profile.
func (o *Orchestrator) Profile() hardware.Profile {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.profile
}

// SetProfile swaps in a freshly detected profile. Existing containers
// are never evicted by a shrink; the new limit only gates admissions.
func (o *Orchestrator) SetProfile(profile hardware.Profile) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.profile = profile
	o.logger.Infof("Hardware profile updated, name: %s, max_containers: %d", profile.Name, profile.MaxContainers)
}

// CreateContainer validates and admits the request, persists it as
// Pending, then drives the daemon sequence Creating -> Starting ->
// Running (or Creating -> Stopped without auto-start). A failed step
// records Failed with the captured error and stops the sequence; a
// partially created daemon resource is not rolled back, its runtime ID
// stays recorded so a later stop/remove can clean it up.
func (o *Orchestrator) CreateContainer(ctx context.Context, spec container.Spec) (container.Managed, error) {
	if ctx == nil {
		return container.Managed{}, errors.NewValidationError("context cannot be nil", nil)
	}

	// Admission must be evaluated under the set lock or two concurrent
	// requests could both pass a stale capacity check.
	o.mutex.Lock()
	if err := admission.Admit(spec, o.profile, o.snapshotLocked()); err != nil {
		o.mutex.Unlock()
		return container.Managed{}, err
	}

	now := time.Now()
	managed := &container.Managed{
		Spec:           spec,
		State:          container.StatePending,
		CreatedAt:      now,
		LastTransition: now,
		Observed:       container.ObservedStatus{State: "unknown"},
	}
	e := &entry{managed: managed, machine: NewStateMachine(spec.Name, o.logger)}
	o.containers[spec.Name] = e

	if err := o.store.Upsert(*managed); err != nil {
		delete(o.containers, spec.Name)
		o.mutex.Unlock()
		return container.Managed{}, errors.NewInternalError("failed to persist admitted container", err).WithContext("container", spec.Name)
	}
	o.mutex.Unlock()

	o.logger.Infof("Container admitted, name: %s, image: %s, auto_start: %t", spec.Name, spec.Image, spec.AutoStart)
	return o.runCreateSequence(ctx, e)
}

func (o *Orchestrator) runCreateSequence(ctx context.Context, e *entry) (container.Managed, error) {
	spec := e.managed.Spec

	if err := o.transition(e, container.StateCreating, "create", nil); err != nil {
		return o.copyOf(e), err
	}

	if spec.PullIfMissing {
		exists, err := o.gateway.ImageExists(ctx, spec.Image)
		if err != nil {
			return o.failSequence(e, "create", err)
		}
		if !exists {
			if err := o.gateway.PullImage(ctx, spec.Image); err != nil {
				return o.failSequence(e, "create", err)
			}
		}
	}

	id, err := o.gateway.CreateContainer(ctx, spec)
	if err != nil {
		return o.failSequence(e, "create", err)
	}
	if !o.setRuntimeID(e, id) {
		// Removed while the create call was in flight; the fresh daemon
		// resource belongs to nobody, clean it up.
		if err := o.gateway.RemoveContainer(ctx, id); err != nil && !errors.IsNotFoundError(err) {
			o.logger.Warnf("Failed to clean up orphaned daemon resource, container: %s, runtime_id: %s, error: %v",
				spec.Name, id, err)
		}
		return container.Managed{}, errors.NewNotFoundError("container was removed during creation", nil).
			WithContext("container", spec.Name)
	}

	if !spec.AutoStart {
		if err := o.transition(e, container.StateStopped, "create", nil); err != nil {
			return o.copyOf(e), err
		}
		return o.copyOf(e), nil
	}

	if err := o.transition(e, container.StateStarting, "create", nil); err != nil {
		return o.copyOf(e), err
	}

	if err := o.gateway.StartContainer(ctx, id); err != nil {
		return o.failSequence(e, "start", err)
	}

	if err := o.transition(e, container.StateRunning, "start", nil); err != nil {
		return o.copyOf(e), err
	}

	o.logger.Infof("Container running, name: %s, runtime_id: %s", spec.Name, id)
	return o.copyOf(e), nil
}

// StopContainer stops a running container. A container already in
// Stopped is success (the desired outcome holds); a daemon NotFound is
// treated the same way. Any other daemon failure leaves the container
// Running and is surfaced, never silently retried here.
func (o *Orchestrator) StopContainer(ctx context.Context, name string) error {
	e, exists := o.getEntry(name)
	if !exists {
		return errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}

	o.mutex.Lock()
	state := e.machine.Current()
	runtimeID := e.managed.RuntimeID
	o.mutex.Unlock()

	if state == container.StateStopped {
		return nil
	}
	if state != container.StateRunning {
		return errors.NewValidationError(
			fmt.Sprintf("stop is only legal from running, current state: %s", state), nil,
		).WithContext("container", name)
	}

	if err := o.gateway.StopContainer(ctx, runtimeID); err != nil && !errors.IsNotFoundError(err) {
		return err
	}

	return o.transition(e, container.StateStopped, "stop", nil)
}

// RestartContainer drives a Stopped or Failed container (that still has
// a daemon resource) back to Running. Only the capacity gate is
// re-evaluated: the container already owns its name and ports.
func (o *Orchestrator) RestartContainer(ctx context.Context, name string) (container.Managed, error) {
	e, exists := o.getEntry(name)
	if !exists {
		return container.Managed{}, errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}

	o.mutex.Lock()
	state := e.machine.Current()
	runtimeID := e.managed.RuntimeID
	if state != container.StateStopped && state != container.StateFailed {
		o.mutex.Unlock()
		return container.Managed{}, errors.NewValidationError(
			fmt.Sprintf("restart is only legal from stopped or failed, current state: %s", state), nil,
		).WithContext("container", name)
	}
	if runtimeID == "" {
		o.mutex.Unlock()
		return container.Managed{}, errors.NewValidationError(
			"container has no daemon resource to restart", nil,
		).WithContext("container", name)
	}
	active := 0
	for _, other := range o.containers {
		if other.machine.Current().Active() {
			active++
		}
	}
	if active >= o.profile.MaxContainers {
		limit := o.profile.MaxContainers
		o.mutex.Unlock()
		return container.Managed{}, errors.NewAdmissionError(
			fmt.Sprintf("active container count %d has reached the profile limit of %d", active, limit), nil,
		).WithContext("reason", admission.ReasonCapacityExceeded)
	}
	if err := o.transitionLocked(e, container.StateStarting, "restart", nil); err != nil {
		o.mutex.Unlock()
		return container.Managed{}, err
	}
	o.mutex.Unlock()

	if err := o.gateway.StartContainer(ctx, runtimeID); err != nil {
		return o.failSequence(e, "restart", err)
	}

	if err := o.transition(e, container.StateRunning, "restart", nil); err != nil {
		return o.copyOf(e), err
	}
	return o.copyOf(e), nil
}

// RemoveContainer tears a container down from any non-removed state:
// stop if running (daemon NotFound counts as stopped), remove the
// daemon resource (NotFound counts as removed), then delete the entity.
// Removed is momentary; the row is gone once this returns.
func (o *Orchestrator) RemoveContainer(ctx context.Context, name string) error {
	e, exists := o.getEntry(name)
	if !exists {
		return errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}

	o.mutex.Lock()
	state := e.machine.Current()
	runtimeID := e.managed.RuntimeID
	o.mutex.Unlock()

	// A Failed container can still be running at the daemon (health
	// divergence is a verdict, not a kill), so stop whenever a daemon
	// resource exists and is not already known stopped.
	if runtimeID != "" && state != container.StateStopped {
		if err := o.gateway.StopContainer(ctx, runtimeID); err != nil && !errors.IsNotFoundError(err) {
			return err
		}
	}

	if runtimeID != "" {
		if err := o.gateway.RemoveContainer(ctx, runtimeID); err != nil && !errors.IsNotFoundError(err) {
			return err
		}
	}

	o.mutex.Lock()
	if err := e.machine.Transition(container.StateRemoved, "remove", nil); err != nil {
		o.logger.Errorf("Failed to record removal transition, container: %s, error: %v", name, err)
	}
	delete(o.containers, name)
	o.mutex.Unlock()

	if err := o.store.Delete(name); err != nil {
		return errors.NewInternalError("failed to delete persisted container", err).WithContext("container", name)
	}

	o.logger.Infof("Container removed, name: %s", name)
	return nil
}

// ListManaged returns a snapshot of the managed set ordered by creation
// time ascending.
func (o *Orchestrator) ListManaged() []container.Managed {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.snapshotLocked()
}

// GetContainer returns a snapshot of one managed container.
func (o *Orchestrator) GetContainer(name string) (container.Managed, error) {
	e, exists := o.getEntry(name)
	if !exists {
		return container.Managed{}, errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}
	return o.copyOf(e), nil
}

// TransitionHistory returns the recorded lifecycle transitions of a
// managed container, oldest first.
func (o *Orchestrator) TransitionHistory(name string) ([]Transition, error) {
	e, exists := o.getEntry(name)
	if !exists {
		return nil, errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return e.machine.History(), nil
}

// ContainerLogs streams daemon logs for a managed container.
func (o *Orchestrator) ContainerLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	e, exists := o.getEntry(name)
	if !exists {
		return nil, errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}

	o.mutex.Lock()
	runtimeID := e.managed.RuntimeID
	o.mutex.Unlock()

	if runtimeID == "" {
		return nil, errors.NewValidationError("container has no daemon resource yet", nil).WithContext("container", name)
	}
	return o.gateway.ContainerLogs(ctx, runtimeID)
}

// ContainerHealth is the per-container slice of the aggregate report.
type ContainerHealth struct {
	Name     string                   `json:"name"`
	State    container.State          `json:"lifecycle_state"`
	Observed container.ObservedStatus `json:"observed"`
}

// HealthReport aggregates daemon reachability and per-container
// observed status.
type HealthReport struct {
	Overall         string            `json:"overall"` // ok, degraded
	DaemonReachable bool              `json:"daemon_reachable"`
	Containers      []ContainerHealth `json:"containers"`
}

// Health reports the engine's aggregate status. A daemon outage
// degrades the report; it never fails it.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	reachable := o.gateway.Ping(ctx) == nil

	o.mutex.Lock()
	report := HealthReport{DaemonReachable: reachable}
	anyFailed := false
	for _, row := range o.snapshotLocked() {
		if row.State == container.StateFailed {
			anyFailed = true
		}
		report.Containers = append(report.Containers, ContainerHealth{
			Name:     row.Name,
			State:    row.State,
			Observed: row.Observed,
		})
	}
	o.mutex.Unlock()

	report.Overall = "ok"
	if !reachable || anyFailed {
		report.Overall = "degraded"
	}
	return report
}

// RunningTargets lists containers the health monitor should probe.
func (o *Orchestrator) RunningTargets() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	var names []string
	for name, e := range o.containers {
		if e.machine.Current() == container.StateRunning {
			names = append(names, name)
		}
	}
	return names
}

// CheckRunning probes one container against the daemon. Healthy means
// the daemon reports it running.
func (o *Orchestrator) CheckRunning(ctx context.Context, name string) error {
	e, exists := o.getEntry(name)
	if !exists {
		return errors.NewNotFoundError("container not found", nil).WithContext("container", name)
	}

	o.mutex.Lock()
	runtimeID := e.managed.RuntimeID
	o.mutex.Unlock()

	state, err := o.gateway.InspectContainer(ctx, runtimeID)
	if err != nil {
		return err
	}
	if !state.Running {
		return errors.NewRuntimeError(
			fmt.Sprintf("container is not running, status: %s", state.Status), nil,
		).WithContext("container", name)
	}
	return nil
}

// ObserveHealth records the outcome of one health check. Only observed
// fields are touched; desired fields stay owned by lifecycle
// operations.
func (o *Orchestrator) ObserveHealth(name string, consecutiveFailures int, checkErr error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	e, exists := o.containers[name]
	if !exists {
		return
	}

	observed := &e.managed.Observed
	observed.LastChecked = time.Now()
	observed.ConsecutiveFailures = consecutiveFailures

	switch {
	case checkErr == nil:
		observed.State = "running"
		observed.LastError = ""
	case errors.IsNotFoundError(checkErr), errors.IsRuntimeError(checkErr):
		// The daemon answered: the container is gone or not running.
		observed.State = "exited"
		observed.LastError = checkErr.Error()
	default:
		observed.State = "unknown"
		observed.LastError = checkErr.Error()
	}
}

// HandleHealthEvent reacts to a threshold crossing from the monitor by
// marking the container Failed. Remediation stops there on purpose:
// auto-restart policy can be layered on later without touching
// detection.
func (o *Orchestrator) HandleHealthEvent(event monitoring.Event) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	e, exists := o.containers[event.Target]
	if !exists || e.machine.Current() != container.StateRunning {
		return
	}

	cause := errors.NewRuntimeError(
		fmt.Sprintf("health checks failed %d consecutive times: %s", event.ConsecutiveFailures, event.LastError), nil)
	if err := o.transitionLocked(e, container.StateFailed, "health", cause); err != nil {
		o.logger.Errorf("Failed to mark container failed, container: %s, error: %v", event.Target, err)
		return
	}
	o.logger.Warnf("Container marked failed by health monitor, container: %s, failures: %d",
		event.Target, event.ConsecutiveFailures)
}

// ConsumeEvents drains the monitor's reconciliation feed until the
// channel closes.
func (o *Orchestrator) ConsumeEvents(events <-chan monitoring.Event) {
	for event := range events {
		o.HandleHealthEvent(event)
	}
}

// --- internals ---

func (o *Orchestrator) getEntry(name string) (*entry, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	e, exists := o.containers[name]
	return e, exists
}

// snapshotLocked copies the managed set, ordered by creation time
// ascending. Caller holds the mutex.
func (o *Orchestrator) snapshotLocked() []container.Managed {
	rows := make([]container.Managed, 0, len(o.containers))
	for _, e := range o.containers {
		rows = append(rows, o.copyLocked(e))
	}
	sortByCreation(rows)
	return rows
}

func (o *Orchestrator) copyOf(e *entry) container.Managed {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.copyLocked(e)
}

func (o *Orchestrator) copyLocked(e *entry) container.Managed {
	row := *e.managed
	row.Ports = append([]container.PortMapping(nil), e.managed.Ports...)
	return row
}

// transition moves a container to a new state and persists the result.
func (o *Orchestrator) transition(e *entry, to container.State, operation string, cause error) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.transitionLocked(e, to, operation, cause)
}

func (o *Orchestrator) transitionLocked(e *entry, to container.State, operation string, cause error) error {
	// A concurrent remove may have won while the caller was in a daemon
	// call; persisting now would resurrect the deleted row.
	if !o.liveLocked(e) {
		return errors.NewNotFoundError("container was removed", nil).WithContext("container", e.managed.Name)
	}

	if err := e.machine.Transition(to, operation, cause); err != nil {
		return err
	}

	e.managed.State = to
	e.managed.LastTransition = time.Now()
	if cause != nil {
		e.managed.LastError = cause.Error()
	}

	if err := o.store.Upsert(*e.managed); err != nil {
		// State already changed in memory; losing one persisted step is
		// recoverable through startup reconciliation.
		o.logger.Errorf("Failed to persist container state, container: %s, state: %s, error: %v",
			e.managed.Name, to, err)
	}
	return nil
}

// failSequence records a failed lifecycle step and surfaces the daemon
// error unchanged.
func (o *Orchestrator) failSequence(e *entry, operation string, cause error) (container.Managed, error) {
	if err := o.transition(e, container.StateFailed, operation, cause); err != nil {
		o.logger.Errorf("Failed to record failure transition, container: %s, error: %v", e.managed.Name, err)
	}
	return o.copyOf(e), cause
}

// setRuntimeID records the daemon-assigned ID. Returns false when the
// entry was removed while the create call was running, in which case
// nothing is persisted.
func (o *Orchestrator) setRuntimeID(e *entry, id string) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	e.managed.RuntimeID = id
	if !o.liveLocked(e) {
		return false
	}
	if err := o.store.Upsert(*e.managed); err != nil {
		o.logger.Errorf("Failed to persist runtime ID, container: %s, error: %v", e.managed.Name, err)
	}
	return true
}

// liveLocked reports whether e is still the entry the managed set knows
// under its name. Caller holds the mutex.
func (o *Orchestrator) liveLocked(e *entry) bool {
	current, exists := o.containers[e.managed.Name]
	return exists && current == e
}
