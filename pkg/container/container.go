package container

import (
	"fmt"
	"time"
)

// Protocol is the transport protocol of a port mapping.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// PortMapping binds a host port to a container port. Host ports are
// unique across the whole managed set.
type PortMapping struct {
	HostPort      uint16   `json:"host_port" yaml:"host_port"`
	ContainerPort uint16   `json:"container_port" yaml:"container_port"`
	Protocol      Protocol `json:"protocol" yaml:"protocol"`
}

func (p PortMapping) String() string {
	return fmt.Sprintf("%d->%d/%s", p.HostPort, p.ContainerPort, p.Protocol)
}

// Spec is the desired shape of a managed container as requested by an
// operator. It never changes after admission.
type Spec struct {
	Name          string        `json:"name" yaml:"name"`
	Image         string        `json:"image" yaml:"image"`
	Environment   string        `json:"environment,omitempty" yaml:"environment,omitempty"`
	Ports         []PortMapping `json:"ports,omitempty" yaml:"ports,omitempty"`
	AutoStart     bool          `json:"auto_start" yaml:"auto_start"`
	PullIfMissing bool          `json:"pull_if_missing" yaml:"pull_if_missing"`
}

// State is the lifecycle state of a managed container.
type State string

const (
	// StatePending means the request passed admission but no daemon
	// call has been made yet.
	StatePending State = "pending"

	// StateCreating means the daemon create sequence is in progress.
	StateCreating State = "creating"

	// StateStarting means the container was created and start is in
	// progress.
	StateStarting State = "starting"

	// StateRunning means the container is running normally.
	StateRunning State = "running"

	// StateStopped means the container stopped cleanly or was created
	// without auto-start.
	StateStopped State = "stopped"

	// StateFailed means a create/start step failed or health monitoring
	// declared the container dead.
	StateFailed State = "failed"

	// StateRemoved is terminal; the entity is deleted from the managed
	// set immediately after reaching it.
	StateRemoved State = "removed"
)

// Active reports whether the state counts against the hardware
// profile's container capacity.
func (s State) Active() bool {
	switch s {
	case StatePending, StateCreating, StateStarting, StateRunning:
		return true
	default:
		return false
	}
}

// ObservedStatus is what health monitoring last saw for a container.
// Only the health monitor writes these fields; desired fields are owned
// by the orchestrator.
type ObservedStatus struct {
	State               string    `json:"state" yaml:"state"` // running, exited, unknown
	LastChecked         time.Time `json:"last_checked,omitempty" yaml:"last_checked,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Managed is a container this engine is responsible for.
type Managed struct {
	Spec `yaml:",inline"`

	// RuntimeID is the daemon-assigned identifier, present only after a
	// successful create call.
	RuntimeID string `json:"runtime_id,omitempty" yaml:"runtime_id,omitempty"`

	State          State          `json:"lifecycle_state" yaml:"lifecycle_state"`
	LastError      string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	LastTransition time.Time      `json:"last_transition" yaml:"last_transition"`
	Observed       ObservedStatus `json:"observed" yaml:"observed"`
}
