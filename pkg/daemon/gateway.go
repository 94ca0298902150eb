package daemon

import (
	"context"
	"io"
	"time"

	"github.com/homelab-tools/dockmaster/pkg/container"
)

// ContainerState is the daemon-reported state of a container,
// normalized away from any runtime-specific shape.
type ContainerState struct {
	ID       string
	Running  bool
	ExitCode int
	Status   string
}

// Gateway is the sole component that talks to the container-runtime
// daemon. Implementations hold no mutable state, normalize every daemon
// failure into the engine's error taxonomy (unreachable, timeout,
// not_found, conflict, runtime) and bound every call with a timeout.
// No business logic lives behind this interface.
type Gateway interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec container.Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
}

// Config bounds gateway calls. Pulls get their own, longer timeout
// because image downloads dwarf every other daemon operation.
type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PullTimeout    time.Duration `yaml:"pull_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

// DefaultConfig returns the gateway timeouts used when the config file
// leaves them unset.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 15 * time.Second,
		PullTimeout:    5 * time.Minute,
		StopGrace:      10 * time.Second,
	}
}
