package daemon

import (
	"context"
	stderrors "errors"
	"io"
	"strconv"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/logging"
)

// managedByLabel marks containers created by this engine so they can be
// told apart from containers the operator started by hand.
const managedByLabel = "io.homelab-tools.dockmaster.managed"

// DockerGateway implements Gateway against a local Docker daemon.
type DockerGateway struct {
	cli    *client.Client
	config Config
	logger logging.Logger
}

// NewDockerGateway connects to the daemon using the standard Docker
// environment (DOCKER_HOST etc.) with API version negotiation.
func NewDockerGateway(config Config, logger logging.Logger) (*DockerGateway, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.NewInternalError("failed to create docker client", err)
	}
	return &DockerGateway{cli: cli, config: config, logger: logger}, nil
}

func (g *DockerGateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	if _, err := g.cli.Ping(ctx); err != nil {
		return g.normalize("ping", err)
	}
	return nil
}

func (g *DockerGateway) ImageExists(ctx context.Context, image string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	_, _, err := g.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, g.normalize("image inspect", err)
}

func (g *DockerGateway) PullImage(ctx context.Context, image string) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.PullTimeout)
	defer cancel()

	g.logger.Infof("Pulling image, ref: %s", image)

	reader, err := g.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return g.normalize("image pull", err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return g.normalize("image pull", err)
	}
	return nil
}

func (g *DockerGateway) CreateContainer(ctx context.Context, spec container.Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return "", errors.NewValidationError("invalid port mapping", err)
	}

	config := &containertypes.Config{
		Image:        spec.Image,
		ExposedPorts: exposed,
		Labels: map[string]string{
			managedByLabel: "true",
			"io.homelab-tools.dockmaster.environment": spec.Environment,
		},
	}
	hostConfig := &containertypes.HostConfig{
		PortBindings: bindings,
	}

	resp, err := g.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", g.normalize("container create", err)
	}
	return resp.ID, nil
}

func (g *DockerGateway) StartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	if err := g.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return g.normalize("container start", err)
	}
	return nil
}

func (g *DockerGateway) StopContainer(ctx context.Context, id string) error {
	// Budget: the daemon waits StopGrace before killing, then we allow
	// RequestTimeout on top for the API round trip.
	ctx, cancel := context.WithTimeout(ctx, g.config.StopGrace+g.config.RequestTimeout)
	defer cancel()

	grace := int(g.config.StopGrace.Seconds())
	if err := g.cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &grace}); err != nil {
		return g.normalize("container stop", err)
	}
	return nil
}

func (g *DockerGateway) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	if err := g.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{}); err != nil {
		return g.normalize("container remove", err)
	}
	return nil
}

func (g *DockerGateway) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	inspect, err := g.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, g.normalize("container inspect", err)
	}

	state := ContainerState{ID: inspect.ID, Status: "unknown"}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.ExitCode = inspect.State.ExitCode
		state.Status = inspect.State.Status
	}
	return state, nil
}

func (g *DockerGateway) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	logs, err := g.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return nil, g.normalize("container logs", err)
	}
	return logs, nil
}

// normalize maps a docker client error onto the engine taxonomy so no
// caller ever sees a runtime-specific error shape.
func (g *DockerGateway) normalize(op string, err error) error {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeoutError(op+" timed out", err)
	case stderrors.Is(err, context.Canceled):
		return errors.NewCancelledError(op+" was cancelled", err)
	case client.IsErrConnectionFailed(err):
		return errors.NewUnreachableError("docker daemon is unreachable", err).WithContext("op", op)
	case errdefs.IsNotFound(err):
		return errors.NewNotFoundError(op+" target not found", err)
	case errdefs.IsConflict(err):
		return errors.NewConflictError(op+" conflicts with daemon state", err)
	default:
		return errors.NewRuntimeError(op+" failed", err)
	}
}

func portBindings(mappings []container.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(mappings) == 0 {
		return nil, nil, nil
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, mapping := range mappings {
		port, err := nat.NewPort(string(mapping.Protocol), strconv.Itoa(int(mapping.ContainerPort)))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(int(mapping.HostPort)),
		})
	}
	return exposed, bindings, nil
}
