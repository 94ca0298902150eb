package daemon

import (
	"context"
	"io"
	"time"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/logging"
)

// RetryPolicy bounds the retry behavior for transient daemon failures.
type RetryPolicy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	BackoffRate  float64       `yaml:"backoff_rate"`
}

// DefaultRetryPolicy returns the retry bounds used when the config file
// leaves them unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		BackoffRate:  2.0,
	}
}

// retryingGateway decorates a Gateway with bounded exponential-backoff
// retry. Only unreachable/timeout failures are retried: conflict and
// runtime errors indicate a daemon state mismatch that retry cannot fix
// and are surfaced immediately. Read-only calls pass through untouched;
// callers of inspect and ping already poll.
type retryingGateway struct {
	inner  Gateway
	policy RetryPolicy
	logger logging.Logger
}

// NewRetrying wraps gw with the retry policy. Mutating operations on the
// wrapped gateway must stay idempotent for this to be safe.
func NewRetrying(gw Gateway, policy RetryPolicy, logger logging.Logger) Gateway {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffRate < 1.0 {
		policy.BackoffRate = 1.0
	}
	return &retryingGateway{inner: gw, policy: policy, logger: logger}
}

func (r *retryingGateway) retry(ctx context.Context, op string, call func() error) error {
	delay := r.policy.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = call()
		if err == nil || !errors.IsRetryable(err) {
			return err
		}
		if attempt >= r.policy.MaxAttempts {
			return err
		}

		r.logger.Warnf("Daemon operation failed transiently, op: %s, attempt: %d/%d, retrying in %v, error: %v",
			op, attempt, r.policy.MaxAttempts, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.NewCancelledError(op+" retry abandoned", ctx.Err())
		}
		delay = time.Duration(float64(delay) * r.policy.BackoffRate)
	}
}

func (r *retryingGateway) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *retryingGateway) ImageExists(ctx context.Context, image string) (bool, error) {
	return r.inner.ImageExists(ctx, image)
}

func (r *retryingGateway) PullImage(ctx context.Context, image string) error {
	return r.retry(ctx, "pull", func() error {
		return r.inner.PullImage(ctx, image)
	})
}

func (r *retryingGateway) CreateContainer(ctx context.Context, spec container.Spec) (string, error) {
	var id string
	err := r.retry(ctx, "create", func() error {
		var callErr error
		id, callErr = r.inner.CreateContainer(ctx, spec)
		return callErr
	})
	return id, err
}

func (r *retryingGateway) StartContainer(ctx context.Context, id string) error {
	return r.retry(ctx, "start", func() error {
		return r.inner.StartContainer(ctx, id)
	})
}

func (r *retryingGateway) StopContainer(ctx context.Context, id string) error {
	return r.retry(ctx, "stop", func() error {
		return r.inner.StopContainer(ctx, id)
	})
}

func (r *retryingGateway) RemoveContainer(ctx context.Context, id string) error {
	return r.retry(ctx, "remove", func() error {
		return r.inner.RemoveContainer(ctx, id)
	})
}

func (r *retryingGateway) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	return r.inner.InspectContainer(ctx, id)
}

func (r *retryingGateway) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return r.inner.ContainerLogs(ctx, id)
}
