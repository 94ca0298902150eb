package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/daemon"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/store"
)

func seedStore(t *testing.T, rows ...container.Managed) *store.FileStore {
	t.Helper()
	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "state.yaml"), testLogger())
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, st.Upsert(row))
	}
	return st
}

func persistedRow(name string, state container.State, runtimeID string) container.Managed {
	return container.Managed{
		Spec: container.Spec{
			Name:      name,
			Image:     "nginx:latest",
			AutoStart: true,
		},
		RuntimeID: runtimeID,
		State:     state,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestReconcileAdoptsRunningDaemonResource(t *testing.T) {
	// Interrupted between daemon start and recording Running.
	fake := newFakeGateway()
	fake.setInspect("rt-1", daemon.ContainerState{ID: "rt-1", Running: true, Status: "running"})

	st := seedStore(t, persistedRow("web", container.StateStarting, "rt-1"))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateRunning, managed.State)
}

func TestReconcileFailsInterruptedBeforeDaemonResource(t *testing.T) {
	fake := newFakeGateway()

	st := seedStore(t, persistedRow("web", container.StateCreating, ""))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateFailed, managed.State)
	assert.Contains(t, managed.LastError, "interrupted")
	assert.Equal(t, 0, fake.callCount("inspect"), "nothing to inspect without a runtime ID")
}

func TestReconcileFailsVanishedDaemonResource(t *testing.T) {
	fake := newFakeGateway()
	// rt-1 was never created in the fake: inspect reports not found.

	st := seedStore(t, persistedRow("web", container.StateRunning, "rt-1"))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateFailed, managed.State)
	assert.Contains(t, managed.LastError, "vanished")
}

func TestReconcileFailsExitedWhileUnsupervised(t *testing.T) {
	fake := newFakeGateway()
	fake.setInspect("rt-1", daemon.ContainerState{ID: "rt-1", Running: false, ExitCode: 137, Status: "exited"})

	st := seedStore(t, persistedRow("web", container.StateRunning, "rt-1"))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateFailed, managed.State)
	assert.Contains(t, managed.LastError, "exited")
}

func TestReconcileAdoptsStoppedForCreatedButUnstarted(t *testing.T) {
	fake := newFakeGateway()
	fake.seed("rt-1", false)
	fake.setInspect("rt-1", daemon.ContainerState{ID: "rt-1", Running: false, Status: "created"})

	st := seedStore(t, persistedRow("web", container.StateCreating, "rt-1"))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateStopped, managed.State)

	// The adopted state must accept a normal restart.
	restarted, err := orch.RestartContainer(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, container.StateRunning, restarted.State)
}

func TestReconcileLeavesConsistentStateAlone(t *testing.T) {
	fake := newFakeGateway()
	fake.setInspect("rt-1", daemon.ContainerState{ID: "rt-1", Running: false, Status: "exited"})

	st := seedStore(t, persistedRow("web", container.StateStopped, "rt-1"))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateStopped, managed.State)
	assert.Empty(t, managed.LastError)
}

func TestReconcileDefersWhenDaemonUnreachable(t *testing.T) {
	fake := newFakeGateway()
	fake.script("inspect", errors.NewUnreachableError("cannot connect to the daemon", nil))

	st := seedStore(t, persistedRow("web", container.StateRunning, "rt-1"))
	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)

	orch.ReconcileStartup(context.Background())

	// Persisted state is kept; reconciliation never guesses while the
	// daemon is down.
	managed, err := orch.GetContainer("web")
	require.NoError(t, err)
	assert.Equal(t, container.StateRunning, managed.State)
}

func TestReconcilePersistsAdoptedState(t *testing.T) {
	fake := newFakeGateway()
	fake.setInspect("rt-1", daemon.ContainerState{ID: "rt-1", Running: true, Status: "running"})

	path := filepath.Join(t.TempDir(), "state.yaml")
	st, err := store.OpenFileStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, st.Upsert(persistedRow("web", container.StateStarting, "rt-1")))

	orch, err := New(smallProfile(), fake, st, testLogger())
	require.NoError(t, err)
	orch.ReconcileStartup(context.Background())

	reopened, err := store.OpenFileStore(path, testLogger())
	require.NoError(t, err)
	rows, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, container.StateRunning, rows[0].State)
}
