package admission

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/hardware"
)

func smallProfile() hardware.Profile {
	return hardware.Profile{Name: "small", MaxContainers: 8}
}

func managedNamed(name string, state container.State, hostPorts ...uint16) container.Managed {
	m := container.Managed{
		Spec: container.Spec{
			Name:  name,
			Image: "nginx:latest",
		},
		State:     state,
		CreatedAt: time.Now(),
	}
	for _, port := range hostPorts {
		m.Ports = append(m.Ports, container.PortMapping{
			HostPort:      port,
			ContainerPort: 80,
			Protocol:      container.ProtocolTCP,
		})
	}
	return m
}

func validSpec(name string) container.Spec {
	return container.Spec{
		Name:  name,
		Image: "nginx:latest",
		Ports: []container.PortMapping{
			{HostPort: 8080, ContainerPort: 80, Protocol: container.ProtocolTCP},
		},
	}
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.IsAdmissionError(err), "expected admission error, got: %v", err)
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, want, reason)
}

func TestAdmitAccepts(t *testing.T) {
	err := Admit(validSpec("web"), smallProfile(), nil)
	assert.NoError(t, err)
}

func TestAdmitDuplicateName(t *testing.T) {
	existing := []container.Managed{managedNamed("web", container.StateRunning)}

	err := Admit(validSpec("web"), smallProfile(), existing)
	requireReason(t, err, ReasonDuplicateName)
}

func TestAdmitDuplicateNameAgainstStoppedEntity(t *testing.T) {
	// Stopped is not removed: the name is still owned.
	existing := []container.Managed{managedNamed("web", container.StateStopped)}

	err := Admit(validSpec("web"), smallProfile(), existing)
	requireReason(t, err, ReasonDuplicateName)
}

func TestAdmitPortConflict(t *testing.T) {
	existing := []container.Managed{managedNamed("other", container.StateRunning, 8080)}

	err := Admit(validSpec("web"), smallProfile(), existing)
	requireReason(t, err, ReasonPortConflict)
}

func TestAdmitPortConflictAgainstStoppedEntity(t *testing.T) {
	existing := []container.Managed{managedNamed("other", container.StateStopped, 8080)}

	err := Admit(validSpec("web"), smallProfile(), existing)
	requireReason(t, err, ReasonPortConflict)
}

func TestAdmitCapacityExceeded(t *testing.T) {
	var existing []container.Managed
	for i := 0; i < 8; i++ {
		existing = append(existing, managedNamed(fmt.Sprintf("c%d", i), container.StateRunning))
	}

	err := Admit(validSpec("web"), smallProfile(), existing)
	requireReason(t, err, ReasonCapacityExceeded)
}

func TestAdmitStoppedDoesNotCountAgainstCapacity(t *testing.T) {
	var existing []container.Managed
	for i := 0; i < 7; i++ {
		existing = append(existing, managedNamed(fmt.Sprintf("c%d", i), container.StateRunning))
	}
	existing = append(existing, managedNamed("idle", container.StateStopped))

	err := Admit(validSpec("web"), smallProfile(), existing)
	assert.NoError(t, err)
}

func TestAdmitPendingCountsAgainstCapacity(t *testing.T) {
	var existing []container.Managed
	for i := 0; i < 8; i++ {
		existing = append(existing, managedNamed(fmt.Sprintf("c%d", i), container.StatePending))
	}

	err := Admit(validSpec("web"), smallProfile(), existing)
	requireReason(t, err, ReasonCapacityExceeded)
}

func TestAdmitInvalidSpec(t *testing.T) {
	spec := validSpec("web")
	spec.Image = "not a valid image!!"

	err := Admit(spec, smallProfile(), nil)
	requireReason(t, err, ReasonInvalidSpec)
}

// Rejections are checked in a fixed order (name -> port -> capacity ->
// spec) so error messages are deterministic.
func TestAdmitRejectionOrder(t *testing.T) {
	var full []container.Managed
	for i := 0; i < 8; i++ {
		full = append(full, managedNamed(fmt.Sprintf("c%d", i), container.StateRunning, uint16(9000+i)))
	}

	t.Run("name_wins_over_port_capacity_and_spec", func(t *testing.T) {
		spec := validSpec("c0")
		spec.Ports[0].HostPort = 9001
		spec.Image = "not a valid image!!"

		requireReason(t, Admit(spec, smallProfile(), full), ReasonDuplicateName)
	})

	t.Run("port_wins_over_capacity_and_spec", func(t *testing.T) {
		spec := validSpec("fresh")
		spec.Ports[0].HostPort = 9001
		spec.Image = "not a valid image!!"

		requireReason(t, Admit(spec, smallProfile(), full), ReasonPortConflict)
	})

	t.Run("capacity_wins_over_spec", func(t *testing.T) {
		spec := validSpec("fresh")
		spec.Image = "not a valid image!!"

		requireReason(t, Admit(spec, smallProfile(), full), ReasonCapacityExceeded)
	})
}

func TestReasonOfNonAdmissionError(t *testing.T) {
	_, ok := ReasonOf(errors.NewNotFoundError("nope", nil))
	assert.False(t, ok)
}
