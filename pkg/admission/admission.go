package admission

import (
	stderrors "errors"
	"fmt"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/hardware"
)

// Reason identifies why a request was rejected. Each reason is
// client-fixable: rename, pick a different port, wait for capacity, or
// correct the spec.
type Reason string

const (
	ReasonDuplicateName    Reason = "duplicate_name"
	ReasonPortConflict     Reason = "port_conflict"
	ReasonCapacityExceeded Reason = "capacity_exceeded"
	ReasonInvalidSpec      Reason = "invalid_spec"
)

const reasonContextKey = "reason"

// Admit decides whether a requested container may join the managed set.
// Pure function of its inputs: no daemon calls, no side effects. Checks
// run in a fixed order so rejections are deterministic:
// name -> port -> capacity -> spec validity.
//
// The caller must hold the managed-set lock while evaluating the result,
// otherwise two concurrent requests could both pass a stale capacity
// check.
func Admit(spec container.Spec, profile hardware.Profile, existing []container.Managed) error {
	// 1. Name uniqueness across the non-removed set.
	for _, other := range existing {
		if other.Name == spec.Name {
			return reject(ReasonDuplicateName,
				fmt.Sprintf("container name %q is already in use", spec.Name))
		}
	}

	// 2. Host port disjointness across the non-removed set.
	for _, port := range spec.Ports {
		for _, other := range existing {
			for _, otherPort := range other.Ports {
				if port.HostPort == otherPort.HostPort {
					return reject(ReasonPortConflict,
						fmt.Sprintf("host port %d is already assigned to container %q", port.HostPort, other.Name))
				}
			}
		}
	}

	// 3. Capacity: active entities never exceed the profile limit.
	active := 0
	for _, other := range existing {
		if other.State.Active() {
			active++
		}
	}
	if active >= profile.MaxContainers {
		return reject(ReasonCapacityExceeded,
			fmt.Sprintf("active container count %d has reached the %s profile limit of %d", active, profile.Name, profile.MaxContainers))
	}

	// 4. Spec shape.
	if err := ValidateSpec(spec); err != nil {
		return errors.NewAdmissionError("container spec is invalid", err).
			WithContext(reasonContextKey, ReasonInvalidSpec)
	}

	return nil
}

// ReasonOf extracts the rejection reason from an admission error.
// Returns false for any other error.
func ReasonOf(err error) (Reason, bool) {
	var domainErr *errors.DomainError
	if !stderrors.As(err, &domainErr) || domainErr.Type != errors.ErrorTypeAdmission {
		return "", false
	}
	reason, ok := domainErr.Context[reasonContextKey].(Reason)
	return reason, ok
}

func reject(reason Reason, message string) error {
	return errors.NewAdmissionError(message, nil).WithContext(reasonContextKey, reason)
}
