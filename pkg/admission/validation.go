package admission

import (
	"fmt"

	"github.com/distribution/reference"

	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
)

// ValidateContainerName validates container name format and constraints
func ValidateContainerName(name string) error {
	if name == "" {
		return errors.NewValidationError("container name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("container name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("container name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

// ValidateImageReference validates that an image reference parses as a
// normalized Docker reference.
func ValidateImageReference(image string) error {
	if image == "" {
		return errors.NewValidationError("image reference cannot be empty", nil)
	}

	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return errors.NewValidationError("malformed image reference: "+image, err)
	}

	return nil
}

// ValidatePortMapping validates a single host->container port mapping
func ValidatePortMapping(mapping container.PortMapping) error {
	if mapping.HostPort == 0 {
		return errors.NewValidationError("host port cannot be zero", nil)
	}

	if mapping.ContainerPort == 0 {
		return errors.NewValidationError("container port cannot be zero", nil)
	}

	switch mapping.Protocol {
	case container.ProtocolTCP, container.ProtocolUDP:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported protocol %q: must be tcp or udp", mapping.Protocol), nil)
	}

	return nil
}

// ValidateSpec validates the full shape of a container request. Set-wide
// invariants (duplicate names, port conflicts, capacity) are checked by
// Admit, not here.
func ValidateSpec(spec container.Spec) error {
	if err := ValidateContainerName(spec.Name); err != nil {
		return err
	}

	if err := ValidateImageReference(spec.Image); err != nil {
		return err
	}

	seenHostPorts := make(map[uint16]bool)
	for i, mapping := range spec.Ports {
		if err := ValidatePortMapping(mapping); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid port mapping at index %d", i), err)
		}
		if seenHostPorts[mapping.HostPort] {
			return errors.NewValidationError(
				fmt.Sprintf("host port %d mapped twice in the same spec", mapping.HostPort), nil)
		}
		seenHostPorts[mapping.HostPort] = true
	}

	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
