package admission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/homelab-tools/dockmaster/pkg/container"
)

func TestValidateContainerName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{"simple_name", "web", false},
		{"with_digits_and_separators", "web-server_01", false},
		{"max_length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"too_long", strings.Repeat("a", 65), true},
		{"spaces", "web server", true},
		{"slash", "web/server", true},
		{"unicode", "wëb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContainerName(tt.input)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateImageReference(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{"short_name", "nginx", false},
		{"with_tag", "nginx:1.27", false},
		{"with_registry", "ghcr.io/acme/app:latest", false},
		{"with_digest", "nginx@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", false},
		{"empty", "", true},
		{"spaces", "not a valid image!!", true},
		{"uppercase_repo", "NGINX:latest", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageReference(tt.input)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePortMapping(t *testing.T) {
	tests := []struct {
		name      string
		mapping   container.PortMapping
		wantError bool
	}{
		{"tcp", container.PortMapping{HostPort: 8080, ContainerPort: 80, Protocol: container.ProtocolTCP}, false},
		{"udp", container.PortMapping{HostPort: 5353, ContainerPort: 53, Protocol: container.ProtocolUDP}, false},
		{"zero_host_port", container.PortMapping{HostPort: 0, ContainerPort: 80, Protocol: container.ProtocolTCP}, true},
		{"zero_container_port", container.PortMapping{HostPort: 8080, ContainerPort: 0, Protocol: container.ProtocolTCP}, true},
		{"missing_protocol", container.PortMapping{HostPort: 8080, ContainerPort: 80}, true},
		{"bogus_protocol", container.PortMapping{HostPort: 8080, ContainerPort: 80, Protocol: "sctp"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePortMapping(tt.mapping)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSpecDuplicateHostPortWithinSpec(t *testing.T) {
	spec := container.Spec{
		Name:  "web",
		Image: "nginx:latest",
		Ports: []container.PortMapping{
			{HostPort: 8080, ContainerPort: 80, Protocol: container.ProtocolTCP},
			{HostPort: 8080, ContainerPort: 443, Protocol: container.ProtocolTCP},
		},
	}

	err := ValidateSpec(spec)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "mapped twice")
}

func TestValidateSpecNoPortsIsFine(t *testing.T) {
	spec := container.Spec{Name: "worker", Image: "alpine:3.20"}
	assert.NoError(t, ValidateSpec(spec))
}
