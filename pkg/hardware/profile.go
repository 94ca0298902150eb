package hardware

import (
	"fmt"
	"runtime"

	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/logging"
)

const (
	gib = uint64(1) << 30

	// Fraction of total memory kept back for the host OS, never less
	// than the floor.
	reservedMemoryFraction = 0.20
	reservedMemoryFloor    = 256 << 20
)

// Profile describes the host capacity class and the limits derived from
// it. Immutable between detections.
type Profile struct {
	Name                string `json:"name"`
	Architecture        string `json:"architecture"`
	LogicalCores        int    `json:"logical_cores"`
	TotalMemoryBytes    uint64 `json:"total_memory_bytes"`
	MaxContainers       int    `json:"max_containers"`
	ReservedMemoryBytes uint64 `json:"reserved_memory_bytes"`
}

// capacityTier maps host dimensions to a named profile. The table is the
// single place thresholds live; call sites never hardcode them. A zero
// limit means unbounded in that dimension.
type capacityTier struct {
	name           string
	maxCores       int
	maxMemoryBytes uint64
	maxContainers  int
}

var capacityTiers = []capacityTier{
	{name: "minimal", maxCores: 2, maxMemoryBytes: 2 * gib, maxContainers: 3},
	{name: "small", maxCores: 4, maxMemoryBytes: 4 * gib, maxContainers: 8},
	{name: "medium", maxCores: 8, maxMemoryBytes: 8 * gib, maxContainers: 20},
	{name: "large", maxCores: 0, maxMemoryBytes: 0, maxContainers: 50},
}

// Detect inspects the host and derives a capacity profile. It fails only
// when total memory cannot be read at all; callers are expected to fall
// back to MinimalProfile rather than abort.
func Detect(logger logging.Logger) (Profile, error) {
	totalMemory, err := totalMemoryBytes()
	if err != nil {
		return Profile{}, errors.NewHardwareError("failed to read total system memory", err)
	}

	profile := deriveProfile(runtime.GOARCH, runtime.NumCPU(), totalMemory)
	logger.Infof("Hardware profile detected, name: %s, arch: %s, cores: %d, memory: %d MiB, max_containers: %d",
		profile.Name, profile.Architecture, profile.LogicalCores, profile.TotalMemoryBytes>>20, profile.MaxContainers)
	return profile, nil
}

// MinimalProfile is the conservative fallback used when detection fails.
func MinimalProfile() Profile {
	return deriveProfile(runtime.GOARCH, 1, 1*gib)
}

// WithTier forces a named capacity tier onto a detected profile,
// keeping the measured dimensions. Used for operator overrides from the
// config file.
func WithTier(profile Profile, name string) (Profile, error) {
	for _, tier := range capacityTiers {
		if tier.name == name {
			profile.Name = tier.name
			profile.MaxContainers = tier.maxContainers
			return profile, nil
		}
	}
	return Profile{}, errors.NewValidationError(fmt.Sprintf("unknown hardware profile %q", name), nil)
}

// IsTier reports whether name is a known capacity tier.
func IsTier(name string) bool {
	for _, tier := range capacityTiers {
		if tier.name == name {
			return true
		}
	}
	return false
}

func deriveProfile(arch string, cores int, totalMemory uint64) Profile {
	if cores < 1 {
		cores = 1
	}

	selected := capacityTiers[len(capacityTiers)-1]
	for _, tier := range capacityTiers {
		coresFit := tier.maxCores == 0 || cores <= tier.maxCores
		memoryFit := tier.maxMemoryBytes == 0 || totalMemory <= tier.maxMemoryBytes
		if coresFit && memoryFit {
			selected = tier
			break
		}
	}

	reserved := uint64(float64(totalMemory) * reservedMemoryFraction)
	if reserved < reservedMemoryFloor {
		reserved = reservedMemoryFloor
	}

	return Profile{
		Name:                selected.name,
		Architecture:        arch,
		LogicalCores:        cores,
		TotalMemoryBytes:    totalMemory,
		MaxContainers:       selected.maxContainers,
		ReservedMemoryBytes: reserved,
	}
}
