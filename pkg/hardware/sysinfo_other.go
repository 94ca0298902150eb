//go:build !linux && !darwin && !windows

package hardware

import "fmt"

func totalMemoryBytes() (uint64, error) {
	return 0, fmt.Errorf("total memory detection not supported on this platform")
}
