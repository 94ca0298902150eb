//go:build windows

package hardware

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func totalMemoryBytes() (uint64, error) {
	var status windows.MemoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	if err := windows.GlobalMemoryStatusEx(&status); err != nil {
		return 0, err
	}
	return status.TotalPhys, nil
}
