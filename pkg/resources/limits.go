// Package resources reports host capacity used to resolve backend defaults.
package resources

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// CPUThreads returns the number of logical CPUs, falling back to the Go
// runtime's view when the host cannot be queried.
func CPUThreads() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// AvailableMemory returns the bytes the host reports as available for new
// allocations, or 0 when unknown.
func AvailableMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}

// ResolveThreads maps a requested thread count onto a concrete one:
// negative values select the host default, zero means a single thread and
// anything else is capped at the host's logical CPU count.
func ResolveThreads(requested int) int {
	host := CPUThreads()
	switch {
	case requested < 0:
		return host
	case requested == 0:
		return 1
	case requested > host:
		return host
	default:
		return requested
	}
}
