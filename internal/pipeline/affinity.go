package pipeline

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToCPU locks the calling goroutine to its OS thread and binds that
// thread to one core. Falls back to core 0 when the requested core does
// not exist.
func PinToCPU(core int) error {
	runtime.LockOSThread()

	if core >= runtime.NumCPU() {
		core = 0
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(core)

	if err := unix.SchedSetaffinity(unix.Gettid(), &set); err != nil {
		return fmt.Errorf("pin to core %d: %w", core, err)
	}
	return nil
}
