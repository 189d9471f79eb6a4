//go:build linux

package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// ApplyAll builds a func() error that locks the calling goroutine to its
// OS thread and sets that thread's affinity mask to every CPU currently
// visible to the runtime, via SchedSetaffinity(0). Only the calling thread
// is affected; the masks of the process' other threads are left as they are.
func ApplyAll() func() error {
	return func() error {
		runtime.LockOSThread()
		var set unix.CPUSet
		set.Zero()
		n := runtime.NumCPU()
		for i := 0; i < n; i++ {
			set.Set(i)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("affinity: SchedSetaffinity: %w", err)
		}
		return nil
	}
}
