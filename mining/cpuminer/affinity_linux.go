package cpuminer

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread locks the calling goroutine to its OS thread and binds the
// thread to the passed CPU.  The returned function releases the thread.
func pinThread(cpu int) (func(), error) {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return runtime.UnlockOSThread, err
	}
	// The thread keeps its narrowed affinity, so it is discarded instead
	// of returned to the scheduler pool.
	return func() {}, nil
}
