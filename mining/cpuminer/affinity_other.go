//go:build !linux

package cpuminer

import "runtime"

// pinThread locks the calling goroutine to its OS thread.  Binding threads
// to CPUs is not supported on this platform.
func pinThread(cpu int) (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}
