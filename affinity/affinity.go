// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// CPU affinity for the reactor thread. Platform-specific implementations
// live in affinity_linux.go and affinity_stub.go.

package affinity

import "runtime"

// SetAffinity pins the current OS thread to a logical CPU on supported
// platforms. On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// LockToCPU wires the calling goroutine to its OS thread and pins that
// thread to cpuID. The returned func undoes the pin and the lock.
func LockToCPU(cpuID int) (func(), error) {
	runtime.LockOSThread()
	restore, err := saveAffinityPlatform()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return func() {
		restore()
		runtime.UnlockOSThread()
	}, nil
}
