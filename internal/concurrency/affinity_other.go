//go:build !linux

// File: internal/concurrency/affinity_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-Linux fallback: isolate-thread pinning is a Linux-only optimization
// here; other platforms run unpinned.

package concurrency

import "runtime"

// PinCurrentThread is a no-op outside Linux beyond locking the goroutine to
// its OS thread, which v8go's single-threaded-isolate contract still needs.
func PinCurrentThread(numaNode, cpu int) error {
	runtime.LockOSThread()
	return nil
}

// UnpinCurrentThread releases the OS-thread lock taken by PinCurrentThread.
func UnpinCurrentThread() error {
	runtime.UnlockOSThread()
	return nil
}

// NUMANodes reports 1 on platforms without NUMA topology queries wired in.
func NUMANodes() int { return 1 }

// CurrentNUMANodeID is always 0 outside Linux.
func CurrentNUMANodeID() int { return 0 }
