// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the readiness-driven reactor contract shared by the select(2) and
// epoll(7) strategies, plus the handler roles registered against it.

package api

import "time"

// ReadHandler is notified when a registered descriptor becomes readable.
type ReadHandler interface {
	HandleRead(fd int)
}

// WriteHandler is notified when a registered descriptor becomes writable.
type WriteHandler interface {
	HandleWrite(fd int)
}

// ErrorHandler may optionally be implemented by a read or write handler to
// receive error/hangup notifications directly. Handlers that do not implement
// it get the notification through HandleRead, or HandleWrite when only write
// interest is registered.
type ErrorHandler interface {
	HandleError(fd int)
}

// Reactor multiplexes readiness of non-blocking descriptors on one goroutine.
//
// At most one handler may be registered per (descriptor, direction). The
// reactor never owns descriptors: callers create and close them and must
// deregister before closing.
type Reactor interface {
	// RegisterForRead returns false without changing state if fd is already
	// registered for reading or the OS rejects it.
	RegisterForRead(fd int, h ReadHandler) bool

	// RegisterForWrite returns false without changing state if fd is already
	// registered for writing or the OS rejects it.
	RegisterForWrite(fd int, h WriteHandler) bool

	DeregisterForRead(fd int) bool
	DeregisterForWrite(fd int) bool

	// ProcessPendingEvents waits up to maxWait for readiness and dispatches
	// handlers synchronously. A negative maxWait blocks until an event
	// arrives. Returns the number of descriptors serviced.
	ProcessPendingEvents(maxWait time.Duration) int

	// Close releases the strategy's own kernel resources.
	Close() error
}
