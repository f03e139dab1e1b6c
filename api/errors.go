// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and the transport failure taxonomy.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrNotFound          = errors.New("resource not found")
	ErrNotConnected      = errors.New("not connected")
	ErrClosed            = errors.New("closed")
)

// Reason classifies a transport failure.
type Reason int

const (
	ReasonSuccess Reason = iota
	// ReasonNoSuchPort: connection actively refused.
	ReasonNoSuchPort
	// ReasonGeneralNetwork: unclassified transport failure.
	ReasonGeneralNetwork
	// ReasonClientDisconnected: peer reset or broken pipe.
	ReasonClientDisconnected
	// ReasonTransmitQueueFull: kernel send buffer saturated.
	ReasonTransmitQueueFull
	// ReasonResourceUnavailable: non-blocking retry signal. Never surfaced
	// to handlers; the operation is retried on the next readiness event.
	ReasonResourceUnavailable
	ReasonShuttingDown
	// ReasonCorruptedPacket: a framed length exceeded the configured maximum.
	ReasonCorruptedPacket
)

var reasonNames = [...]string{
	ReasonSuccess:             "success",
	ReasonNoSuchPort:          "no such port",
	ReasonGeneralNetwork:      "general network error",
	ReasonClientDisconnected:  "client disconnected",
	ReasonTransmitQueueFull:   "transmit queue full",
	ReasonResourceUnavailable: "resource unavailable",
	ReasonShuttingDown:        "shutting down",
	ReasonCorruptedPacket:     "corrupted packet",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Fatal reports whether r must tear down the stream it was observed on.
func (r Reason) Fatal() bool {
	return r != ReasonSuccess && r != ReasonResourceUnavailable
}

// NetError carries a Reason together with the failed operation and the
// underlying cause.
type NetError struct {
	Reason Reason
	Op     string
	Err    error
}

// Error implements the error interface.
func (e *NetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// NewNetError creates a NetError for op.
func NewNetError(reason Reason, op string, err error) *NetError {
	return &NetError{Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the Reason carried by err, GeneralNetwork for foreign
// errors and Success for nil.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonSuccess
	}
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Reason
	}
	return ReasonGeneralNetwork
}
