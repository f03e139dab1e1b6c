// File: internal/transport/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
)

// Classify maps a socket error to the transport failure taxonomy.
func Classify(err error) api.Reason {
	if err == nil {
		return api.ReasonSuccess
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return api.ReasonOf(err)
	}
	switch errno {
	case unix.EAGAIN, unix.EINTR:
		return api.ReasonResourceUnavailable
	case unix.ECONNREFUSED:
		return api.ReasonNoSuchPort
	case unix.EPIPE, unix.ECONNRESET, unix.ECONNABORTED:
		return api.ReasonClientDisconnected
	case unix.ENOBUFS:
		return api.ReasonTransmitQueueFull
	default:
		return api.ReasonGeneralNetwork
	}
}

// IsWouldBlock reports whether err only means "retry on next readiness".
func IsWouldBlock(err error) bool {
	return Classify(err) == api.ReasonResourceUnavailable
}

func wrap(op string, err error) error {
	return api.NewNetError(Classify(err), op, err)
}
