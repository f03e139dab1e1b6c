//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"errors"

	"go.uber.org/zap"

	"github.com/momentics/fasttun/api"
)

var errUnsupported = errors.New("reactor: this platform is not supported")

func newEpollReactor(*zap.Logger) (api.Reactor, error) {
	return nil, errUnsupported
}

func newSelectReactor(*zap.Logger) (api.Reactor, error) {
	return nil, errUnsupported
}
