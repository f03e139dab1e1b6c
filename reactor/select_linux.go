//go:build linux
// +build linux

// File: reactor/select_linux.go
// Author: momentics <momentics@gmail.com>
//
// Portable select(2) strategy over fixed-size descriptor bitmasks.

package reactor

import (
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
)

// FDSetSize is the descriptor ceiling of the select strategy.
const FDSetSize = int(unsafe.Sizeof(unix.FdSet{})) * 8

type selectReactor struct {
	handlerTable
	readSet    unix.FdSet
	writeSet   unix.FdSet
	maxFd      int
	writeCount int
}

var _ api.Reactor = (*selectReactor)(nil)

func newSelectReactor(log *zap.Logger) (api.Reactor, error) {
	return &selectReactor{
		handlerTable: newHandlerTable(log),
		maxFd:        -1,
	}, nil
}

func (r *selectReactor) inRange(fd int) bool {
	return fd >= 0 && fd < FDSetSize
}

// RegisterForRead adds fd to the read bitmask.
func (r *selectReactor) RegisterForRead(fd int, h api.ReadHandler) bool {
	if !r.inRange(fd) {
		r.log.Error("descriptor outside select range", zap.Int("fd", fd), zap.Int("fd_setsize", FDSetSize))
		return false
	}
	if h == nil || r.readSet.IsSet(fd) {
		return false
	}
	r.readSet.Set(fd)
	r.reads[fd] = h
	if fd > r.maxFd {
		r.maxFd = fd
	}
	return true
}

// RegisterForWrite adds fd to the write bitmask.
func (r *selectReactor) RegisterForWrite(fd int, h api.WriteHandler) bool {
	if !r.inRange(fd) {
		r.log.Error("descriptor outside select range", zap.Int("fd", fd), zap.Int("fd_setsize", FDSetSize))
		return false
	}
	if h == nil || r.writeSet.IsSet(fd) {
		return false
	}
	r.writeSet.Set(fd)
	r.writes[fd] = h
	r.writeCount++
	if fd > r.maxFd {
		r.maxFd = fd
	}
	return true
}

func (r *selectReactor) DeregisterForRead(fd int) bool {
	if !r.inRange(fd) || !r.readSet.IsSet(fd) {
		return false
	}
	r.readSet.Clear(fd)
	delete(r.reads, fd)
	if fd == r.maxFd {
		r.maxFd = r.maxFD()
	}
	return true
}

func (r *selectReactor) DeregisterForWrite(fd int) bool {
	if !r.inRange(fd) || !r.writeSet.IsSet(fd) {
		return false
	}
	r.writeSet.Clear(fd)
	delete(r.writes, fd)
	r.writeCount--
	if fd == r.maxFd {
		r.maxFd = r.maxFD()
	}
	return true
}

// ProcessPendingEvents copies both bitmasks, waits, and walks the copies.
func (r *selectReactor) ProcessPendingEvents(maxWait time.Duration) int {
	readFDs := r.readSet
	writeFDs := r.writeSet
	maxFd := r.maxFd

	var tv *unix.Timeval
	if maxWait >= 0 {
		t := unix.NsecToTimeval(maxWait.Nanoseconds())
		tv = &t
	}
	var wset *unix.FdSet
	if r.writeCount > 0 {
		wset = &writeFDs
	}

	ready, err := unix.Select(maxFd+1, &readFDs, wset, nil, tv)
	if err != nil {
		if err != unix.EINTR {
			r.log.Warn("select failed", zap.Error(err))
		}
		return 0
	}

	serviced := 0
	for fd := 0; fd <= maxFd && ready > 0; fd++ {
		hit := false
		if readFDs.IsSet(fd) {
			ready--
			hit = true
			r.triggerRead(fd)
		}
		if wset != nil && writeFDs.IsSet(fd) {
			ready--
			hit = true
			r.triggerWrite(fd)
		}
		if hit {
			serviced++
		}
	}
	return serviced
}

// Close is a no-op; select keeps no kernel state between calls.
func (r *selectReactor) Close() error {
	return nil
}
