//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) strategy. Level-triggered: a descriptor stays ready until
// its handler drains it, so handlers may stop early without losing events.

package reactor

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
)

const epollBatch = 128

// epollReactor implements api.Reactor using Linux epoll.
type epollReactor struct {
	handlerTable
	epfd   int
	events [epollBatch]unix.EpollEvent
}

var _ api.Reactor = (*epollReactor)(nil)

func newEpollReactor(log *zap.Logger) (api.Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{
		handlerTable: newHandlerTable(log),
		epfd:         epfd,
	}, nil
}

// RegisterForRead adds read interest for fd.
func (r *epollReactor) RegisterForRead(fd int, h api.ReadHandler) bool {
	if h == nil || fd < 0 || r.isRegistered(fd, true) {
		return false
	}
	if !r.ctl(fd, true, true) {
		return false
	}
	r.reads[fd] = h
	return true
}

// RegisterForWrite adds write interest for fd.
func (r *epollReactor) RegisterForWrite(fd int, h api.WriteHandler) bool {
	if h == nil || fd < 0 || r.isRegistered(fd, false) {
		return false
	}
	if !r.ctl(fd, false, true) {
		return false
	}
	r.writes[fd] = h
	return true
}

// DeregisterForRead drops read interest. The handler is forgotten even if
// the kernel call fails, e.g. because the descriptor was already closed.
func (r *epollReactor) DeregisterForRead(fd int) bool {
	if !r.isRegistered(fd, true) {
		return false
	}
	delete(r.reads, fd)
	return r.ctl(fd, true, false)
}

// DeregisterForWrite drops write interest.
func (r *epollReactor) DeregisterForWrite(fd int) bool {
	if !r.isRegistered(fd, false) {
		return false
	}
	delete(r.writes, fd)
	return r.ctl(fd, false, false)
}

// ctl folds both directions of fd into one epoll interest entry.
func (r *epollReactor) ctl(fd int, forRead, register bool) bool {
	var (
		op     int
		events uint32
	)
	if r.isRegistered(fd, !forRead) {
		op = unix.EPOLL_CTL_MOD
		switch {
		case register:
			events = unix.EPOLLIN | unix.EPOLLOUT
		case forRead:
			events = unix.EPOLLOUT
		default:
			events = unix.EPOLLIN
		}
	} else {
		op = unix.EPOLL_CTL_DEL
		if register {
			op = unix.EPOLL_CTL_ADD
		}
		events = unix.EPOLLOUT
		if forRead {
			events = unix.EPOLLIN
		}
	}

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		r.log.Debug("epoll ctl failed",
			zap.Int("fd", fd),
			zap.Bool("read", forRead),
			zap.Bool("register", register),
			zap.Error(err))
		return false
	}
	return true
}

// ProcessPendingEvents waits for readiness and dispatches handlers.
func (r *epollReactor) ProcessPendingEvents(maxWait time.Duration) int {
	timeout := -1
	if maxWait >= 0 {
		timeout = int((maxWait + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(r.epfd, r.events[:], timeout)
	if err != nil {
		if err != unix.EINTR {
			r.log.Warn("epoll wait failed", zap.Error(err))
		}
		return 0
	}

	// r.events[:n] is the snapshot; handlers are looked up per trigger.
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r.triggerError(fd)
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 {
			r.triggerRead(fd)
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.triggerWrite(fd)
		}
	}
	return n
}

// Close releases the epoll file descriptor.
func (r *epollReactor) Close() error {
	if r.epfd < 0 {
		return nil
	}
	err := unix.Close(r.epfd)
	r.epfd = -1
	return err
}
