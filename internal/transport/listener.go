//go:build linux
// +build linux

// File: internal/transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/momentics/fasttun/api"
)

const (
	listenBacklog = 128
	// acceptBatch bounds accept(2) calls per readiness notification.
	acceptBatch = 32
	// DefaultAcceptBackoff is how long read interest stays off after a
	// persistent accept error such as EMFILE.
	DefaultAcceptBackoff = 100 * time.Millisecond
)

// AcceptHandler takes ownership of accepted descriptors.
type AcceptHandler interface {
	OnAccept(fd int, peer unix.Sockaddr)
}

// AcceptFunc adapts a function to AcceptHandler.
type AcceptFunc func(fd int, peer unix.Sockaddr)

func (f AcceptFunc) OnAccept(fd int, peer unix.Sockaddr) { f(fd, peer) }

// ListenOption configures a Listener.
type ListenOption func(*Listener)

// WithAcceptBackoff pauses accepting for d after an accept error, resuming
// from a timer on s. Without it the listener only rate-limits its logging.
func WithAcceptBackoff(s api.Scheduler, d time.Duration) ListenOption {
	return func(l *Listener) {
		l.timers = s
		l.backoff = d
	}
}

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	reactor api.Reactor
	handler AcceptHandler
	log     *zap.Logger
	fd      int
	addr    unix.Sockaddr

	timers   api.Scheduler
	backoff  time.Duration
	resume   api.Cancelable
	failures uint64
	warn     rate.Sometimes
}

// Listen binds address and registers the socket for read readiness.
func Listen(r api.Reactor, address string, h AcceptHandler, log *zap.Logger, opts ...ListenOption) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sa, err := ResolveSockaddr("tcp", address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(familyOf(sa), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, wrap("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, wrap("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, wrap("bind "+address, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, wrap("listen "+address, err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, wrap("getsockname", err)
	}

	l := &Listener{
		reactor: r,
		handler: h,
		log:     log,
		fd:      fd,
		addr:    local,
		backoff: DefaultAcceptBackoff,
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	if !r.RegisterForRead(fd, l) {
		unix.Close(fd)
		return nil, api.NewNetError(api.ReasonGeneralNetwork, "listen", api.ErrAlreadyExists)
	}
	log.Info("listening", zap.String("addr", SockaddrString(local)))
	return l, nil
}

// Addr returns the bound address, with the kernel-chosen port if 0 was
// requested.
func (l *Listener) Addr() unix.Sockaddr { return l.addr }

// HandleRead accepts pending connections.
func (l *Listener) HandleRead(int) {
	for i := 0; i < acceptBatch && l.fd >= 0; i++ {
		nfd, peer, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				l.failures++
				l.warn.Do(func() {
					l.log.Warn("accept failed", zap.Error(err), zap.Uint64("failures", l.failures))
				})
				l.pause()
				return
			}
		}
		l.handler.OnAccept(nfd, peer)
	}
}

// Failures reports accept errors other than EAGAIN, EINTR and
// ECONNABORTED.
func (l *Listener) Failures() uint64 { return l.failures }

// Paused reports whether accepting is backed off after an error.
func (l *Listener) Paused() bool { return l.resume != nil }

// pause drops read interest until the backoff timer fires.
func (l *Listener) pause() {
	if l.timers == nil || l.resume != nil || l.fd < 0 {
		return
	}
	l.reactor.DeregisterForRead(l.fd)
	l.resume = l.timers.Schedule(l.backoff, func() {
		l.resume = nil
		if l.fd >= 0 && !l.reactor.RegisterForRead(l.fd, l) {
			l.log.Error("listener could not resume accepting", zap.Int("fd", l.fd))
		}
	})
}

// Close deregisters and closes the listening socket.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	if l.resume != nil {
		l.resume.Cancel()
		l.resume = nil
	} else {
		l.reactor.DeregisterForRead(l.fd)
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}
