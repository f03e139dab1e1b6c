// File: server/server.go
// Package server accepts tunnel control connections and bridges each one
// to a fresh upstream TCP connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/facade"
	"github.com/momentics/fasttun/internal/transport"
)

var ErrAlreadyRunning = errors.New("server already running")

// Server owns the control listener and the live bridges. It runs on the
// reactor goroutine of its Runtime.
type Server struct {
	rt       *facade.Runtime
	log      *zap.Logger
	upstream string
	spoolDir string

	listener *transport.Listener
	bridges  map[uuid.UUID]*Bridge
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Server)(nil)

// NewServer builds a Server on rt. It does not listen until Start.
func NewServer(rt *facade.Runtime, opts ...ServerOption) *Server {
	s := &Server{
		rt:       rt,
		log:      rt.Log().Named("server"),
		upstream: rt.Config().Remote,
		bridges:  make(map[uuid.UUID]*Bridge),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the control listener and registers s for runtime shutdown.
func (s *Server) Start() error {
	if s.listener != nil {
		return ErrAlreadyRunning
	}
	ln, err := transport.Listen(s.rt.Reactor(), s.rt.Config().Listen, transport.AcceptFunc(s.onAccept), s.log,
		transport.WithAcceptBackoff(s.rt.Timers(), transport.DefaultAcceptBackoff))
	if err != nil {
		return err
	}
	s.listener = ln
	s.rt.OnShutdown(s)
	s.rt.Probes().RegisterProbe("server.upstream", func() any { return s.upstream })
	s.log.Info("accepting control connections",
		zap.String("listen", transport.SockaddrString(ln.Addr())),
		zap.String("upstream", s.upstream))
	return nil
}

// Addr returns the bound control address, nil before Start.
func (s *Server) Addr() unix.Sockaddr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Len returns the number of live bridges.
func (s *Server) Len() int { return len(s.bridges) }

func (s *Server) onAccept(fd int, peer unix.Sockaddr) {
	b := newBridge(s, peer)
	if err := b.accept(fd); err != nil {
		s.log.Warn("bridge rejected", zap.String("peer", transport.SockaddrString(peer)), zap.Error(err))
		return
	}
	s.bridges[b.id] = b
	s.rt.Metrics().BridgeOpened()
	s.log.Info("bridge opened",
		zap.String("peer", transport.SockaddrString(peer)),
		zap.Uint32("conv", b.sess.Conv()),
		zap.Int("bridges", len(s.bridges)))
}

func (s *Server) release(b *Bridge, why string) {
	if _, ok := s.bridges[b.id]; !ok {
		return
	}
	delete(s.bridges, b.id)
	s.rt.Metrics().BridgeClosed()
	s.log.Info("bridge closed",
		zap.String("peer", transport.SockaddrString(b.peer)),
		zap.String("reason", why),
		zap.Int("bridges", len(s.bridges)))
}

// Shutdown closes the listener and every bridge.
func (s *Server) Shutdown() error {
	for _, b := range s.bridges {
		b.shutdown()
		s.release(b, "shutdown")
	}
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}
