// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session state machine: control handshake, tunnel binding, heartbeat and
// teardown.

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/internal/cache"
	"github.com/momentics/fasttun/internal/transport"
	"github.com/momentics/fasttun/internal/tunnel"
	"github.com/momentics/fasttun/pool"
	"github.com/momentics/fasttun/protocol"
)

// DefaultHeartbeatInterval is used when Env leaves it unset.
const DefaultHeartbeatInterval = 5 * time.Second

// ErrHeartbeatTimeout is reported when the peer stops answering heartbeats.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Handler receives session events. Exactly one of OnDisconnected, OnError
// and OnCreateTunnelFailed ends a session; Shutdown ends it silently.
type Handler interface {
	OnConnected(s *Session)
	OnDisconnected(s *Session)
	OnError(s *Session, err error)
	OnCreateTunnelFailed(s *Session, err error)
	OnRecv(s *Session, data []byte)
}

// Env carries the process-wide collaborators every session needs.
type Env struct {
	Reactor api.Reactor
	Group   *tunnel.Group
	Convs   *pool.ConvPool
	Timers  api.Scheduler
	Bufs    *pool.BytePool
	Log     *zap.Logger
	Metrics *control.Metrics
	// Sessions, when set, tracks every live session.
	Sessions *Registry

	HeartbeatInterval time.Duration
	BacklogMemLimit   int
}

type role int

const (
	roleAcceptor role = iota
	roleInitiator
)

func (r role) String() string {
	if r == roleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

type state int

const (
	stateIdle state = iota
	// stateHandshake: control channel is being set up or the tunnel is
	// not confirmed yet.
	stateHandshake
	stateEstablished
	stateClosed
)

// Session is one control connection plus its tunnel. All methods run on
// the reactor goroutine.
type Session struct {
	env     *Env
	handler Handler
	id      uuid.UUID
	log     *zap.Logger
	role    role
	state   state
	opened  bool

	ctrl    *transport.Conn
	framer  *protocol.Framer
	tun     *tunnel.Tunnel
	conv    uint32
	ownConv bool
	backlog *cache.Backlog

	hb        HeartBeat
	hbTimer   api.Cancelable
	liveTimer api.Cancelable
}

// New returns an idle session bound to env.
func New(env *Env, h Handler) *Session {
	id := uuid.New()
	log := env.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session").With(zap.Stringer("session", id))
	interval := env.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	s := &Session{
		env:     env,
		handler: h,
		id:      id,
		log:     log,
		backlog: cache.New(env.BacklogMemLimit, log),
		hb:      HeartBeat{Interval: interval},
	}
	s.framer = protocol.NewFramer(protocol.MaxMessageLen, s.onMessage)
	return s
}

// ID returns the session id used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Conv returns the conversation id, zero before the tunnel exists.
func (s *Session) Conv() uint32 { return s.conv }

// Established reports whether the tunnel handshake completed.
func (s *Session) Established() bool { return s.state == stateEstablished }

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool { return s.state == stateClosed }

// Backlogged reports application writes waiting for the tunnel.
func (s *Session) Backlogged() int { return s.backlog.Len() }

// HeartBeat returns a copy of the heartbeat record.
func (s *Session) HeartBeat() HeartBeat { return s.hb }

// Accept takes over an accepted control connection as the acceptor: it
// draws a conv, creates the tunnel and announces it to the peer. The
// session owns fd even when Accept fails.
func (s *Session) Accept(fd int) error {
	if s.state != stateIdle {
		unix.Close(fd)
		return fmt.Errorf("session accept: %w", api.ErrInvalidArgument)
	}
	s.role = roleAcceptor
	conv, err := s.env.Convs.Acquire()
	if err != nil {
		unix.Close(fd)
		s.state = stateClosed
		return fmt.Errorf("session accept: %w", err)
	}

	s.ctrl = transport.NewConn(s.env.Reactor, controlEvents{s}, s.env.Bufs, s.log)
	if err := s.ctrl.Accept(fd); err != nil {
		s.env.Convs.Release(conv)
		s.state = stateClosed
		return fmt.Errorf("session accept: %w", err)
	}
	tun, err := s.env.Group.CreateTunnel(conv, tunnel.HandlerFunc(s.onTunnelRecv))
	if err != nil {
		s.ctrl.Shutdown()
		s.env.Convs.Release(conv)
		s.state = stateClosed
		return fmt.Errorf("session accept: %w", err)
	}
	s.tun, s.conv, s.ownConv = tun, conv, true
	s.log = s.log.With(zap.Uint32("conv", conv))
	s.open()

	if err := s.ctrl.Send(protocol.EncodeMessage(protocol.Message{ID: protocol.MsgCreateTunnel, Conv: conv})); err != nil {
		s.teardown(reasonLabel(err), nil)
		return fmt.Errorf("session accept: %w", err)
	}
	if s.state == stateHandshake {
		s.startHeartbeat()
	}
	return nil
}

// Connect dials the acceptor's control address as the initiator. The
// tunnel is created when the acceptor announces its conv.
func (s *Session) Connect(address string) error {
	if s.state != stateIdle {
		return fmt.Errorf("session connect: %w", api.ErrInvalidArgument)
	}
	s.role = roleInitiator
	s.ctrl = transport.NewConn(s.env.Reactor, controlEvents{s}, s.env.Bufs, s.log)
	s.open()
	if err := s.ctrl.Connect(address); err != nil {
		s.teardown("connect_failed", nil)
		return fmt.Errorf("session connect %s: %w", address, err)
	}
	return nil
}

// Send writes data through the tunnel, or holds it until the tunnel is
// established.
func (s *Session) Send(data []byte) error {
	switch s.state {
	case stateEstablished:
		return s.tun.Send(data)
	case stateIdle, stateHandshake:
		return s.backlog.Cache(data)
	default:
		return fmt.Errorf("session %s: %w", s.id, api.ErrClosed)
	}
}

// Shutdown tears the session down without notifying the handler.
func (s *Session) Shutdown() {
	s.teardown("shutdown", nil)
}

func (s *Session) open() {
	s.state = stateHandshake
	s.opened = true
	s.env.Metrics.SessionOpened()
	s.env.Sessions.add(s)
}

func (s *Session) startHeartbeat() {
	if s.hbTimer != nil {
		return
	}
	s.hb.LastRecv = s.env.Timers.Now()
	s.hbTimer = s.env.Timers.Every(s.hb.Interval, s.sendHeartbeat)
	s.liveTimer = s.env.Timers.Every(2*s.hb.Interval, s.checkLiveness)
}

func (s *Session) sendHeartbeat() {
	if s.state == stateClosed {
		return
	}
	s.hb.LastSent = s.env.Timers.Now()
	s.sendControl(protocol.MsgHeartbeatRequest)
}

func (s *Session) checkLiveness() {
	if s.state == stateClosed || !s.hb.IsTimeout(s.env.Timers.Now()) {
		return
	}
	s.log.Warn("peer stopped answering heartbeats",
		zap.Time("last_sent", s.hb.LastSent),
		zap.Time("last_recv", s.hb.LastRecv))
	s.env.Metrics.HeartbeatTimeout()
	err := api.NewNetError(api.ReasonGeneralNetwork, "heartbeat", ErrHeartbeatTimeout)
	s.teardown("heartbeat_timeout", func() { s.handler.OnError(s, err) })
}

func (s *Session) sendControl(id protocol.MsgID) {
	if err := s.ctrl.Send(protocol.EncodeMessage(protocol.Message{ID: id})); err != nil {
		s.log.Debug("control send failed", zap.Stringer("msg", id), zap.Error(err))
	}
}

func (s *Session) onMessage(body []byte) {
	m, err := protocol.DecodeMessage(body)
	if err != nil {
		s.fail("decode", err)
		return
	}
	switch m.ID {
	case protocol.MsgCreateTunnel:
		s.onCreateTunnel(m.Conv)
	case protocol.MsgConfirmTunnel:
		if s.role != roleAcceptor || s.state != stateHandshake {
			s.log.Warn("unexpected tunnel confirmation", zap.Stringer("role", s.role))
			return
		}
		s.establish()
	case protocol.MsgHeartbeatRequest:
		s.sendControl(protocol.MsgHeartbeatResponse)
	case protocol.MsgHeartbeatResponse:
		s.hb.LastRecv = s.env.Timers.Now()
	}
}

func (s *Session) onCreateTunnel(conv uint32) {
	if s.role != roleInitiator || s.tun != nil {
		s.log.Warn("unexpected tunnel announcement", zap.Uint32("conv", conv), zap.Stringer("role", s.role))
		return
	}
	tun, err := s.env.Group.CreateTunnel(conv, tunnel.HandlerFunc(s.onTunnelRecv))
	if err != nil {
		s.log.Warn("tunnel creation failed", zap.Uint32("conv", conv), zap.Error(err))
		s.teardown("create_tunnel_failed", func() { s.handler.OnCreateTunnelFailed(s, err) })
		return
	}
	s.tun, s.conv = tun, conv
	s.log = s.log.With(zap.Uint32("conv", conv))
	s.sendControl(protocol.MsgConfirmTunnel)
	if s.state == stateHandshake {
		s.establish()
	}
}

// establish moves held application bytes into the tunnel and reports the
// session as connected.
func (s *Session) establish() {
	s.state = stateEstablished
	s.backlog.FlushAll(func(b []byte) bool {
		if err := s.tun.Send(b); err != nil {
			s.log.Warn("backlog flush into tunnel failed", zap.Error(err))
			return false
		}
		return true
	})
	s.log.Debug("session established", zap.Stringer("role", s.role))
	s.handler.OnConnected(s)
}

func (s *Session) onTunnelRecv(_ *tunnel.Tunnel, data []byte) {
	if s.state == stateClosed {
		return
	}
	s.handler.OnRecv(s, data)
}

func (s *Session) fail(op string, err error) {
	s.log.Warn("session failed", zap.String("op", op), zap.Error(err))
	s.teardown(reasonLabel(err), func() { s.handler.OnError(s, err) })
}

// teardown releases everything the session holds, then calls notify.
func (s *Session) teardown(reason string, notify func()) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.hbTimer != nil {
		s.hbTimer.Cancel()
		s.liveTimer.Cancel()
	}
	if s.tun != nil {
		s.env.Group.DestroyTunnel(s.tun)
		s.tun = nil
	}
	if s.ownConv {
		s.env.Convs.Release(s.conv)
		s.ownConv = false
	}
	s.framer.Reset()
	if s.ctrl != nil {
		s.ctrl.Shutdown()
	}
	if err := s.backlog.Close(); err != nil {
		s.log.Warn("backlog close failed", zap.Error(err))
	}
	if s.opened {
		s.env.Metrics.SessionClosed(reason)
		s.env.Sessions.remove(s)
	}
	s.log.Debug("session closed", zap.String("reason", reason))
	if notify != nil {
		notify()
	}
}

func reasonLabel(err error) string {
	switch api.ReasonOf(err) {
	case api.ReasonCorruptedPacket:
		return "corrupted_packet"
	case api.ReasonNoSuchPort:
		return "no_such_port"
	case api.ReasonClientDisconnected:
		return "peer_reset"
	default:
		return "error"
	}
}

// controlEvents routes control connection callbacks into the session.
type controlEvents struct{ s *Session }

func (e controlEvents) OnConnected(*transport.Conn) {
	e.s.log.Debug("control channel connected")
	e.s.startHeartbeat()
}

func (e controlEvents) OnDisconnected(*transport.Conn) {
	s := e.s
	s.teardown("disconnected", func() { s.handler.OnDisconnected(s) })
}

func (e controlEvents) OnRecv(_ *transport.Conn, data []byte) {
	s := e.s
	if s.state == stateClosed {
		return
	}
	if err := s.framer.Input(data); err != nil && s.state != stateClosed {
		s.fail("frame", err)
	}
}

func (e controlEvents) OnError(_ *transport.Conn, err error) {
	e.s.fail("control", err)
}
