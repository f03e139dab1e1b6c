// File: client/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/internal/session"
	"github.com/momentics/fasttun/internal/transport"
)

// Bridge pairs one local application connection with one initiator
// session. Local bytes sent before the tunnel is confirmed are held by
// the session.
type Bridge struct {
	c      *Client
	id     uuid.UUID
	peer   unix.Sockaddr
	log    *zap.Logger
	local  *transport.Conn
	sess   *session.Session
	closed bool
}

func newBridge(c *Client, peer unix.Sockaddr) *Bridge {
	b := &Bridge{c: c, peer: peer}
	b.sess = session.New(c.rt.SessionEnv(), sessionEvents{b})
	b.id = b.sess.ID()
	b.log = c.log.With(zap.Stringer("session", b.id))
	b.local = transport.NewConn(c.rt.Reactor(), localEvents{b}, c.rt.Bufs(), b.log)
	return b
}

// ID returns the id shared with the bridge's session.
func (b *Bridge) ID() uuid.UUID { return b.id }

// Session returns the tunnel side of the bridge.
func (b *Bridge) Session() *session.Session { return b.sess }

func (b *Bridge) accept(fd int) error {
	if err := b.local.Accept(fd); err != nil {
		b.closed = true
		return err
	}
	if err := b.sess.Connect(b.c.remote); err != nil {
		b.shutdown()
		return err
	}
	if b.closed {
		return fmt.Errorf("bridge %s closed during accept: %w", b.id, api.ErrClosed)
	}
	return nil
}

func (b *Bridge) close(why string) {
	if b.closed {
		return
	}
	b.shutdown()
	b.c.release(b, why)
}

func (b *Bridge) shutdown() {
	if b.closed {
		return
	}
	b.closed = true
	b.sess.Shutdown()
	b.local.Shutdown()
}

type localEvents struct{ b *Bridge }

func (localEvents) OnConnected(*transport.Conn) {}

func (e localEvents) OnDisconnected(*transport.Conn) { e.b.close("local_closed") }

func (e localEvents) OnRecv(_ *transport.Conn, data []byte) {
	b := e.b
	if err := b.sess.Send(data); err != nil {
		b.log.Warn("send into tunnel failed", zap.Error(err))
		b.close("tunnel_send_failed")
	}
}

func (e localEvents) OnError(_ *transport.Conn, err error) {
	e.b.log.Debug("local connection error", zap.Error(err))
	e.b.close("local_error")
}

type sessionEvents struct{ b *Bridge }

func (e sessionEvents) OnConnected(s *session.Session) {
	e.b.log.Debug("tunnel established", zap.Uint32("conv", s.Conv()))
}

func (e sessionEvents) OnDisconnected(*session.Session) { e.b.close("server_disconnected") }

func (e sessionEvents) OnError(_ *session.Session, err error) {
	e.b.log.Warn("session error", zap.Error(err))
	e.b.close("session_error")
}

func (e sessionEvents) OnCreateTunnelFailed(_ *session.Session, err error) {
	e.b.log.Warn("tunnel creation failed", zap.Error(err))
	e.b.close("create_tunnel_failed")
}

func (e sessionEvents) OnRecv(_ *session.Session, data []byte) {
	b := e.b
	if err := b.local.Send(data); err != nil {
		b.log.Debug("local send failed", zap.Error(err))
		b.close("local_send_failed")
	}
}
