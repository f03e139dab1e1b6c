// File: server/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bridge pairs one tunnel session with one upstream TCP connection.

package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/internal/cache"
	"github.com/momentics/fasttun/internal/session"
	"github.com/momentics/fasttun/internal/transport"
)

// Bridge relays bytes between a session and the upstream service. Bytes
// arriving while upstream is down are held in pending and replayed, in
// order, once it reconnects.
type Bridge struct {
	srv  *Server
	id   uuid.UUID
	peer unix.Sockaddr
	log  *zap.Logger

	sess    *session.Session
	up      *transport.Conn
	pending *cache.Backlog

	limiter *rate.Limiter
	retry   api.Cancelable
	closed  bool
}

func newBridge(s *Server, peer unix.Sockaddr) *Bridge {
	cfg := s.rt.Config()
	b := &Bridge{
		srv:     s,
		peer:    peer,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectBackoff), 1),
	}
	b.sess = session.New(s.rt.SessionEnv(), sessionEvents{b})
	b.id = b.sess.ID()
	b.log = s.log.With(zap.Stringer("session", b.id))

	var opts []cache.Option
	if s.spoolDir != "" {
		opts = append(opts, cache.WithDiskDir(s.spoolDir))
	}
	b.pending = cache.New(int(cfg.BacklogMemLimit), b.log, opts...)
	b.up = transport.NewConn(s.rt.Reactor(), upstreamEvents{b}, s.rt.Bufs(), b.log)
	return b
}

// ID returns the id shared with the bridge's session.
func (b *Bridge) ID() uuid.UUID { return b.id }

// Pending reports records waiting for the upstream connection.
func (b *Bridge) Pending() int { return b.pending.Len() }

func (b *Bridge) accept(fd int) error {
	if err := b.sess.Accept(fd); err != nil {
		b.closed = true
		b.pending.Close()
		return err
	}
	// The control write can fail inside Accept and close the bridge.
	if b.closed {
		return fmt.Errorf("bridge %s closed during accept: %w", b.id, api.ErrClosed)
	}
	b.limiter.AllowN(b.now(), 1)
	err := b.up.Connect(b.srv.upstream)
	switch {
	case err == nil:
	case api.ReasonOf(err) == api.ReasonNoSuchPort:
		b.log.Warn("upstream refused, holding tunnel bytes", zap.Error(err))
	default:
		b.shutdown()
		return err
	}
	if b.closed {
		return fmt.Errorf("bridge %s closed during accept: %w", b.id, api.ErrClosed)
	}
	return nil
}

func (b *Bridge) now() time.Time { return b.srv.rt.Timers().Now() }

// toUpstream forwards tunnel bytes, holding them while upstream is down.
func (b *Bridge) toUpstream(data []byte) {
	if b.up.Status() == transport.StatusConnected && b.flush() {
		if err := b.up.Send(data); err == nil {
			return
		}
	}
	if err := b.pending.Cache(data); err != nil {
		b.log.Error("upstream backlog failed", zap.Error(err))
		b.close("backlog_failed")
		return
	}
	b.reconnect()
}

func (b *Bridge) flush() bool {
	return b.pending.FlushAll(func(d []byte) bool {
		return b.up.Send(d) == nil
	})
}

// reconnect dials upstream again, at most once per reconnect_backoff. A
// denied attempt is retried by timer while bytes are pending.
func (b *Bridge) reconnect() {
	if b.closed || b.retry != nil {
		return
	}
	if st := b.up.Status(); st == transport.StatusConnecting || st == transport.StatusConnected {
		return
	}
	now := b.now()
	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		if !b.pending.Empty() {
			b.scheduleRetry(delay)
		}
		return
	}
	b.log.Debug("reconnecting upstream", zap.String("upstream", b.srv.upstream))
	if err := b.up.Connect(b.srv.upstream); err != nil {
		b.log.Warn("upstream connect failed", zap.Error(err))
		if !b.pending.Empty() {
			b.scheduleRetry(b.srv.rt.Config().ReconnectBackoff)
		}
	}
}

func (b *Bridge) scheduleRetry(delay time.Duration) {
	b.retry = b.srv.rt.Timers().Schedule(delay, func() {
		b.retry = nil
		b.reconnect()
	})
}

func (b *Bridge) close(why string) {
	if b.closed {
		return
	}
	b.shutdown()
	b.srv.release(b, why)
}

// shutdown releases both sides without notifying the server.
func (b *Bridge) shutdown() {
	if b.closed {
		return
	}
	b.closed = true
	if b.retry != nil {
		b.retry.Cancel()
		b.retry = nil
	}
	b.sess.Shutdown()
	b.up.Shutdown()
	if err := b.pending.Close(); err != nil {
		b.log.Warn("upstream backlog close failed", zap.Error(err))
	}
}

type sessionEvents struct{ b *Bridge }

func (e sessionEvents) OnConnected(s *session.Session) {
	e.b.log.Debug("tunnel confirmed", zap.Uint32("conv", s.Conv()))
}

func (e sessionEvents) OnDisconnected(*session.Session) { e.b.close("client_disconnected") }

func (e sessionEvents) OnError(_ *session.Session, err error) {
	e.b.log.Warn("session error", zap.Error(err))
	e.b.close("session_error")
}

func (e sessionEvents) OnCreateTunnelFailed(_ *session.Session, err error) {
	e.b.log.Warn("tunnel creation failed", zap.Error(err))
	e.b.close("create_tunnel_failed")
}

func (e sessionEvents) OnRecv(_ *session.Session, data []byte) { e.b.toUpstream(data) }

type upstreamEvents struct{ b *Bridge }

func (e upstreamEvents) OnConnected(*transport.Conn) {
	b := e.b
	b.log.Debug("upstream connected", zap.Int("pending", b.pending.Len()))
	b.flush()
}

func (e upstreamEvents) OnDisconnected(*transport.Conn) {
	e.b.log.Debug("upstream closed")
	e.b.reconnect()
}

func (e upstreamEvents) OnRecv(_ *transport.Conn, data []byte) {
	b := e.b
	if err := b.sess.Send(data); err != nil {
		b.log.Warn("send into tunnel failed", zap.Error(err))
	}
}

func (e upstreamEvents) OnError(_ *transport.Conn, err error) {
	e.b.log.Warn("upstream error", zap.Error(err))
	e.b.reconnect()
}
