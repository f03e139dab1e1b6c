// File: internal/tunnel/group.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Group multiplexes KCP conversations over one UDP socket. Inbound
// datagrams are routed by conv; a tunnel without a known peer learns it
// from the first datagram it accepts and keeps it for its lifetime.

package tunnel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/internal/cache"
	"github.com/momentics/fasttun/internal/transport"
)

const (
	// MaxUpdateWait is returned by Update when no tunnel needs servicing.
	MaxUpdateWait = time.Second
	// readBatch bounds datagrams read per readiness notification.
	readBatch = 64
	// maxQueuedDatagrams bounds the send queue; KCP retransmits what is dropped.
	maxQueuedDatagrams = 8192
	maxDatagram        = 64 << 10
	defaultWindow      = 128
)

// PacketConn is the datagram socket a Group sends and receives on.
// A negative FD keeps the Group off the reactor; tests feed it directly.
type PacketConn interface {
	FD() int
	ReadFrom(b []byte) (int, unix.Sockaddr, error)
	WriteTo(b []byte, addr unix.Sockaddr) error
	Close() error
}

// GroupConfig tunes a Group.
type GroupConfig struct {
	// Listen is the UDP bind address.
	Listen string
	// Remote, when set, is the single peer every tunnel sends to (client
	// role). When empty every tunnel learns its own peer.
	Remote string
	Mode   Mode
	SndWnd int
	RcvWnd int
	// BacklogMemLimit bounds the in-memory output a tunnel holds before
	// its peer is known.
	BacklogMemLimit int
}

type datagram struct {
	data []byte
	to   unix.Sockaddr
}

// Group owns a UDP socket and the tunnels multiplexed on it.
type Group struct {
	reactor api.Reactor
	conn    PacketConn
	remote  unix.Sockaddr
	cfg     GroupConfig
	preset  Preset
	chunk   int
	log     *zap.Logger
	metrics *control.Metrics

	tunnels map[uint32]*Tunnel
	clock   kcpClock
	rbuf    []byte

	sendq           *queue.Queue // of datagram
	writeRegistered bool

	unmatched     rate.Sometimes
	unmatchedSeen uint64
}

// NewGroup binds cfg.Listen and registers the socket with r.
func NewGroup(r api.Reactor, cfg GroupConfig, log *zap.Logger, m *control.Metrics) (*Group, error) {
	pc, err := transport.ListenPacket(cfg.Listen)
	if err != nil {
		return nil, err
	}
	g, err := NewGroupWithConn(r, pc, cfg, log, m)
	if err != nil {
		pc.Close()
		return nil, err
	}
	g.log.Info("tunnel group bound",
		zap.String("udp", transport.SockaddrString(pc.LocalAddr())),
		zap.Stringer("mode", cfg.Mode))
	return g, nil
}

// NewGroupWithConn builds a Group over an existing PacketConn.
func NewGroupWithConn(r api.Reactor, pc PacketConn, cfg GroupConfig, log *zap.Logger, m *control.Metrics) (*Group, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SndWnd <= 0 {
		cfg.SndWnd = defaultWindow
	}
	if cfg.RcvWnd <= 0 {
		cfg.RcvWnd = defaultWindow
	}
	if cfg.BacklogMemLimit <= 0 {
		cfg.BacklogMemLimit = cache.DefaultMemLimit
	}
	g := &Group{
		reactor:   r,
		conn:      pc,
		cfg:       cfg,
		preset:    cfg.Mode.Preset(),
		log:       log.Named("tunnel"),
		metrics:   m,
		tunnels:   make(map[uint32]*Tunnel),
		clock:     newKCPClock(),
		rbuf:      make([]byte, maxDatagram),
		sendq:     queue.New(),
		unmatched: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if cfg.Remote != "" {
		sa, err := transport.ResolveSockaddr("udp", cfg.Remote)
		if err != nil {
			return nil, err
		}
		g.remote = sa
	}
	g.chunk = sendChunk(g.preset.MTU, min(cfg.SndWnd, cfg.RcvWnd))
	if fd := pc.FD(); fd >= 0 && r != nil {
		if !r.RegisterForRead(fd, g) {
			return nil, fmt.Errorf("tunnel group: register udp fd %d: %w", fd, api.ErrAlreadyExists)
		}
	}
	return g, nil
}

// LocalAddr returns the bound UDP address, nil when the PacketConn does
// not expose one.
func (g *Group) LocalAddr() unix.Sockaddr {
	if la, ok := g.conn.(interface{ LocalAddr() unix.Sockaddr }); ok {
		return la.LocalAddr()
	}
	return nil
}

// SendChunk is the largest message Tunnel.Send hands the engine at once.
func (g *Group) SendChunk() int { return g.chunk }

// Len returns the number of live tunnels.
func (g *Group) Len() int { return len(g.tunnels) }

// Tunnel looks up the live tunnel for conv.
func (g *Group) Tunnel(conv uint32) (*Tunnel, bool) {
	t, ok := g.tunnels[conv]
	return t, ok
}

// CreateTunnel starts a conversation. It fails with api.ErrAlreadyExists
// when conv is live.
func (g *Group) CreateTunnel(conv uint32, h Handler) (*Tunnel, error) {
	if _, ok := g.tunnels[conv]; ok {
		return nil, fmt.Errorf("tunnel %d: %w", conv, api.ErrAlreadyExists)
	}
	t := newTunnel(g, conv, h)
	g.tunnels[conv] = t
	g.metrics.TunnelOpened()
	g.log.Debug("tunnel created", zap.Uint32("conv", conv))
	return t, nil
}

// DestroyTunnel removes t and releases its engine. The conv itself is
// owned by the caller.
func (g *Group) DestroyTunnel(t *Tunnel) {
	if t == nil || t.closed {
		return
	}
	if cur, ok := g.tunnels[t.conv]; ok && cur == t {
		delete(g.tunnels, t.conv)
		g.metrics.TunnelClosed()
	}
	if err := t.release(); err != nil {
		g.log.Warn("tunnel backlog close failed", zap.Uint32("conv", t.conv), zap.Error(err))
	}
	g.log.Debug("tunnel destroyed", zap.Uint32("conv", t.conv))
}

// Update advances every engine, delivers complete messages and returns
// how long the caller may sleep before the next engine deadline.
func (g *Group) Update() time.Duration {
	if len(g.tunnels) == 0 {
		return MaxUpdateWait
	}
	wait := int64(MaxUpdateWait / time.Millisecond)
	for _, t := range g.tunnels {
		t.engine.Update()
		t.drain()
		if t.closed {
			continue
		}
		now := g.clock.now()
		if d := until(t.engine.Check(), now); d < wait {
			wait = d
		}
	}
	return time.Duration(wait) * time.Millisecond
}

// HandleRead drains up to readBatch datagrams from the socket.
func (g *Group) HandleRead(int) {
	for i := 0; i < readBatch; i++ {
		n, from, err := g.conn.ReadFrom(g.rbuf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if !transport.IsWouldBlock(err) {
				g.log.Warn("udp receive failed", zap.Error(err))
			}
			return
		}
		g.dispatch(g.rbuf[:n], from)
	}
}

// dispatch routes one datagram to the tunnel whose engine accepts it.
func (g *Group) dispatch(data []byte, from unix.Sockaddr) bool {
	var t *Tunnel
	if len(data) >= 4 {
		t = g.tunnels[binary.LittleEndian.Uint32(data)]
	}
	if t == nil || t.engine.Input(data, true, false) != 0 {
		g.unmatchedSeen++
		g.metrics.DatagramUnmatched()
		g.unmatched.Do(func() {
			g.log.Info("dropping unmatched datagram",
				zap.String("from", transport.SockaddrString(from)),
				zap.Int("len", len(data)),
				zap.Uint64("unmatched_total", g.unmatchedSeen))
		})
		return false
	}
	g.metrics.DatagramIn()
	if !t.pinned && from != nil {
		t.pin(from)
	}
	t.drain()
	return true
}

// output is the engine output path.
func (g *Group) output(t *Tunnel, b []byte) {
	switch {
	case g.remote != nil:
		g.sendTo(b, g.remote)
	case t.pinned:
		t.flushBacklog()
		g.sendTo(b, t.peer)
	default:
		if err := t.backlog.Cache(b); err != nil {
			g.log.Warn("tunnel output backlog failed", zap.Uint32("conv", t.conv), zap.Error(err))
		}
	}
}

// sendTo writes one datagram, queueing it when the socket is saturated.
// b is copied before it is queued.
func (g *Group) sendTo(b []byte, to unix.Sockaddr) {
	if g.sendq.Length() == 0 {
		err := g.conn.WriteTo(b, to)
		if err == nil {
			g.metrics.DatagramOut()
			return
		}
		if !g.retryable(err) {
			g.metrics.DatagramDropped()
			g.log.Debug("udp send failed, dropping datagram",
				zap.String("to", transport.SockaddrString(to)), zap.Error(err))
			return
		}
	}
	if g.sendq.Length() >= maxQueuedDatagrams {
		g.metrics.DatagramDropped()
		return
	}
	g.sendq.Add(datagram{data: bytes.Clone(b), to: to})
	g.wantWrite()
}

func (g *Group) retryable(err error) bool {
	switch transport.Classify(err) {
	case api.ReasonResourceUnavailable, api.ReasonTransmitQueueFull:
		return true
	}
	return false
}

// HandleWrite drains the send queue.
func (g *Group) HandleWrite(int) {
	for g.sendq.Length() > 0 {
		d := g.sendq.Peek().(datagram)
		if err := g.conn.WriteTo(d.data, d.to); err != nil {
			if g.retryable(err) {
				return
			}
			g.metrics.DatagramDropped()
			g.log.Debug("udp send failed, dropping datagram", zap.Error(err))
		} else {
			g.metrics.DatagramOut()
		}
		g.sendq.Remove()
	}
	g.dropWrite()
}

// Queued reports datagrams waiting for write readiness.
func (g *Group) Queued() int { return g.sendq.Length() }

func (g *Group) wantWrite() {
	if g.writeRegistered || g.reactor == nil || g.conn.FD() < 0 {
		return
	}
	if g.reactor.RegisterForWrite(g.conn.FD(), g) {
		g.writeRegistered = true
	}
}

func (g *Group) dropWrite() {
	if g.writeRegistered {
		g.reactor.DeregisterForWrite(g.conn.FD())
		g.writeRegistered = false
	}
}

// Close destroys every tunnel and closes the socket.
func (g *Group) Close() error {
	var err error
	for conv, t := range g.tunnels {
		delete(g.tunnels, conv)
		g.metrics.TunnelClosed()
		err = multierr.Append(err, t.release())
	}
	g.dropWrite()
	if fd := g.conn.FD(); fd >= 0 && g.reactor != nil {
		g.reactor.DeregisterForRead(fd)
	}
	for g.sendq.Length() > 0 {
		g.sendq.Remove()
	}
	return multierr.Append(err, g.conn.Close())
}
