// File: internal/tunnel/tunnel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tunnel

import (
	"fmt"

	"github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/internal/cache"
	"github.com/momentics/fasttun/internal/transport"
)

// MaxSendChunk is the largest message handed to the engine at once; kcp-go
// rejects messages that span more than 255 fragments.
const MaxSendChunk = 64 << 10

// kcpOverhead is the KCP segment header length.
const kcpOverhead = 24

// sendChunk returns the largest message a peer with window wnd can
// reassemble. The receiver only delivers a message once all of its
// fragments fit in rcv_wnd.
func sendChunk(mtu, wnd int) int {
	mss := mtu - kcpOverhead
	n := (wnd - 1) * mss
	if n < mss {
		n = mss
	}
	if n > MaxSendChunk {
		n = MaxSendChunk
	}
	return n
}

// Handler receives messages reassembled by a Tunnel.
type Handler interface {
	OnTunnelRecv(t *Tunnel, data []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(t *Tunnel, data []byte)

func (f HandlerFunc) OnTunnelRecv(t *Tunnel, data []byte) { f(t, data) }

// Tunnel is one KCP conversation inside a Group.
type Tunnel struct {
	conv    uint32
	engine  *kcp.KCP
	group   *Group
	handler Handler

	peer    unix.Sockaddr
	pinned  bool
	backlog *cache.Backlog
	closed  bool
}

func newTunnel(g *Group, conv uint32, h Handler) *Tunnel {
	t := &Tunnel{
		conv:    conv,
		group:   g,
		handler: h,
		backlog: cache.New(g.cfg.BacklogMemLimit, g.log.With(zap.Uint32("conv", conv))),
	}
	p := g.preset
	t.engine = kcp.NewKCP(conv, func(buf []byte, size int) {
		g.output(t, buf[:size])
	})
	t.engine.NoDelay(p.NoDelay, p.Interval, p.Resend, p.NoCongestion)
	t.engine.SetMtu(p.MTU)
	t.engine.WndSize(g.cfg.SndWnd, g.cfg.RcvWnd)
	return t
}

// Conv returns the conversation id.
func (t *Tunnel) Conv() uint32 { return t.conv }

// SetHandler replaces the receive handler.
func (t *Tunnel) SetHandler(h Handler) { t.handler = h }

// Peer returns the pinned peer address, if any.
func (t *Tunnel) Peer() (unix.Sockaddr, bool) { return t.peer, t.pinned }

// Buffered reports datagrams held until the peer address is learned.
func (t *Tunnel) Buffered() int { return t.backlog.Len() }

// WaitSnd reports segments not yet acknowledged by the peer.
func (t *Tunnel) WaitSnd() int { return t.engine.WaitSnd() }

// Send queues data on the engine in chunks the window can carry, at most
// MaxSendChunk. The bytes go out on the next Update.
func (t *Tunnel) Send(data []byte) error {
	if t.closed {
		return fmt.Errorf("tunnel %d: %w", t.conv, api.ErrClosed)
	}
	for len(data) > 0 {
		n := len(data)
		if n > t.group.chunk {
			n = t.group.chunk
		}
		if ret := t.engine.Send(data[:n]); ret < 0 {
			return fmt.Errorf("tunnel %d: kcp send returned %d: %w", t.conv, ret, api.ErrInvalidArgument)
		}
		data = data[n:]
	}
	return nil
}

// pin binds the tunnel to addr. Only the first call has an effect.
func (t *Tunnel) pin(addr unix.Sockaddr) {
	if t.pinned {
		return
	}
	t.peer = transport.CloneSockaddr(addr)
	t.pinned = true
	t.group.log.Info("tunnel peer pinned",
		zap.Uint32("conv", t.conv),
		zap.String("peer", transport.SockaddrString(t.peer)))
	t.flushBacklog()
}

func (t *Tunnel) flushBacklog() {
	if t.backlog.Empty() {
		return
	}
	t.backlog.FlushAll(func(b []byte) bool {
		t.group.sendTo(b, t.peer)
		return true
	})
}

// drain hands every complete message to the handler. It stops early when
// the handler destroys the tunnel.
func (t *Tunnel) drain() {
	for !t.closed {
		n := t.engine.PeekSize()
		if n < 0 {
			return
		}
		buf := make([]byte, n)
		if t.engine.Recv(buf) < 0 {
			return
		}
		if t.handler != nil {
			t.handler.OnTunnelRecv(t, buf)
		}
	}
}

func (t *Tunnel) release() error {
	t.closed = true
	t.engine.ReleaseTX()
	return t.backlog.Close()
}
