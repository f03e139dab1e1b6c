package server

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/client"
	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/facade"
	"github.com/momentics/fasttun/internal/transport"
)

type harness struct {
	t     *testing.T
	clock *clock.Mock
	srvRT *facade.Runtime
	cliRT *facade.Runtime
	srv   *Server
	cli   *client.Client
}

func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
}

func newHarness(t *testing.T, upstream string) *harness {
	t.Helper()
	h := &harness{t: t, clock: clock.NewMock()}

	scfg := control.Default(control.RoleServer)
	scfg.Listen = "127.0.0.1:0"
	scfg.UDPListen = "127.0.0.1:0"
	scfg.Remote = upstream
	scfg.ConvCount = 8
	var err error
	h.srvRT, err = facade.New(scfg, zaptest.NewLogger(t).Named("srv"),
		facade.WithClock(h.clock), facade.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	h.srv = NewServer(h.srvRT)
	require.NoError(t, h.srv.Start())

	ccfg := control.Default(control.RoleClient)
	ccfg.Listen = "127.0.0.1:0"
	ccfg.UDPListen = "127.0.0.1:0"
	ccfg.Remote = transport.SockaddrString(h.srv.Addr())
	ccfg.UDPRemote = transport.SockaddrString(h.srvRT.Group().LocalAddr())
	h.cliRT, err = facade.New(ccfg, zaptest.NewLogger(t).Named("cli"),
		facade.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	h.cli = client.NewClient(h.cliRT)
	require.NoError(t, h.cli.Start())

	t.Cleanup(func() {
		assert.NoError(t, h.cliRT.Shutdown())
		assert.NoError(t, h.srvRT.Shutdown())
	})
	return h
}

func (h *harness) pump(until func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if until() {
			return true
		}
		h.srvRT.Loop().RunOnce()
		h.cliRT.Loop().RunOnce()
	}
	return until()
}

func (h *harness) dial() net.Conn {
	c, err := net.Dial("tcp", transport.SockaddrString(h.cli.Addr()))
	require.NoError(h.t, err)
	return c
}

// collect drains whatever conn has ready into buf without blocking.
func collect(conn net.Conn, buf *bytes.Buffer) {
	tmp := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, _ := conn.Read(tmp)
	buf.Write(tmp[:n])
}

func TestClientServerEcho(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer up.Close()
	echoServer(t, up)

	h := newHarness(t, up.Addr().String())
	conn := h.dial()
	defer conn.Close()

	_, err = conn.Write([]byte("hello through the tunnel"))
	require.NoError(t, err)

	var got bytes.Buffer
	require.True(t, h.pump(func() bool {
		collect(conn, &got)
		return got.Len() >= len("hello through the tunnel")
	}), "echo not received, got %q", got.String())
	assert.Equal(t, "hello through the tunnel", got.String())
	assert.Equal(t, 1, h.srv.Len())
	assert.Equal(t, 1, h.cli.Len())

	big := bytes.Repeat([]byte("0123456789abcdef"), 16<<10)
	go conn.Write(big)
	got.Reset()
	require.True(t, h.pump(func() bool {
		collect(conn, &got)
		return got.Len() >= len(big)
	}), "bulk echo stalled at %d bytes", got.Len())
	assert.True(t, bytes.Equal(big, got.Bytes()))

	require.NoError(t, conn.Close())
	require.True(t, h.pump(func() bool { return h.cli.Len() == 0 && h.srv.Len() == 0 }))
	assert.Equal(t, 0, h.srvRT.Sessions().Len())
	assert.Equal(t, 0, h.srvRT.Group().Len())
}

func TestUpstreamReconnectReplaysPending(t *testing.T) {
	scratch, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := scratch.Addr().String()
	require.NoError(t, scratch.Close())

	h := newHarness(t, addr)
	conn := h.dial()
	defer conn.Close()
	_, err = conn.Write([]byte("early bytes"))
	require.NoError(t, err)

	var b *Bridge
	require.True(t, h.pump(func() bool {
		for _, br := range h.srv.bridges {
			b = br
		}
		return b != nil && b.Pending() > 0 && b.retry != nil
	}), "bytes were not held for the missing upstream")

	up, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer up.Close()
	echoServer(t, up)

	h.clock.Add(h.srvRT.Config().ReconnectBackoff)

	var got bytes.Buffer
	require.True(t, h.pump(func() bool {
		collect(conn, &got)
		return got.Len() >= len("early bytes")
	}), "pending bytes were not replayed, got %q", got.String())
	assert.Equal(t, "early bytes", got.String())
	assert.Equal(t, 0, b.Pending())
}

func TestShutdownClosesBridges(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer up.Close()
	echoServer(t, up)

	h := newHarness(t, up.Addr().String())
	conn := h.dial()
	defer conn.Close()
	require.True(t, h.pump(func() bool { return h.srv.Len() == 1 }))

	require.NoError(t, h.srv.Shutdown())
	assert.Equal(t, 0, h.srv.Len())
	assert.Nil(t, h.srv.Addr())
}

func TestBridgeClosedDuringAcceptIsDropped(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer up.Close()

	h := newHarness(t, up.Addr().String())
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))

	// CreateTunnel hits a reset peer, so the session dies inside Accept.
	h.srv.onAccept(fds[0], nil)
	assert.Equal(t, 0, h.srv.Len())
	assert.Equal(t, 0, h.srvRT.Sessions().Len())
	assert.Equal(t, 0, h.srvRT.Group().Len())

	require.NoError(t, up.(*net.TCPListener).SetDeadline(time.Now().Add(100*time.Millisecond)))
	c, err := up.Accept()
	if err == nil {
		c.Close()
	}
	assert.Error(t, err, "no upstream dial for a dead bridge")
}
