package client

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/facade"
	"github.com/momentics/fasttun/internal/transport"
)

func newTestClient(t *testing.T, server string) (*facade.Runtime, *Client) {
	t.Helper()
	cfg := control.Default(control.RoleClient)
	cfg.Listen = "127.0.0.1:0"
	cfg.UDPListen = "127.0.0.1:0"
	cfg.Remote = server
	cfg.Reactor = "select"
	rt, err := facade.New(cfg, zaptest.NewLogger(t), facade.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	c := NewClient(rt)
	require.NoError(t, c.Start())
	t.Cleanup(func() { assert.NoError(t, rt.Shutdown()) })
	return rt, c
}

func pump(rt *facade.Runtime, until func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if until() {
			return true
		}
		rt.Loop().RunOnce()
	}
	return until()
}

func TestStartTwiceFails(t *testing.T) {
	_, c := newTestClient(t, "127.0.0.1:1")
	assert.ErrorIs(t, c.Start(), ErrAlreadyRunning)
	assert.NotNil(t, c.Addr())
}

func TestUnreachableServerClosesLocalConnection(t *testing.T) {
	scratch, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := scratch.Addr().String()
	require.NoError(t, scratch.Close())

	rt, c := newTestClient(t, dead)
	conn, err := net.Dial("tcp", transport.SockaddrString(c.Addr()))
	require.NoError(t, err)
	defer conn.Close()

	closed := false
	require.True(t, pump(rt, func() bool {
		conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		_, err := conn.Read(make([]byte, 16))
		if err == io.EOF {
			closed = true
		} else if ne, ok := err.(net.Error); err != nil && !(ok && ne.Timeout()) {
			closed = true
		}
		return closed
	}), "local connection stayed open")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, rt.Sessions().Len())
}

func TestBridgeHoldsBytesUntilTunnelExists(t *testing.T) {
	ctrl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ctrl.Close()

	rt, c := newTestClient(t, ctrl.Addr().String())
	conn, err := net.Dial("tcp", transport.SockaddrString(c.Addr()))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("queued"))
	require.NoError(t, err)

	var b *Bridge
	require.True(t, pump(rt, func() bool {
		for _, br := range c.bridges {
			b = br
		}
		return b != nil && b.Session().Backlogged() == 1
	}))
	assert.False(t, b.Session().Established())
	assert.Equal(t, 1, rt.Sessions().Len())
}
