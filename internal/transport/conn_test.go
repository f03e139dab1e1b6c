//go:build linux
// +build linux

// File: internal/transport/conn_test.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/reactor"
)

type recorder struct {
	connected    int
	disconnected int
	errs         []error
	received     bytes.Buffer

	onConnected func(c *Conn)
	onRecv      func(c *Conn, data []byte)
}

func (r *recorder) OnConnected(c *Conn) {
	r.connected++
	if r.onConnected != nil {
		r.onConnected(c)
	}
}

func (r *recorder) OnDisconnected(*Conn) { r.disconnected++ }

func (r *recorder) OnRecv(c *Conn, data []byte) {
	r.received.Write(data)
	if r.onRecv != nil {
		r.onRecv(c, data)
	}
}

func (r *recorder) OnError(_ *Conn, err error) { r.errs = append(r.errs, err) }

func newReactor(t *testing.T) api.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.KindEpoll, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func pump(r api.Reactor, until func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if until() {
			return true
		}
		r.ProcessPendingEvents(10 * time.Millisecond)
	}
	return until()
}

func socketpair(t *testing.T) [2]int {
	t.Helper()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return sp
}

func TestLoopbackEcho(t *testing.T) {
	r := newReactor(t)
	log := zaptest.NewLogger(t)

	var accepted []*Conn
	echo := &recorder{onRecv: func(c *Conn, data []byte) { c.Send(data) }}
	ln, err := Listen(r, "127.0.0.1:0", AcceptFunc(func(fd int, _ unix.Sockaddr) {
		c := NewConn(r, echo, nil, log)
		require.NoError(t, c.Accept(fd))
		accepted = append(accepted, c)
	}), log)
	require.NoError(t, err)
	defer ln.Close()

	client := &recorder{onConnected: func(c *Conn) {
		require.NoError(t, c.Send([]byte("hello, tunnel")))
	}}
	c := NewConn(r, client, nil, log)
	require.NoError(t, c.ConnectSockaddr(ln.Addr()))
	defer c.Shutdown()

	require.True(t, pump(r, func() bool { return client.received.Len() >= 13 }))
	assert.Equal(t, "hello, tunnel", client.received.String())
	assert.Equal(t, 1, client.connected)
	assert.Equal(t, StatusConnected, c.Status())
	require.Len(t, accepted, 1)

	c.Shutdown()
	assert.Equal(t, StatusClosed, c.Status())
	c.Shutdown()
	require.True(t, pump(r, func() bool { return echo.disconnected == 1 }))
	assert.Equal(t, StatusClosed, accepted[0].Status())
	assert.Empty(t, echo.errs)
}

func TestQueuedWritesArriveInOrder(t *testing.T) {
	r := newReactor(t)
	log := zaptest.NewLogger(t)
	sp := socketpair(t)

	tx := NewConn(r, &recorder{}, nil, log)
	rxRec := &recorder{}
	rx := NewConn(r, rxRec, nil, log)
	require.NoError(t, tx.Accept(sp[0]))
	require.NoError(t, rx.Accept(sp[1]))
	defer tx.Shutdown()
	defer rx.Shutdown()

	payload := make([]byte, 4<<20)
	rand.New(rand.NewSource(1)).Read(payload)

	require.NoError(t, tx.Send(payload))
	assert.Greater(t, tx.PendingBytes(), 0, "socket buffer should not take 4 MiB at once")
	require.NoError(t, tx.Send([]byte("tail")))

	want := append(append([]byte(nil), payload...), "tail"...)
	require.True(t, pump(r, func() bool { return rxRec.received.Len() >= len(want) }))
	assert.True(t, bytes.Equal(want, rxRec.received.Bytes()))
	assert.Equal(t, 0, tx.PendingBytes())
}

func TestPeerCloseDisconnects(t *testing.T) {
	r := newReactor(t)
	sp := socketpair(t)

	rec := &recorder{}
	c := NewConn(r, rec, nil, zaptest.NewLogger(t))
	require.NoError(t, c.Accept(sp[0]))

	_, err := unix.Write(sp[1], []byte("last words"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(sp[1]))

	require.True(t, pump(r, func() bool { return rec.disconnected > 0 }))
	assert.Equal(t, 1, rec.disconnected)
	assert.Equal(t, "last words", rec.received.String())
	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, -1, c.FD())
	assert.Empty(t, rec.errs)
}

func TestRefusedConnectIsNoSuchPort(t *testing.T) {
	r := newReactor(t)

	// A bound but not listening socket holds the port and refuses connects.
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)

	rec := &recorder{}
	c := NewConn(r, rec, nil, zaptest.NewLogger(t))
	if err := c.ConnectSockaddr(sa); err != nil {
		assert.Equal(t, api.ReasonNoSuchPort, api.ReasonOf(err))
		assert.Empty(t, rec.errs)
		return
	}
	require.True(t, pump(r, func() bool { return len(rec.errs) > 0 }))
	require.Len(t, rec.errs, 1)
	assert.Equal(t, api.ReasonNoSuchPort, api.ReasonOf(rec.errs[0]))
	assert.Equal(t, StatusError, c.Status())
	assert.Equal(t, 0, rec.connected)
}

func TestConnectAfterRefusalReusesConn(t *testing.T) {
	r := newReactor(t)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)

	rec := &recorder{}
	c := NewConn(r, rec, nil, zaptest.NewLogger(t))
	defer c.Shutdown()
	if err := c.ConnectSockaddr(sa); err == nil {
		require.True(t, pump(r, func() bool { return len(rec.errs) > 0 }))
	}
	assert.Equal(t, -1, c.FD())

	require.NoError(t, unix.Listen(fd, 1))
	require.NoError(t, c.ConnectSockaddr(sa))
	require.True(t, pump(r, func() bool { return rec.connected == 1 }))
	assert.Equal(t, StatusConnected, c.Status())
	assert.ErrorIs(t, c.ConnectSockaddr(sa), api.ErrInvalidArgument)
}

func TestSendRequiresConnection(t *testing.T) {
	r := newReactor(t)
	c := NewConn(r, &recorder{}, nil, zaptest.NewLogger(t))
	err := c.Send([]byte("x"))
	assert.ErrorIs(t, err, api.ErrNotConnected)
}

func TestClassify(t *testing.T) {
	cases := map[unix.Errno]api.Reason{
		unix.EAGAIN:       api.ReasonResourceUnavailable,
		unix.EINTR:        api.ReasonResourceUnavailable,
		unix.ECONNREFUSED: api.ReasonNoSuchPort,
		unix.EPIPE:        api.ReasonClientDisconnected,
		unix.ECONNRESET:   api.ReasonClientDisconnected,
		unix.ECONNABORTED: api.ReasonClientDisconnected,
		unix.ENOBUFS:      api.ReasonTransmitQueueFull,
		unix.EHOSTUNREACH: api.ReasonGeneralNetwork,
	}
	for errno, want := range cases {
		assert.Equal(t, want, Classify(errno), errno.Error())
	}
	assert.Equal(t, api.ReasonSuccess, Classify(nil))
	assert.True(t, IsWouldBlock(unix.EAGAIN))
}

func TestSockaddrHelpers(t *testing.T) {
	sa, err := ResolveSockaddr("udp", "127.0.0.1:29901")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:29901", SockaddrString(sa))

	other := CloneSockaddr(sa)
	assert.True(t, SockaddrEqual(sa, other))
	other.(*unix.SockaddrInet4).Port++
	assert.False(t, SockaddrEqual(sa, other))

	_, err = ResolveSockaddr("sctp", "127.0.0.1:1")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestPacketConnRoundTrip(t *testing.T) {
	a, err := ListenPacket("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenPacket("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 64)
	_, _, err = b.ReadFrom(buf)
	assert.True(t, IsWouldBlock(err))

	require.NoError(t, a.WriteTo([]byte("dgram"), b.LocalAddr()))
	require.Eventually(t, func() bool {
		n, from, err := b.ReadFrom(buf)
		if err != nil {
			return false
		}
		return string(buf[:n]) == "dgram" && SockaddrEqual(from, a.LocalAddr())
	}, time.Second, 5*time.Millisecond)
}
