//go:build linux
// +build linux

// File: internal/transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Asynchronous TCP endpoint. Writes go straight to the socket when the
// outbound queue is empty; anything the kernel does not take is queued in
// order and flushed on write readiness.

package transport

import (
	"bytes"
	"fmt"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/pool"
)

const (
	// RecvChunkSize is the size of a single read(2).
	RecvChunkSize = 8 << 10
	// MaxRecvPerCycle caps the bytes taken from one socket per readiness
	// notification so a fast sender cannot starve the other descriptors.
	MaxRecvPerCycle = 1 << 20
)

// Status is the lifecycle state of a Conn.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Handler receives Conn events. Callbacks run on the reactor goroutine and
// may call back into the Conn, including Shutdown.
type Handler interface {
	OnConnected(c *Conn)
	// OnDisconnected fires once when the peer closes the stream.
	OnDisconnected(c *Conn)
	// OnRecv hands over data the handler now owns.
	OnRecv(c *Conn, data []byte)
	// OnError fires once on a fatal socket error. err carries an api.Reason.
	OnError(c *Conn, err error)
}

type record struct {
	data []byte
	sent int
}

// Conn is a non-blocking TCP socket registered with a reactor.
type Conn struct {
	reactor api.Reactor
	handler Handler
	bufs    *pool.BytePool
	log     *zap.Logger

	fd     int
	status Status
	peer   unix.Sockaddr

	pending      *queue.Queue // of *record
	pendingBytes int
	recvBuf      bytes.Buffer

	readRegistered  bool
	writeRegistered bool
}

// NewConn returns a closed Conn. bufs may be shared between connections.
func NewConn(r api.Reactor, h Handler, bufs *pool.BytePool, log *zap.Logger) *Conn {
	if bufs == nil {
		bufs = pool.NewBytePool(RecvChunkSize)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		reactor: r,
		handler: h,
		bufs:    bufs,
		log:     log,
		fd:      -1,
		pending: queue.New(),
	}
}

func (c *Conn) FD() int                 { return c.fd }
func (c *Conn) Status() Status          { return c.status }
func (c *Conn) PeerAddr() unix.Sockaddr { return c.peer }

// PendingBytes reports the bytes waiting in the outbound queue.
func (c *Conn) PendingBytes() int { return c.pendingBytes }

// busy reports whether the Conn holds a descriptor. A closed or failed
// Conn may be reused by Accept or Connect.
func (c *Conn) busy() bool {
	return c.status == StatusConnecting || c.status == StatusConnected
}

// Accept adopts an already connected descriptor. The Conn owns fd from here
// on, also when Accept fails.
func (c *Conn) Accept(fd int) error {
	if c.busy() || fd < 0 {
		if fd >= 0 {
			unix.Close(fd)
		}
		return fmt.Errorf("accept fd %d in state %s: %w", fd, c.status, api.ErrInvalidArgument)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return wrap("accept", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c.fd = fd
	c.peer, _ = unix.Getpeername(fd)
	if !c.reactor.RegisterForRead(fd, c) {
		c.teardown(StatusError)
		return fmt.Errorf("accept fd %d: register read: %w", fd, api.ErrAlreadyExists)
	}
	c.readRegistered = true
	c.status = StatusConnected
	return nil
}

// Connect resolves a "host:port" TCP address and starts connecting to it.
func (c *Conn) Connect(address string) error {
	sa, err := ResolveSockaddr("tcp", address)
	if err != nil {
		return err
	}
	return c.ConnectSockaddr(sa)
}

// ConnectSockaddr starts a non-blocking connect. An immediate success fires
// OnConnected before returning; otherwise completion or failure is reported
// through the Handler. A synchronous failure is returned and fires nothing.
func (c *Conn) ConnectSockaddr(sa unix.Sockaddr) error {
	if c.busy() {
		return fmt.Errorf("connect in state %s: %w", c.status, api.ErrInvalidArgument)
	}
	fd, err := unix.Socket(familyOf(sa), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return wrap("socket", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	c.fd = fd
	c.peer = sa

	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		if !c.reactor.RegisterForRead(fd, c) {
			c.teardown(StatusError)
			return fmt.Errorf("connect: register read: %w", api.ErrAlreadyExists)
		}
		c.readRegistered = true
		c.status = StatusConnected
		c.handler.OnConnected(c)
		return nil
	case unix.EINPROGRESS, unix.EINTR:
		if !c.reactor.RegisterForWrite(fd, c) {
			c.teardown(StatusError)
			return fmt.Errorf("connect: register write: %w", api.ErrAlreadyExists)
		}
		c.writeRegistered = true
		c.status = StatusConnecting
		return nil
	default:
		c.teardown(StatusError)
		return wrap("connect "+SockaddrString(sa), err)
	}
}

// Send writes data or queues what the socket cannot take right now. Queued
// bytes always go out before bytes of later calls. I/O failures are
// reported through OnError, not returned.
func (c *Conn) Send(data []byte) error {
	if c.status != StatusConnected {
		return api.NewNetError(api.ReasonGeneralNetwork, "send", api.ErrNotConnected)
	}
	if len(data) == 0 {
		return nil
	}
	if c.pending.Length() > 0 {
		if !c.flushPending() {
			return nil
		}
	}
	if c.pending.Length() > 0 {
		c.enqueue(data, 0)
		return nil
	}

	n, err := c.write(data)
	if err != nil {
		c.fail("send", err)
		return nil
	}
	if n < len(data) {
		c.enqueue(data, n)
	}
	return nil
}

// Shutdown closes the socket without notifying the handler. It is safe to
// call any number of times.
func (c *Conn) Shutdown() {
	if c.fd < 0 {
		c.status = StatusClosed
		return
	}
	c.teardown(StatusClosed)
}

// HandleRead drains the socket into one owned buffer and delivers it.
func (c *Conn) HandleRead(int) {
	if c.status != StatusConnected {
		return
	}
	var (
		eof     bool
		readErr error
	)
	buf := c.bufs.GetBuffer()
	for c.recvBuf.Len() < MaxRecvPerCycle {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				readErr = err
			}
			break
		}
		if n == 0 {
			eof = true
			break
		}
		c.recvBuf.Write(buf[:n])
	}
	c.bufs.PutBuffer(buf)
	if c.recvBuf.Len() >= MaxRecvPerCycle {
		c.log.Warn("receive cap reached, deferring rest to next cycle",
			zap.Int("fd", c.fd), zap.Int("bytes", c.recvBuf.Len()))
	}

	if c.recvBuf.Len() > 0 {
		data := bytes.Clone(c.recvBuf.Bytes())
		c.recvBuf.Reset()
		c.handler.OnRecv(c, data)
		if c.status != StatusConnected {
			return
		}
	}

	switch {
	case readErr != nil:
		c.fail("recv", readErr)
	case eof:
		c.teardown(StatusClosed)
		c.handler.OnDisconnected(c)
	}
}

// HandleWrite completes a pending connect or flushes the outbound queue.
func (c *Conn) HandleWrite(int) {
	switch c.status {
	case StatusConnecting:
		c.finishConnect()
	case StatusConnected:
		if c.flushPending() && c.pending.Length() == 0 {
			c.dropWrite()
		}
	}
}

// HandleError is called by the reactor on error or hangup readiness.
func (c *Conn) HandleError(fd int) {
	switch c.status {
	case StatusConnecting:
		c.finishConnect()
	case StatusConnected:
		c.HandleRead(fd)
		if c.status == StatusConnected {
			if errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && errno != 0 {
				c.fail("socket", unix.Errno(errno))
			}
		}
	}
}

func (c *Conn) finishConnect() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && errno != 0 {
		err = unix.Errno(errno)
	}
	if err != nil {
		c.fail("connect "+SockaddrString(c.peer), err)
		return
	}
	c.dropWrite()
	if !c.reactor.RegisterForRead(c.fd, c) {
		c.fail("connect", api.NewNetError(api.ReasonGeneralNetwork, "register read", api.ErrAlreadyExists))
		return
	}
	c.readRegistered = true
	c.status = StatusConnected
	c.handler.OnConnected(c)
}

// write performs one write(2). EAGAIN counts as zero bytes written.
func (c *Conn) write(b []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, b)
		switch {
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		default:
			return 0, err
		}
	}
}

// flushPending writes queued records in order. Returns false if the Conn
// failed while writing.
func (c *Conn) flushPending() bool {
	for c.pending.Length() > 0 {
		rec := c.pending.Peek().(*record)
		n, err := c.write(rec.data[rec.sent:])
		if err != nil {
			c.fail("send", err)
			return false
		}
		rec.sent += n
		c.pendingBytes -= n
		if rec.sent < len(rec.data) {
			return true
		}
		c.pending.Remove()
	}
	return true
}

func (c *Conn) enqueue(data []byte, sent int) {
	owned := bytes.Clone(data[sent:])
	c.pending.Add(&record{data: owned})
	c.pendingBytes += len(owned)
	c.wantWrite()
}

func (c *Conn) wantWrite() {
	if c.writeRegistered {
		return
	}
	if c.reactor.RegisterForWrite(c.fd, c) {
		c.writeRegistered = true
	}
}

func (c *Conn) dropWrite() {
	if c.writeRegistered {
		c.reactor.DeregisterForWrite(c.fd)
		c.writeRegistered = false
	}
}

// fail tears the socket down first and only then reports the error.
func (c *Conn) fail(op string, err error) {
	reason := Classify(err)
	if reason == api.ReasonResourceUnavailable {
		return
	}
	c.log.Debug("socket failure",
		zap.Int("fd", c.fd),
		zap.String("op", op),
		zap.Stringer("reason", reason),
		zap.Error(err))
	c.teardown(StatusError)
	c.handler.OnError(c, api.NewNetError(reason, op, err))
}

func (c *Conn) teardown(st Status) {
	if c.readRegistered {
		c.reactor.DeregisterForRead(c.fd)
		c.readRegistered = false
	}
	c.dropWrite()
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	for c.pending.Length() > 0 {
		c.pending.Remove()
	}
	c.pendingBytes = 0
	c.recvBuf.Reset()
	c.status = st
}
