//go:build linux
// +build linux

// File: internal/transport/udp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"golang.org/x/sys/unix"
)

// udpSocketBuffer is requested for both kernel socket buffers.
const udpSocketBuffer = 4 << 20

// PacketConn is a bound non-blocking UDP socket. ReadFrom and WriteTo
// return raw errno values so callers can test for EAGAIN cheaply.
type PacketConn struct {
	fd    int
	local unix.Sockaddr
}

// ListenPacket binds a UDP socket on address.
func ListenPacket(address string) (*PacketConn, error) {
	sa, err := ResolveSockaddr("udp", address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(familyOf(sa), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, wrap("socket", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, udpSocketBuffer)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, udpSocketBuffer)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, wrap("bind "+address, err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, wrap("getsockname", err)
	}
	return &PacketConn{fd: fd, local: local}, nil
}

func (p *PacketConn) FD() int                  { return p.fd }
func (p *PacketConn) LocalAddr() unix.Sockaddr { return p.local }

// ReadFrom reads one datagram.
func (p *PacketConn) ReadFrom(b []byte) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(p.fd, b, 0)
}

// WriteTo sends one datagram to addr.
func (p *PacketConn) WriteTo(b []byte, addr unix.Sockaddr) error {
	return unix.Sendto(p.fd, b, 0, addr)
}

// Close closes the socket. The caller deregisters it first.
func (p *PacketConn) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
