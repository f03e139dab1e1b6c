// File: internal/transport/sockaddr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
)

// ResolveSockaddr resolves "host:port" for network "tcp" or "udp" into a
// raw socket address.
func ResolveSockaddr(network, address string) (unix.Sockaddr, error) {
	var (
		ip   net.IP
		port int
		zone string
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		a, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", address, err)
		}
		ip, port, zone = a.IP, a.Port, a.Zone
	case "udp", "udp4", "udp6":
		a, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", address, err)
		}
		ip, port, zone = a.IP, a.Port, a.Zone
	default:
		return nil, fmt.Errorf("network %q: %w", network, api.ErrInvalidArgument)
	}

	if ip == nil || ip.To4() != nil {
		sa := &unix.SockaddrInet4{Port: port}
		if ip != nil {
			copy(sa.Addr[:], ip.To4())
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	if zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

// SockaddrString formats an IPv4/IPv6 socket address as "host:port".
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", sa)
	}
}

// SockaddrEqual compares two IP socket addresses by family, address and port.
func SockaddrEqual(a, b unix.Sockaddr) bool {
	switch x := a.(type) {
	case *unix.SockaddrInet4:
		y, ok := b.(*unix.SockaddrInet4)
		return ok && x.Port == y.Port && x.Addr == y.Addr
	case *unix.SockaddrInet6:
		y, ok := b.(*unix.SockaddrInet6)
		return ok && x.Port == y.Port && x.Addr == y.Addr && x.ZoneId == y.ZoneId
	default:
		return false
	}
}

// CloneSockaddr returns an independent copy of sa. Recvfrom may hand back
// addresses that are later reused, so pinned peers are always cloned.
func CloneSockaddr(sa unix.Sockaddr) unix.Sockaddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		c := *a
		return &c
	case *unix.SockaddrInet6:
		c := *a
		return &c
	default:
		return sa
	}
}

func familyOf(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
