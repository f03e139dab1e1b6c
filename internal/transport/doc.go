// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking stream and datagram sockets driven by an api.Reactor.
// Conn is the asynchronous TCP endpoint with an ordered outbound queue,
// Listener accepts control and application connections, PacketConn is the
// bound UDP socket shared by a tunnel group. All types are used from the
// reactor goroutine only.

package transport
