// Package tunnel
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conversation-multiplexed KCP tunnels over one shared UDP socket.
// A Group owns the socket and every Tunnel bound to it, drives the KCP
// clocks from Update, and learns each tunnel's peer endpoint from the
// first datagram the tunnel accepts.
package tunnel
