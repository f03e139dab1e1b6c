// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable resources for the tunnel core: fixed-size read buffers for the
// stream sockets and the bounded pool of KCP conversation identifiers.
// See bytepool.go and convpool.go.
package pool
