// Package session
// Author: momentics <momentics@gmail.com>
//
// Tunnel establishment and liveness. A Session pairs one control TCP
// connection with one KCP tunnel: the acceptor allocates a conversation
// and announces it, the initiator creates the matching tunnel and
// confirms, and both sides exchange heartbeats on the control channel
// until one of them goes away.

package session
