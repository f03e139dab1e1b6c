// File: client/client.go
// Package client accepts local application connections and carries each
// one through its own tunnel session to the server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/facade"
	"github.com/momentics/fasttun/internal/transport"
)

var ErrAlreadyRunning = errors.New("client already running")

// Client owns the local listener and the live bridges.
type Client struct {
	rt       *facade.Runtime
	log      *zap.Logger
	remote   string
	listener *transport.Listener
	bridges  map[uuid.UUID]*Bridge
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Client)(nil)

// NewClient builds a Client on rt that dials the server control address
// from the config.
func NewClient(rt *facade.Runtime) *Client {
	return &Client{
		rt:      rt,
		log:     rt.Log().Named("client"),
		remote:  rt.Config().Remote,
		bridges: make(map[uuid.UUID]*Bridge),
	}
}

// Start binds the local listener and registers c for runtime shutdown.
func (c *Client) Start() error {
	if c.listener != nil {
		return ErrAlreadyRunning
	}
	ln, err := transport.Listen(c.rt.Reactor(), c.rt.Config().Listen, transport.AcceptFunc(c.onAccept), c.log,
		transport.WithAcceptBackoff(c.rt.Timers(), transport.DefaultAcceptBackoff))
	if err != nil {
		return err
	}
	c.listener = ln
	c.rt.OnShutdown(c)
	c.log.Info("accepting local connections",
		zap.String("listen", transport.SockaddrString(ln.Addr())),
		zap.String("server", c.remote))
	return nil
}

// Addr returns the bound local address, nil before Start.
func (c *Client) Addr() unix.Sockaddr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Len returns the number of live bridges.
func (c *Client) Len() int { return len(c.bridges) }

func (c *Client) onAccept(fd int, peer unix.Sockaddr) {
	b := newBridge(c, peer)
	if err := b.accept(fd); err != nil {
		c.log.Warn("local connection dropped", zap.String("peer", transport.SockaddrString(peer)), zap.Error(err))
		return
	}
	c.bridges[b.id] = b
	c.rt.Metrics().BridgeOpened()
	c.log.Debug("bridge opened", zap.String("peer", transport.SockaddrString(peer)), zap.Int("bridges", len(c.bridges)))
}

func (c *Client) release(b *Bridge, why string) {
	if _, ok := c.bridges[b.id]; !ok {
		return
	}
	delete(c.bridges, b.id)
	c.rt.Metrics().BridgeClosed()
	c.log.Debug("bridge closed", zap.String("reason", why), zap.Int("bridges", len(c.bridges)))
}

// Shutdown closes the listener and every bridge.
func (c *Client) Shutdown() error {
	for _, b := range c.bridges {
		b.shutdown()
		c.release(b, "shutdown")
	}
	if c.listener == nil {
		return nil
	}
	err := c.listener.Close()
	c.listener = nil
	return err
}
