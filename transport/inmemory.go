// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport provides [github.com/riverrpc/river.Connection]
// implementations: an in-process pipe for tests and demos, and a
// WebSocket transport for real networks.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/riverrpc/river"
)

// inMemoryConn is a Connection backed by a direct, in-process link to its
// peer; no copying, framing, or network stack involved. Inbound data is
// queued and delivered by a dedicated goroutine rather than on the sender's
// call stack, so a peer that replies immediately (an echo server, say)
// never calls back into the sender's own transport mid-Send: a real socket
// never does that either, since the kernel buffers in between.
type inMemoryConn struct {
	mu      sync.Mutex
	peer    *inMemoryConn
	onData  func([]byte)
	onClose func()
	closed  bool

	inbox chan []byte
	done  chan struct{}
}

// InMemoryPair returns two connected, in-process Connections: data sent on
// one is delivered, in order, to the other's listeners.
func InMemoryPair() (river.Connection, river.Connection) {
	a := &inMemoryConn{inbox: make(chan []byte, 64), done: make(chan struct{})}
	b := &inMemoryConn{inbox: make(chan []byte, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func (c *inMemoryConn) deliverLoop() {
	for {
		select {
		case data := <-c.inbox:
			c.mu.Lock()
			onData := c.onData
			closed := c.closed
			c.mu.Unlock()
			if !closed && onData != nil {
				onData(data)
			}
		case <-c.done:
			return
		}
	}
}

func (c *inMemoryConn) SetListeners(onData func([]byte), onClose func(), onError func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = onData
	c.onClose = onClose
}

// Send queues data on the peer's inbox for its delivery goroutine to
// dispatch, preserving the order Send was called in without ever running
// the peer's onData on this call's stack.
func (c *inMemoryConn) Send(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	peer := c.peer
	c.mu.Unlock()
	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return false
	}
	peer.inbox <- data
	return true
}

func (c *inMemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	peer := c.peer
	c.mu.Unlock()
	close(c.done)
	if onClose != nil {
		onClose()
	}
	if peer != nil {
		peer.peerClosed()
	}
	return nil
}

func (c *inMemoryConn) peerClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()
	close(c.done)
	if onClose != nil {
		onClose()
	}
}

// InMemoryNetwork is a process-local registry mapping peer addresses to
// accept callbacks, letting a ClientTransport's DialFunc reach a
// ServerTransport without a real socket.
type InMemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]func(river.Connection)
}

// NewInMemoryNetwork returns an empty registry.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{listeners: make(map[string]func(river.Connection))}
}

// Listen registers accept to be called with the server-side Connection
// whenever Dial targets addr.
func (n *InMemoryNetwork) Listen(addr string, accept func(river.Connection)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[addr] = accept
}

// Dial implements river.DialFunc.
func (n *InMemoryNetwork) Dial(ctx context.Context, to string) (river.Connection, error) {
	n.mu.Lock()
	accept, ok := n.listeners[to]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no in-memory listener registered for %q", to)
	}
	client, server := InMemoryPair()
	accept(server)
	return client, nil
}
