// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "sync"

// Listener is a callback registered with a Dispatcher.
type Listener[E any] func(E)

// Dispatcher is a typed, insertion-ordered pub/sub channel. A listener
// added while a dispatch is in progress never fires for that dispatch; a
// listener removed while a dispatch is in progress takes effect for that
// dispatch if it has not yet run. See Emit for the snapshot mechanics that
// implement this.
type Dispatcher[E any] struct {
	mu        sync.Mutex
	listeners []*listenerEntry[E]
	nextID    uint64
}

type listenerEntry[E any] struct {
	id      uint64
	fn      Listener[E]
	removed bool
}

// On registers fn and returns a function that unsubscribes it.
func (d *Dispatcher[E]) On(fn Listener[E]) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	entry := &listenerEntry[E]{id: id, fn: fn}
	d.listeners = append(d.listeners, entry)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, e := range d.listeners {
			if e.id == id {
				e.removed = true
				return
			}
		}
	}
}

// Emit delivers ev to every listener registered before Emit was called, in
// registration order, skipping any that have since been removed.
func (d *Dispatcher[E]) Emit(ev E) {
	d.mu.Lock()
	snapshot := make([]*listenerEntry[E], len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.Unlock()

	for _, e := range snapshot {
		d.mu.Lock()
		removed := e.removed
		d.mu.Unlock()
		if removed {
			continue
		}
		e.fn(ev)
	}

	d.mu.Lock()
	live := d.listeners[:0]
	for _, e := range d.listeners {
		if !e.removed {
			live = append(live, e)
		}
	}
	d.listeners = live
	d.mu.Unlock()
}

// SessionStatusKind is the lifecycle status carried by a SessionStatusEvent.
type SessionStatusKind string

const (
	SessionStatusCreated SessionStatusKind = "created"
	SessionStatusClosing SessionStatusKind = "closing"
	SessionStatusClosed  SessionStatusKind = "closed"
)

// SessionStatusEvent is emitted whenever a session is created or
// permanently torn down.
type SessionStatusEvent struct {
	Status    SessionStatusKind
	SessionID string
	PeerID    string
}

// SessionTransitionEvent is emitted on every state machine transition.
type SessionTransitionEvent struct {
	State     StateKind
	SessionID string
	PeerID    string
}

// TransportStatusKind is the lifecycle status carried by a
// TransportStatusEvent.
type TransportStatusKind string

const (
	TransportStatusOpen      TransportStatusKind = "open"
	TransportStatusClosed    TransportStatusKind = "closed"
	TransportStatusDestroyed TransportStatusKind = "destroyed"
)

// TransportStatusEvent reports a transport lifecycle change. Close emits it
// once with TransportStatusClosed; constructing a transport emits nothing.
type TransportStatusEvent struct {
	Status TransportStatusKind
}

// MessageEvent wraps a router-bound message delivered after seq/ack
// bookkeeping. Ack-only heartbeats never produce a MessageEvent.
type MessageEvent struct {
	Message *TransportMessage
}

// EventBus is the typed event surface a [ClientTransport]/[ServerTransport]
// exposes to the router.
type EventBus struct {
	Message           Dispatcher[MessageEvent]
	SessionStatus     Dispatcher[SessionStatusEvent]
	SessionTransition Dispatcher[SessionTransitionEvent]
	ProtocolError     Dispatcher[*ProtocolError]
	TransportStatus   Dispatcher[TransportStatusEvent]
}
