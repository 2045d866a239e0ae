// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DialFunc opens a new Connection to the named peer. Implementations live
// in the transport subpackage (WebSocket, in-memory pipe); ClientTransport
// only depends on this function type so it never forces a particular
// transport on callers.
type DialFunc func(ctx context.Context, to string) (Connection, error)

// OutboundMessage is the caller-supplied portion of a message to send; the
// rest (id, from, to, seq, ack) is stamped by the session.
type OutboundMessage struct {
	ServiceName   string
	ProcedureName string
	StreamID      string
	ControlFlags  ControlFlags
	Payload       json.RawMessage
}

// ClientTransport is the active side of the protocol: it dials connections,
// drives reconnection and backoff, and sends the initial HANDSHAKE_REQ. A
// single mutex guards the whole sessions map and every field of every
// session it owns; ClientTransport never exposes a *Session to callers.
type ClientTransport struct {
	mu sync.Mutex

	from      string
	dial      DialFunc
	options   SessionOptions
	handshake *ClientHandshakeOptions
	budget    RetryBudget

	// reconnectOnConnectionDrop toggles automatic reconnection: when
	// false, a dropped connection leaves the session in NoConnection
	// without retrying, and the session is destroyed once its grace
	// period elapses.
	reconnectOnConnectionDrop bool

	sessions map[string]*Session
	bus      EventBus
	closed   bool
}

// NewClientTransport constructs a ClientTransport identified as from. dial
// is used for every connection attempt; budget governs how aggressively it
// retries. handshakeOpts may be nil.
func NewClientTransport(from string, dial DialFunc, budget RetryBudget, options SessionOptions, handshakeOpts *ClientHandshakeOptions) *ClientTransport {
	return &ClientTransport{
		from:                      from,
		dial:                      dial,
		options:                   options.withDefaults(),
		handshake:                 handshakeOpts,
		budget:                    budget,
		reconnectOnConnectionDrop: true,
		sessions:                  make(map[string]*Session),
	}
}

// SetReconnectOnConnectionDrop toggles automatic reconnection after a
// dropped connection. Defaults to true.
func (t *ClientTransport) SetReconnectOnConnectionDrop(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnectOnConnectionDrop = v
}

// Events returns the transport's event bus.
func (t *ClientTransport) Events() *EventBus { return &t.bus }

// Connect ensures a session exists for to and, if it is in NoConnection,
// begins a connection attempt (subject to retry budget).
func (t *ClientTransport) Connect(to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	sess := t.getOrCreateSession(to)
	t.connectLocked(sess)
}

// Send buffers msg on the session for to (creating one if absent) and, if
// the session is Connected, writes it to the wire immediately. It returns
// an error only if the transport is closed, the codec fails to encode the
// message, or the encoded message exceeds MaxPayloadSizeBytes; any other
// delivery failure surfaces later as a
// ProtocolError event and destroys the session.
func (t *ClientTransport) Send(to string, out OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	sess := t.getOrCreateSession(to)
	if err := t.sendToSession(sess, out); err != nil {
		return err
	}
	if sess.state == StateNoConnection {
		t.connectLocked(sess)
	}
	return nil
}

// HardDisconnect immediately destroys every session without grace or
// reconnection.
func (t *ClientTransport) HardDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyAll()
}

// Close destroys every session and stops the retry budget. A closed
// transport rejects further Connect/Send calls.
func (t *ClientTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.destroyAll()
	t.budget.Close()
	t.bus.TransportStatus.Emit(TransportStatusEvent{Status: TransportStatusClosed})
}

// SessionSnapshot returns a point-in-time snapshot of the session for to,
// for tests and diagnostics.
func (t *ClientTransport) SessionSnapshot(to string) (SessionSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[to]
	if !ok {
		return SessionSnapshot{}, false
	}
	return sess.snapshot(), true
}

func (t *ClientTransport) destroyAll() {
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		t.destroySession(s, SessionStatusClosed)
	}
}

func (t *ClientTransport) getOrCreateSession(to string) *Session {
	if sess, ok := t.sessions[to]; ok {
		return sess
	}
	sess := t.newNoConnectionSession(to)
	t.sessions[to] = sess
	t.bus.SessionStatus.Emit(SessionStatusEvent{Status: SessionStatusCreated, SessionID: sess.id, PeerID: to})
	return sess
}

func (t *ClientTransport) newNoConnectionSession(to string) *Session {
	now := t.options.Clock.Now()
	id := newSessionID()
	ctx, span := t.options.Telemetry.StartSessionSpan(context.Background(), id, t.from, to)
	s := &Session{
		id:              id,
		from:            t.from,
		to:              to,
		protocolVersion: ProtocolVersion,
		options:         t.options,
		telemetryCtx:    ctx,
		telemetrySpan:   span,
		state:           StateNoConnection,
		heartbeatActive: true,
	}
	t.armGrace(s, now)
	return s
}

func (t *ClientTransport) armGrace(next *Session, now time.Time) {
	armGraceTimer(t.options.Clock, next, now, func(s *Session) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.onSessionGracePeriodElapsed(s)
	})
}

// replaceSession performs the common part of every transition: stop the
// old handle's state timers and grace timer, build the new handle via
// transitionInto, register it in the sessions map, re-arm its grace timer,
// and emit the transition event.
func (t *ClientTransport) replaceSession(old *Session, newState StateKind) *Session {
	now := t.options.Clock.Now()
	old.stopTimers()
	old.stopGrace()
	next := transitionInto(old, newState)
	t.sessions[next.to] = next
	t.armGrace(next, now)
	t.bus.SessionTransition.Emit(SessionTransitionEvent{State: next.state, SessionID: next.id, PeerID: next.to})
	return next
}

func (t *ClientTransport) connectLocked(sess *Session) {
	if sess.state != StateNoConnection {
		return
	}
	if !t.budget.HasBudget() {
		t.bus.ProtocolError.Emit(&ProtocolError{Type: ProtocolErrorRetriesExceeded, Message: "retry budget exhausted", PeerID: sess.to})
		return
	}
	t.budget.ConsumeBudget()
	backoff := time.Duration(t.budget.GetBackoffMs()) * time.Millisecond
	t.transitionToBackingOff(sess, backoff)
}

func (t *ClientTransport) transitionToBackingOff(sess *Session, backoff time.Duration) {
	next := t.replaceSession(sess, StateBackingOff)
	next.backoffTimer = t.options.Clock.AfterFunc(backoff, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.onBackoffFinished(next)
	})
}

func (t *ClientTransport) onBackoffFinished(sess *Session) {
	if sess.isConsumed() {
		return
	}
	t.transitionToConnecting(sess)
}

func (t *ClientTransport) transitionToConnecting(sess *Session) {
	next := t.replaceSession(sess, StateConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	next.dialCancel = cancel
	next.connectTimer = t.options.Clock.AfterFunc(t.options.ConnectionTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.onConnectionTimeout(next)
	})
	go func() {
		conn, err := t.dial(ctx, next.to)
		t.mu.Lock()
		defer t.mu.Unlock()
		if next.isConsumed() {
			if err == nil && conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			t.onConnectingFailed(next, err)
			return
		}
		t.onConnectionEstablished(next, conn)
	}()
}

func (t *ClientTransport) onConnectionTimeout(sess *Session) {
	if sess.isConsumed() {
		return
	}
	if sess.dialCancel != nil {
		sess.dialCancel()
	}
	t.transitionToNoConnection(sess, "connection timeout")
}

func (t *ClientTransport) onConnectingFailed(sess *Session, err error) {
	if sess.isConsumed() {
		return
	}
	t.options.Logger.Warn("river: connection attempt failed", "peer", sess.to, "error", err)
	t.transitionToNoConnection(sess, "connect failed")
}

func (t *ClientTransport) onConnectionEstablished(sess *Session, conn Connection) {
	if sess.isConsumed() {
		return
	}
	t.transitionToHandshaking(sess, conn)
}

func (t *ClientTransport) transitionToHandshaking(old *Session, conn Connection) {
	next := t.replaceSession(old, StateHandshaking)
	next.conn = conn
	next.deframer = NewDeframer(next.options.MaxPayloadSizeBytes)
	_, connSpan := t.options.Telemetry.StartConnectionSpan(next.telemetryCtx, next.id)
	next.connSpan = connSpan

	conn.SetListeners(
		func(data []byte) { t.mu.Lock(); defer t.mu.Unlock(); t.onConnData(next, data) },
		func() { t.mu.Lock(); defer t.mu.Unlock(); t.onConnClosed(next) },
		func(err error) { t.mu.Lock(); defer t.mu.Unlock(); t.onConnError(next, err) },
	)
	next.handshakeTimer = t.options.Clock.AfterFunc(t.options.HandshakeTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.onHandshakeTimeout(next)
	})

	var metadata json.RawMessage
	if t.handshake != nil && t.handshake.Construct != nil {
		m, err := t.handshake.Construct()
		if err != nil {
			t.failSessionUnhealthy(next, ProtocolErrorHandshakeFailed, "handshake metadata construction failed: "+err.Error())
			return
		}
		metadata = m
	}
	req := buildHandshakeRequest(next, metadata)
	tracing := t.options.Telemetry.Inject(next.telemetryCtx)
	msg := next.rawControlMsg(encodeHandshakeRequest(req), tracing)
	data, err := next.options.Codec.Encode(msg)
	if err != nil {
		t.failSessionUnhealthy(next, ProtocolErrorHandshakeFailed, "failed to encode handshake request")
		return
	}
	if !conn.Send(EncodeFrame(data)) {
		t.failSessionUnhealthy(next, ProtocolErrorHandshakeFailed, "connection refused handshake request")
	}
}

func (t *ClientTransport) onHandshakeTimeout(sess *Session) {
	if sess.isConsumed() {
		return
	}
	t.transitionToNoConnection(sess, "handshake timeout")
}

func (t *ClientTransport) onConnData(sess *Session, data []byte) {
	if sess.isConsumed() || sess.deframer == nil {
		return
	}
	frames, err := sess.deframer.Push(data)
	if err != nil {
		t.options.Logger.Warn("river: framing error", "peer", sess.to, "error", err)
		if sess.conn != nil {
			sess.conn.Close()
		}
		return
	}
	cur := sess
	for _, f := range frames {
		if cur.isConsumed() {
			fresh, ok := t.sessions[sess.to]
			if !ok {
				return
			}
			cur = fresh
		}
		msg, err := cur.options.Codec.Decode(f)
		if err != nil {
			t.options.Logger.Warn("river: malformed frame dropped", "peer", cur.to, "error", err)
			continue
		}
		switch cur.state {
		case StateHandshaking:
			t.handleHandshakeResponse(cur, msg)
		case StateConnected:
			t.handleConnectedMessage(cur, msg)
		}
	}
}

func (t *ClientTransport) handleHandshakeResponse(sess *Session, msg *TransportMessage) {
	resp, err := parseHandshakeResponse(msg.Payload)
	if err != nil {
		t.failHandshake(sess, HandshakeErrorMalformedHandshake, "malformed handshake response")
		return
	}
	if !resp.Status.OK {
		code := resp.Status.Code
		if code.Retriable() {
			peer := sess.to
			t.destroySession(sess, SessionStatusClosed)
			fresh := t.newNoConnectionSession(peer)
			t.sessions[peer] = fresh
			t.bus.SessionStatus.Emit(SessionStatusEvent{Status: SessionStatusCreated, SessionID: fresh.id, PeerID: peer})
			t.tryReconnecting(fresh)
			return
		}
		t.failHandshake(sess, code, resp.Status.Reason)
		return
	}
	if resp.Status.SessionID != sess.id {
		t.failHandshake(sess, HandshakeErrorMalformedHandshake, "session id returned by peer does not match")
		return
	}
	t.transitionToConnected(sess)
}

func (t *ClientTransport) transitionToConnected(old *Session) {
	next := t.replaceSession(old, StateConnected)
	next.conn = old.conn
	next.deframer = old.deframer
	next.connSpan = old.connSpan

	next.conn.SetListeners(
		func(data []byte) { t.mu.Lock(); defer t.mu.Unlock(); t.onConnData(next, data) },
		func() { t.mu.Lock(); defer t.mu.Unlock(); t.onConnClosed(next) },
		func(err error) { t.mu.Lock(); defer t.mu.Unlock(); t.onConnError(next, err) },
	)
	t.budget.StartRestoringBudget()
	t.flushSendBuffer(next)
	if next.isConsumed() {
		return
	}
	if next.heartbeatActive {
		next.heartbeatTimer = t.options.Clock.Ticker(next.options.HeartbeatInterval, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.onHeartbeatTick(next)
		})
	}
}

func (t *ClientTransport) flushSendBuffer(sess *Session) {
	for _, msg := range sess.sendBuffer {
		data, err := sess.options.Codec.Encode(msg)
		if err != nil {
			t.failSessionUnhealthy(sess, ProtocolErrorMessageSendFailure, "failed to encode buffered message")
			return
		}
		if !sess.conn.Send(EncodeFrame(data)) {
			t.failSessionUnhealthy(sess, ProtocolErrorMessageSendFailure, "connection refused buffered message")
			return
		}
	}
}

func (t *ClientTransport) onHeartbeatTick(sess *Session) {
	if sess.isConsumed() || sess.state != StateConnected {
		return
	}
	if sess.heartbeatMisses >= sess.options.HeartbeatsUntilDead {
		if sess.conn != nil {
			sess.conn.Close()
		}
		return
	}
	msg := sess.constructMsg(marshalControl(&ackPayload{Type: "ACK"}), FlagAck, "", "", HeartbeatStreamID, nil)
	data, err := sess.options.Codec.Encode(msg)
	if err == nil {
		sess.conn.Send(EncodeFrame(data))
	}
	sess.heartbeatMisses++
}

func (t *ClientTransport) handleConnectedMessage(sess *Session, msg *TransportMessage) {
	switch {
	case msg.Seq < sess.ack:
		t.options.Logger.Debug("river: dropping duplicate message", "peer", sess.to, "seq", msg.Seq, "ack", sess.ack)
		return
	case msg.Seq > sess.ack:
		t.failSessionUnhealthy(sess, ProtocolErrorInvalidMessage, fmt.Sprintf("expected seq %d, got %d", sess.ack, msg.Seq))
		return
	}
	sess.ack = msg.Seq + 1
	sess.dropAcked(msg.Ack)
	sess.resetHeartbeat()

	if msg.IsAckOnly() {
		if !sess.heartbeatActive {
			t.sendPassiveAck(sess)
		}
		return
	}
	t.bus.Message.Emit(MessageEvent{Message: msg})
}

func (t *ClientTransport) sendPassiveAck(sess *Session) {
	msg := sess.constructMsg(marshalControl(&ackPayload{Type: "ACK"}), FlagAck, "", "", HeartbeatStreamID, nil)
	if sess.conn != nil {
		data, err := sess.options.Codec.Encode(msg)
		if err == nil {
			sess.conn.Send(EncodeFrame(data))
		}
	}
}

func (t *ClientTransport) onConnClosed(sess *Session) {
	if sess.isConsumed() {
		return
	}
	t.transitionToNoConnection(sess, "connection closed")
}

func (t *ClientTransport) onConnError(sess *Session, err error) {
	if sess.isConsumed() {
		return
	}
	t.options.Logger.Warn("river: connection error", "peer", sess.to, "error", err)
	t.transitionToNoConnection(sess, "connection error")
}

func (t *ClientTransport) transitionToNoConnection(sess *Session, reason string) {
	if sess.dialCancel != nil {
		sess.dialCancel()
	}
	if sess.conn != nil {
		sess.conn.SetListeners(nil, nil, nil)
		sess.conn.Close()
	}
	if sess.connSpan != nil {
		sess.connSpan.End()
	}
	next := t.replaceSession(sess, StateNoConnection)
	t.options.Logger.Debug("river: session disconnected", "peer", next.to, "reason", reason)
	t.tryReconnecting(next)
}

func (t *ClientTransport) tryReconnecting(sess *Session) {
	if t.closed || !t.reconnectOnConnectionDrop {
		return
	}
	if !t.options.EnableTransparentSessionReconnects {
		peer := sess.to
		sess.stopTimers()
		sess.stopGrace()
		sess.consumed = true
		delete(t.sessions, peer)
		if sess.telemetrySpan != nil {
			sess.telemetrySpan.End()
		}
		fresh := t.newNoConnectionSession(peer)
		t.sessions[peer] = fresh
		t.bus.SessionStatus.Emit(SessionStatusEvent{Status: SessionStatusCreated, SessionID: fresh.id, PeerID: peer})
		sess = fresh
	}
	t.connectLocked(sess)
}

func (t *ClientTransport) destroySession(sess *Session, status SessionStatusKind) {
	if sess.isConsumed() {
		return
	}
	sess.stopTimers()
	sess.stopGrace()
	if sess.dialCancel != nil {
		sess.dialCancel()
	}
	if sess.conn != nil {
		sess.conn.SetListeners(nil, nil, nil)
		sess.conn.Close()
	}
	sess.consumed = true
	if t.sessions[sess.to] == sess {
		delete(t.sessions, sess.to)
	}
	if sess.telemetrySpan != nil {
		sess.telemetrySpan.End()
	}
	if sess.connSpan != nil {
		sess.connSpan.End()
	}
	t.bus.SessionStatus.Emit(SessionStatusEvent{Status: status, SessionID: sess.id, PeerID: sess.to})
}

func (t *ClientTransport) failSessionUnhealthy(sess *Session, errType ProtocolErrorType, message string) {
	if sess.isConsumed() {
		return
	}
	t.bus.ProtocolError.Emit(&ProtocolError{Type: errType, Message: message, SessionID: sess.id, PeerID: sess.to})
	t.destroySession(sess, SessionStatusClosed)
}

func (t *ClientTransport) failHandshake(sess *Session, code HandshakeErrorCode, reason string) {
	if sess.isConsumed() {
		return
	}
	t.bus.ProtocolError.Emit(&ProtocolError{Type: ProtocolErrorHandshakeFailed, Code: code, Message: reason, SessionID: sess.id, PeerID: sess.to})
	t.destroySession(sess, SessionStatusClosed)
}

func (t *ClientTransport) sendToSession(sess *Session, out OutboundMessage) error {
	tracing := t.options.Telemetry.Inject(sess.telemetryCtx)
	msg := sess.buildMsg(out.Payload, out.ControlFlags, out.ServiceName, out.ProcedureName, out.StreamID, tracing)
	data, err := sess.options.Codec.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > sess.options.MaxPayloadSizeBytes {
		return &MaxPayloadSizeExceededError{Side: "client", Size: len(data), Max: sess.options.MaxPayloadSizeBytes}
	}
	sess.commit(msg)
	if sess.state == StateConnected {
		if !sess.conn.Send(EncodeFrame(data)) {
			t.failSessionUnhealthy(sess, ProtocolErrorMessageSendFailure, "connection refused message")
		}
	}
	return nil
}

func (t *ClientTransport) onSessionGracePeriodElapsed(sess *Session) {
	if sess.isConsumed() {
		return
	}
	if t.sessions[sess.to] != sess {
		return
	}
	t.destroySession(sess, SessionStatusClosed)
}
