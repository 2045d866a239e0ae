// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"context"
	"fmt"
	"sync"
)

// pendingConn holds the bookkeeping for an inbound Connection that has not
// yet produced a valid HANDSHAKE_REQ. It never enters the sessions map: a
// Session only exists once a peer id is known.
type pendingConn struct {
	conn     Connection
	deframer *Deframer
	timer    Timer
	consumed bool
}

func (p *pendingConn) isConsumed() bool { return p.consumed }

// ServerTransport is the passive side of the protocol: it accepts
// connections handed to it by a listener loop (WebSocket upgrade handler,
// in-memory acceptor, ...), waits for a HANDSHAKE_REQ, and either adopts an
// existing disconnected session or creates a fresh one.
type ServerTransport struct {
	mu sync.Mutex

	self      string
	options   SessionOptions
	handshake *ServerHandshakeOptions

	sessions map[string]*Session
	bus      EventBus
	closed   bool
}

// NewServerTransport constructs a ServerTransport identified as self.
// handshakeOpts may be nil.
func NewServerTransport(self string, options SessionOptions, handshakeOpts *ServerHandshakeOptions) *ServerTransport {
	return &ServerTransport{
		self:      self,
		options:   options.withDefaults(),
		handshake: handshakeOpts,
		sessions:  make(map[string]*Session),
	}
}

// Events returns the transport's event bus.
func (t *ServerTransport) Events() *EventBus { return &t.bus }

// HandleConnection begins waiting for a HANDSHAKE_REQ on a freshly accepted
// Connection. Call this from whatever accept loop owns the listening
// socket (see the transport subpackage for a WebSocket example).
func (t *ServerTransport) HandleConnection(conn Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return
	}
	pc := &pendingConn{
		conn:     conn,
		deframer: NewDeframer(t.options.MaxPayloadSizeBytes),
	}
	pc.timer = t.options.Clock.AfterFunc(t.options.HandshakeTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.onPendingHandshakeTimeout(pc)
	})
	conn.SetListeners(
		func(data []byte) { t.mu.Lock(); defer t.mu.Unlock(); t.onPendingData(pc, data) },
		func() { t.mu.Lock(); defer t.mu.Unlock(); t.onPendingClosed(pc) },
		func(err error) { t.mu.Lock(); defer t.mu.Unlock(); t.onPendingError(pc, err) },
	)
}

// Send buffers msg on the session for to and, if Connected, writes it to
// the wire immediately. Same contract as ClientTransport.Send, except that
// it returns an error instead of creating a session when none exists for to.
func (t *ServerTransport) Send(to string, out OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	sess, ok := t.sessions[to]
	if !ok {
		return fmt.Errorf("river: no session for peer %q", to)
	}
	tracing := t.options.Telemetry.Inject(sess.telemetryCtx)
	msg := sess.buildMsg(out.Payload, out.ControlFlags, out.ServiceName, out.ProcedureName, out.StreamID, tracing)
	data, err := sess.options.Codec.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > sess.options.MaxPayloadSizeBytes {
		return &MaxPayloadSizeExceededError{Side: "server", Size: len(data), Max: sess.options.MaxPayloadSizeBytes}
	}
	sess.commit(msg)
	if sess.state == StateConnected {
		if !sess.conn.Send(EncodeFrame(data)) {
			t.failSessionUnhealthy(sess, ProtocolErrorMessageSendFailure, "connection refused message")
		}
	}
	return nil
}

// Close destroys every session and rejects further Send and
// HandleConnection calls. Connections still waiting for a HANDSHAKE_REQ are
// not tracked and are not closed here; each stays open until its handshake
// timeout fires or its handshake completes.
func (t *ServerTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		t.destroySession(s, SessionStatusClosed)
	}
	t.bus.TransportStatus.Emit(TransportStatusEvent{Status: TransportStatusClosed})
}

// SessionSnapshot returns a point-in-time snapshot of the session for to.
func (t *ServerTransport) SessionSnapshot(to string) (SessionSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[to]
	if !ok {
		return SessionSnapshot{}, false
	}
	return sess.snapshot(), true
}

func (t *ServerTransport) onPendingHandshakeTimeout(pc *pendingConn) {
	if pc.isConsumed() {
		return
	}
	pc.consumed = true
	pc.conn.SetListeners(nil, nil, nil)
	pc.conn.Close()
}

func (t *ServerTransport) onPendingClosed(pc *pendingConn) {
	if pc.isConsumed() {
		return
	}
	pc.consumed = true
	if pc.timer != nil {
		pc.timer.Stop()
	}
}

func (t *ServerTransport) onPendingError(pc *pendingConn, err error) {
	if pc.isConsumed() {
		return
	}
	t.options.Logger.Warn("river: pending connection error", "error", err)
	t.onPendingClosed(pc)
}

func (t *ServerTransport) onPendingData(pc *pendingConn, data []byte) {
	if pc.isConsumed() {
		return
	}
	frames, err := pc.deframer.Push(data)
	if err != nil {
		t.options.Logger.Warn("river: framing error on pending connection", "error", err)
		pc.consumed = true
		pc.conn.Close()
		return
	}
	for _, f := range frames {
		if pc.isConsumed() {
			return
		}
		t.handleFirstFrame(pc, f)
	}
}

func (t *ServerTransport) handleFirstFrame(pc *pendingConn, frame []byte) {
	msg, err := t.options.Codec.Decode(frame)
	if err != nil {
		t.rejectPending(pc, HandshakeErrorMalformedHandshake, "malformed frame")
		return
	}
	req, err := parseHandshakeRequest(msg.Payload)
	if err != nil {
		t.rejectPending(pc, HandshakeErrorMalformedHandshake, "malformed handshake request")
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		t.rejectPending(pc, HandshakeErrorProtocolVersionMismatch, "protocol version mismatch")
		return
	}

	peer := msg.From
	existing, hasExisting := t.sessions[peer]

	var previous []byte
	adopting := false
	if hasExisting {
		if existing.id != req.SessionID || existing.state != StateNoConnection {
			t.rejectPending(pc, HandshakeErrorSessionStateMismatch, "session id or state mismatch")
			return
		}
		if !sessionStateCoherent(req, existing) {
			t.rejectPending(pc, HandshakeErrorSessionStateMismatch, "expected session state incoherent with server view")
			return
		}
		adopting = true
		previous = existing.metadata
	}

	if resp := t.handshake.validateMetadata(req.Metadata, previous); resp != nil {
		t.rejectPending(pc, resp.Status.Code, resp.Status.Reason)
		return
	}

	pc.consumed = true
	pc.timer.Stop()

	var base *Session
	if adopting {
		base = existing
	} else {
		base = t.newWaitingSession(peer, req.SessionID)
		t.sessions[peer] = base
		t.bus.SessionStatus.Emit(SessionStatusEvent{Status: SessionStatusCreated, SessionID: base.id, PeerID: peer})
	}
	base.metadata = req.Metadata
	base.ack = *req.ExpectedSessionState.NextSentSeq
	base.dropAcked(req.ExpectedSessionState.NextExpectedSeq)

	t.finishHandshake(base, pc)
}

func (t *ServerTransport) newWaitingSession(peer, sessionID string) *Session {
	ctx, span := t.options.Telemetry.StartSessionSpan(context.Background(), sessionID, t.self, peer)
	return &Session{
		id:              sessionID,
		from:            t.self,
		to:              peer,
		protocolVersion: ProtocolVersion,
		options:         t.options,
		telemetryCtx:    ctx,
		telemetrySpan:   span,
		state:           StateWaitingForHandshake,
	}
}

func (t *ServerTransport) rejectPending(pc *pendingConn, code HandshakeErrorCode, reason string) {
	pc.consumed = true
	if pc.timer != nil {
		pc.timer.Stop()
	}
	resp := errResponse(code, reason)
	msg := &TransportMessage{ID: newMessageID(), From: t.self, Payload: encodeHandshakeResponse(resp)}
	if data, err := t.options.Codec.Encode(msg); err == nil {
		pc.conn.Send(EncodeFrame(data))
	}
	pc.conn.SetListeners(nil, nil, nil)
	pc.conn.Close()
}

func (t *ServerTransport) finishHandshake(base *Session, pc *pendingConn) {
	next := t.replaceSession(base, StateConnected)
	next.conn = pc.conn
	next.deframer = pc.deframer
	_, connSpan := t.options.Telemetry.StartConnectionSpan(next.telemetryCtx, next.id)
	next.connSpan = connSpan

	tracing := t.options.Telemetry.Inject(next.telemetryCtx)
	resp := okResponse(next.id)
	respMsg := next.rawControlMsg(encodeHandshakeResponse(resp), tracing)
	if data, err := next.options.Codec.Encode(respMsg); err == nil {
		next.conn.Send(EncodeFrame(data))
	}

	next.conn.SetListeners(
		func(data []byte) { t.mu.Lock(); defer t.mu.Unlock(); t.onConnData(next, data) },
		func() { t.mu.Lock(); defer t.mu.Unlock(); t.onConnClosed(next) },
		func(err error) { t.mu.Lock(); defer t.mu.Unlock(); t.onConnError(next, err) },
	)
	t.flushSendBuffer(next)
}

func (t *ServerTransport) replaceSession(old *Session, newState StateKind) *Session {
	now := t.options.Clock.Now()
	old.stopTimers()
	old.stopGrace()
	next := transitionInto(old, newState)
	t.sessions[next.to] = next
	armGraceTimer(t.options.Clock, next, now, func(s *Session) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.onSessionGracePeriodElapsed(s)
	})
	t.bus.SessionTransition.Emit(SessionTransitionEvent{State: next.state, SessionID: next.id, PeerID: next.to})
	return next
}

func (t *ServerTransport) flushSendBuffer(sess *Session) {
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

func (t *ServerTransport) onConnData(sess *Session, data []byte) {
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
	for _, f := range frames {
		if sess.isConsumed() {
			return
		}
		msg, err := sess.options.Codec.Decode(f)
		if err != nil {
			t.options.Logger.Warn("river: malformed frame dropped", "peer", sess.to, "error", err)
			continue
		}
		if sess.state != StateConnected {
			continue
		}
		t.handleConnectedMessage(sess, msg)
	}
}

func (t *ServerTransport) handleConnectedMessage(sess *Session, msg *TransportMessage) {
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
		t.sendPassiveAck(sess)
		return
	}
	// Release the transport lock while listeners run so that a listener
	// may call Send on this transport (an echo handler, for example).
	t.mu.Unlock()
	t.bus.Message.Emit(MessageEvent{Message: msg})
	t.mu.Lock()
}

// sendPassiveAck mirrors an inbound heartbeat. The server never drives an
// active heartbeat ticker of its own; it only answers the client's pings.
func (t *ServerTransport) sendPassiveAck(sess *Session) {
	msg := sess.constructMsg(marshalControl(&ackPayload{Type: "ACK"}), FlagAck, "", "", HeartbeatStreamID, nil)
	if sess.conn != nil {
		data, err := sess.options.Codec.Encode(msg)
		if err == nil {
			sess.conn.Send(EncodeFrame(data))
		}
	}
}

func (t *ServerTransport) onConnClosed(sess *Session) {
	if sess.isConsumed() {
		return
	}
	t.transitionToNoConnection(sess, "connection closed")
}

func (t *ServerTransport) onConnError(sess *Session, err error) {
	if sess.isConsumed() {
		return
	}
	t.options.Logger.Warn("river: connection error", "peer", sess.to, "error", err)
	t.transitionToNoConnection(sess, "connection error")
}

func (t *ServerTransport) transitionToNoConnection(sess *Session, reason string) {
	if sess.conn != nil {
		sess.conn.SetListeners(nil, nil, nil)
		sess.conn.Close()
	}
	if sess.connSpan != nil {
		sess.connSpan.End()
	}
	next := t.replaceSession(sess, StateNoConnection)
	t.options.Logger.Debug("river: session disconnected", "peer", next.to, "reason", reason)
}

func (t *ServerTransport) onSessionGracePeriodElapsed(sess *Session) {
	if sess.isConsumed() {
		return
	}
	if t.sessions[sess.to] != sess {
		return
	}
	t.destroySession(sess, SessionStatusClosed)
}

func (t *ServerTransport) destroySession(sess *Session, status SessionStatusKind) {
	if sess.isConsumed() {
		return
	}
	sess.stopTimers()
	sess.stopGrace()
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

func (t *ServerTransport) failSessionUnhealthy(sess *Session, errType ProtocolErrorType, message string) {
	if sess.isConsumed() {
		return
	}
	t.bus.ProtocolError.Emit(&ProtocolError{Type: errType, Message: message, SessionID: sess.id, PeerID: sess.to})
	t.destroySession(sess, SessionStatusClosed)
}
