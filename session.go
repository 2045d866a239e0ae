// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// StateKind identifies which of the six session states a [Session] is
// currently in.
type StateKind int

const (
	StateNoConnection StateKind = iota
	StateBackingOff
	StateConnecting
	StateHandshaking
	StateConnected
	StateWaitingForHandshake
)

func (s StateKind) String() string {
	switch s {
	case StateNoConnection:
		return "NoConnection"
	case StateBackingOff:
		return "BackingOff"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateWaitingForHandshake:
		return "WaitingForHandshake"
	default:
		return "Unknown"
	}
}

// SessionOptions configures a session's timers, limits, and pluggable
// collaborators. Zero-valued timers, limits, Clock, Logger and Telemetry
// are filled in with defaults; Codec has no default and must be set. The
// zero value also disables transparent reconnects
// (EnableTransparentSessionReconnects defaults to false at the Go zero
// value); callers that want the protocol's documented defaults should start
// from [DefaultSessionOptions].
type SessionOptions struct {
	HeartbeatInterval                  time.Duration
	HeartbeatsUntilDead                int
	SessionDisconnectGrace             time.Duration
	ConnectionTimeout                  time.Duration
	HandshakeTimeout                   time.Duration
	EnableTransparentSessionReconnects bool
	MaxPayloadSizeBytes                int

	Codec     Codec
	Clock     Clock
	Logger    *slog.Logger
	Telemetry Telemetry
}

// DefaultSessionOptions returns sane production defaults, with
// EnableTransparentSessionReconnects set to true. codec must not be nil;
// callers normally pass codec.JSON() from the codec subpackage.
func DefaultSessionOptions(codec Codec) SessionOptions {
	return SessionOptions{
		HeartbeatInterval:                  time.Second,
		HeartbeatsUntilDead:                2,
		SessionDisconnectGrace:             5 * time.Second,
		ConnectionTimeout:                  2 * time.Second,
		HandshakeTimeout:                   time.Second,
		EnableTransparentSessionReconnects: true,
		MaxPayloadSizeBytes:                DefaultMaxPayloadSizeBytes,
		Codec:                              codec,
		Clock:                              RealClock(),
		Logger:                             slog.Default(),
		Telemetry:                          NoopTelemetry(),
	}
}

// withDefaults fills in zero-valued collaborators and limits, leaving
// EnableTransparentSessionReconnects exactly as the caller set it.
func (o SessionOptions) withDefaults() SessionOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.HeartbeatsUntilDead <= 0 {
		o.HeartbeatsUntilDead = 2
	}
	if o.SessionDisconnectGrace <= 0 {
		o.SessionDisconnectGrace = 5 * time.Second
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 2 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = time.Second
	}
	if o.MaxPayloadSizeBytes <= 0 {
		o.MaxPayloadSizeBytes = DefaultMaxPayloadSizeBytes
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Telemetry == nil {
		o.Telemetry = NoopTelemetry()
	}
	return o
}

// Session is one logical, named channel to a remote peer. All mutable
// fields are guarded by the owning transport's mutex; Session itself holds
// no lock, matching the single-threaded-cooperative-per-transport model. A
// Session is replaced, never mutated in place, on every FSM transition: see
// transitionInto.
type Session struct {
	// consumed is set the instant this handle is superseded by a
	// transition. Internal callbacks captured before the transition
	// check it and silently no-op; snapshot panics via requireLive
	// instead.
	consumed bool

	id              string
	from            string
	to              string
	seq             uint32
	ack             uint32
	sendBuffer      []*TransportMessage
	protocolVersion string
	options         SessionOptions

	// metadata is the last HANDSHAKE_REQ.metadata this session accepted,
	// server-side only, passed as "previous" to ServerHandshakeOptions.Validate
	// on a reconnect so a custom validator can compare credentials across
	// resumptions (e.g. reject a token rotation mid-session).
	metadata json.RawMessage

	telemetryCtx  context.Context
	telemetrySpan Span

	state StateKind
	conn  Connection

	deframer *Deframer

	backoffTimer   Timer
	connectTimer   Timer
	handshakeTimer Timer
	graceTimer     Timer
	heartbeatTimer Timer

	// dialCancel cancels an in-flight dial started while this handle was
	// in Connecting. Closing or transitioning out of Connecting invokes
	// it so the goroutine performing the dial unblocks promptly; the
	// dial goroutine still re-checks isConsumed before acting on its
	// result.
	dialCancel func()

	// connSpan is the per-connection "connection.<id>" child span,
	// started when a Connection is attached and ended when it is
	// detached.
	connSpan Span

	// graceDeadline is the wall-clock instant at which this session is
	// destroyed if it has not reached Connected again. Zero means no
	// deadline is armed (session is Connected, or was just created and
	// has not yet armed one).
	graceDeadline time.Time

	heartbeatMisses int
	// heartbeatActive is true on the side that drives the active ticker
	// (normally the client); the other side only mirrors Acks.
	heartbeatActive bool
}

func (s *Session) isConsumed() bool { return s.consumed }

func (s *Session) requireLive() {
	if s.consumed {
		panicConsumed(s.id)
	}
}

// transitionInto marks s consumed and returns a fresh Session in newState,
// carrying forward the fields every transition must preserve. The caller
// is responsible for having already cleared s's timers and
// connection listeners (state-exit cleanup happens before the transition,
// never inside it).
func transitionInto(s *Session, newState StateKind) *Session {
	assert(!s.consumed, "transitionInto called on an already-consumed session")
	s.consumed = true
	return &Session{
		id:              s.id,
		from:            s.from,
		to:              s.to,
		seq:             s.seq,
		ack:             s.ack,
		sendBuffer:      s.sendBuffer,
		protocolVersion: s.protocolVersion,
		options:         s.options,
		metadata:        s.metadata,
		telemetryCtx:    s.telemetryCtx,
		telemetrySpan:   s.telemetrySpan,
		state:           newState,
		graceDeadline:   s.graceDeadline,
		heartbeatActive: s.heartbeatActive,
	}
}

// constructMsg stamps id/from/to/seq/ack, increments seq, appends the
// message to sendBuffer, and returns it. This is the single place seq is
// incremented.
func (s *Session) constructMsg(payload json.RawMessage, flags ControlFlags, serviceName, procedureName, streamID string, tracing *Tracing) *TransportMessage {
	msg := &TransportMessage{
		ID:            newMessageID(),
		From:          s.from,
		To:            s.to,
		Seq:           s.seq,
		Ack:           s.ack,
		ServiceName:   serviceName,
		ProcedureName: procedureName,
		StreamID:      streamID,
		ControlFlags:  flags,
		Tracing:       tracing,
		Payload:       payload,
	}
	s.seq++
	s.sendBuffer = append(s.sendBuffer, msg)
	return msg
}

// buildMsg stamps a message against the session's current seq/ack without
// incrementing seq or buffering it. Used by the public Send path, which
// must measure the encoded size of the fully-stamped message before
// deciding whether to commit it: a payload rejected as oversized must
// never consume a sequence number.
func (s *Session) buildMsg(payload json.RawMessage, flags ControlFlags, serviceName, procedureName, streamID string, tracing *Tracing) *TransportMessage {
	return &TransportMessage{
		ID:            newMessageID(),
		From:          s.from,
		To:            s.to,
		Seq:           s.seq,
		Ack:           s.ack,
		ServiceName:   serviceName,
		ProcedureName: procedureName,
		StreamID:      streamID,
		ControlFlags:  flags,
		Tracing:       tracing,
		Payload:       payload,
	}
}

// commit increments seq and appends msg to sendBuffer. Pairs with buildMsg
// once a message has passed the size check.
func (s *Session) commit(msg *TransportMessage) {
	s.seq++
	s.sendBuffer = append(s.sendBuffer, msg)
}

// rawControlMsg stamps a handshake message with zeroed seq/ack and does not
// buffer it. Handshake messages establish the seq/ack baseline rather than
// participating in it, so they are exchanged outside the ordered stream:
// unlike constructMsg, this never touches s.seq or s.sendBuffer.
func (s *Session) rawControlMsg(payload json.RawMessage, tracing *Tracing) *TransportMessage {
	return &TransportMessage{
		ID:      newMessageID(),
		From:    s.from,
		To:      s.to,
		Tracing: tracing,
		Payload: payload,
	}
}

// dropAcked removes every buffered message with Seq < ack.
func (s *Session) dropAcked(ack uint32) {
	i := 0
	for i < len(s.sendBuffer) && s.sendBuffer[i].Seq < ack {
		i++
	}
	s.sendBuffer = s.sendBuffer[i:]
}

// resetHeartbeat clears the miss counter; called whenever any inbound
// message arrives on a Connected session.
func (s *Session) resetHeartbeat() { s.heartbeatMisses = 0 }

// SessionSnapshot is a read-only copy of a session's observable state, used
// by tests and diagnostics.
type SessionSnapshot struct {
	ID            string
	PeerID        string
	State         StateKind
	Seq           uint32
	Ack           uint32
	BufferedCount int
}

// snapshot returns a SessionSnapshot. The caller must hold the owning
// transport's mutex.
func (s *Session) snapshot() SessionSnapshot {
	s.requireLive()
	return SessionSnapshot{
		ID:            s.id,
		PeerID:        s.to,
		State:         s.state,
		Seq:           s.seq,
		Ack:           s.ack,
		BufferedCount: len(s.sendBuffer),
	}
}

// stopTimers cancels every state-scoped timer this session may have armed
// (backoff, connect, handshake, heartbeat). It deliberately leaves the
// grace timer alone: grace is carried across states rather than reset on
// every transition, and is managed separately via stopGrace/armGraceTimer.
// Every transition and every close calls this before proceeding.
func (s *Session) stopTimers() {
	for _, t := range []Timer{s.backoffTimer, s.connectTimer, s.handshakeTimer, s.heartbeatTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.backoffTimer = nil
	s.connectTimer = nil
	s.handshakeTimer = nil
	s.heartbeatTimer = nil
}

// stopGrace cancels this session's grace timer, if any, without touching
// graceDeadline: the deadline value is what transitionInto carries forward
// into the next handle, which re-arms its own timer against it.
func (s *Session) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = nil
}

// armGraceTimer arms next's grace timer against its (possibly carried
// forward) deadline: Connected clears the deadline entirely; any other
// state arms a fresh window if none was carried
// forward, otherwise arms the remaining time on the carried deadline. This
// single function is what makes "leaving Connected restarts the grace
// period fresh" fall out for free: clearGrace zeroes the deadline, and a
// zero deadline here is treated as unarmed.
func armGraceTimer(clock Clock, next *Session, now time.Time, onElapsed func(*Session)) {
	if next.state == StateConnected {
		next.clearGrace()
		return
	}
	if next.graceDeadline.IsZero() {
		next.armGraceFresh(now)
	}
	remaining := next.remainingGrace(now)
	next.graceTimer = clock.AfterFunc(remaining, func() { onElapsed(next) })
}

// detachConnection uninstalls listeners and forgets the connection,
// without closing it (callers that want it closed do so explicitly).
func (s *Session) detachConnection() {
	if s.conn != nil {
		s.conn.SetListeners(nil, nil, nil)
	}
	s.conn = nil
	s.deframer = nil
}

// armGraceFresh (re)starts the grace deadline with a fresh
// SessionDisconnectGrace window; leaving Connected re-starts it.
func (s *Session) armGraceFresh(now time.Time) {
	s.graceDeadline = now.Add(s.options.SessionDisconnectGrace)
}

// remainingGrace returns the time left before the armed grace deadline,
// carrying the remaining budget forward across transitions. If no deadline
// has ever been armed, the full grace window is returned.
func (s *Session) remainingGrace(now time.Time) time.Duration {
	if s.graceDeadline.IsZero() {
		return s.options.SessionDisconnectGrace
	}
	remaining := s.graceDeadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// clearGrace clears the deadline; entering Connected clears the grace
// timer entirely.
func (s *Session) clearGrace() { s.graceDeadline = time.Time{} }
