// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"errors"
	"fmt"
)

// HandshakeErrorCode partitions handshake failures into retriable and fatal
// buckets.
type HandshakeErrorCode string

const (
	// HandshakeErrorSessionStateMismatch is retriable: the client should
	// discard its session and attempt a fresh handshake.
	HandshakeErrorSessionStateMismatch HandshakeErrorCode = "SESSION_STATE_MISMATCH"

	// Fatal handshake error codes.
	HandshakeErrorMalformedHandshake      HandshakeErrorCode = "MALFORMED_HANDSHAKE"
	HandshakeErrorMalformedHandshakeMeta  HandshakeErrorCode = "MALFORMED_HANDSHAKE_META"
	HandshakeErrorProtocolVersionMismatch HandshakeErrorCode = "PROTOCOL_VERSION_MISMATCH"
	HandshakeErrorRejectedByCustomHandler HandshakeErrorCode = "REJECTED_BY_CUSTOM_HANDLER"
)

// Retriable reports whether a client observing this code should attempt a
// fresh handshake rather than treat the session as destroyed.
func (c HandshakeErrorCode) Retriable() bool {
	return c == HandshakeErrorSessionStateMismatch
}

// ProtocolErrorType classifies a [ProtocolError] event.
type ProtocolErrorType string

const (
	ProtocolErrorInvalidMessage     ProtocolErrorType = "InvalidMessage"
	ProtocolErrorMessageSendFailure ProtocolErrorType = "MessageSendFailure"
	ProtocolErrorHandshakeFailed    ProtocolErrorType = "HandshakeFailed"
	ProtocolErrorRetriesExceeded    ProtocolErrorType = "RetriesExceeded"
)

// ProtocolError is emitted on the [EventBus.ProtocolError] dispatcher. It is
// always accompanied by deletion of the offending session, except for
// RetriesExceeded, which leaves the session in NoConnection without starting
// a connection attempt.
type ProtocolError struct {
	Type      ProtocolErrorType
	Code      HandshakeErrorCode // set only for HandshakeFailed
	Message   string
	SessionID string
	PeerID    string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("river: protocol error %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("river: protocol error %s: %s", e.Type, e.Message)
}

// MaxPayloadSizeExceededError is returned locally by ClientTransport.Send
// and ServerTransport.Send when an encoded message exceeds the configured
// maxPayloadSizeBytes. (An oversized inbound frame is reported by the
// deframer as a *FramingError instead.) Side is "client" or "server",
// matching whichever end detected the oversized payload.
type MaxPayloadSizeExceededError struct {
	Side string
	Size int
	Max  int
}

func (e *MaxPayloadSizeExceededError) Error() string {
	return fmt.Sprintf("%s: payload exceeded maximum payload size size=%d max=%d", e.Side, e.Size, e.Max)
}

// CodecErrorCode distinguishes encode from decode failures.
type CodecErrorCode string

const (
	CodecSerializeError   CodecErrorCode = "serialize_error"
	CodecDeserializeError CodecErrorCode = "deserialize_error"
)

// CodecError wraps a codec failure. Codecs never panic; every failure is
// returned as a *CodecError.
type CodecError struct {
	Code CodecErrorCode
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("river: %s: %v", e.Code, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// FramingError is a hard framing violation (buffer overrun) that requires
// closing the underlying connection.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string { return "river: framing error: " + e.Err.Error() }
func (e *FramingError) Unwrap() error { return e.Err }

// ErrTransportClosed is returned by Send calls made after the transport's
// Close. Connect on a closed transport returns nothing and does nothing.
var ErrTransportClosed = errors.New("river: transport is closed")

// errMalformedHandshake is the internal parse-failure sentinel for a
// handshake payload that does not satisfy the wire schema.
var errMalformedHandshake = errors.New("river: malformed handshake payload")

// panicConsumed is the single programming-error panic raised when a caller
// operates on a session handle after it has been moved into a new state by
// a transition. Internal timer/future callbacks must instead check
// isConsumed and silently no-op; this panic is reserved for callers that
// should never have kept the handle around.
func panicConsumed(id string) {
	panic(fmt.Sprintf("river: session %q used after being consumed by a state transition", id))
}
