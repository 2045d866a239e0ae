// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "encoding/json"

// ControlFlags is a bitset carried on every [TransportMessage].
type ControlFlags uint8

// Control flag bits, bit-exact with the wire protocol.
const (
	FlagAck                ControlFlags = 0x01
	FlagStreamOpen         ControlFlags = 0x02
	FlagStreamAbort        ControlFlags = 0x04
	FlagStreamClosed       ControlFlags = 0x08
	FlagStreamCloseRequest ControlFlags = 0x10
)

// Has reports whether all bits in want are set.
func (f ControlFlags) Has(want ControlFlags) bool { return f&want == want }

// Tracing carries W3C trace-context propagation headers alongside a
// message, populated from the active span when the message is stamped and
// extracted by the receiving handler.
type Tracing struct {
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`
}

// HeartbeatStreamID is the reserved streamId carried by Ack-only messages.
const HeartbeatStreamID = "heartbeat"

// TransportMessage is the wire-level message exchanged between two river
// endpoints. Payload is left as opaque, codec-defined bytes: the core never
// interprets it except for the small set of control payloads defined in
// handshake.go and this file.
type TransportMessage struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Seq           uint32          `json:"seq"`
	Ack           uint32          `json:"ack"`
	ServiceName   string          `json:"serviceName,omitempty"`
	ProcedureName string          `json:"procedureName,omitempty"`
	StreamID      string          `json:"streamId,omitempty"`
	ControlFlags  ControlFlags    `json:"controlFlags"`
	Tracing       *Tracing        `json:"tracing,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// IsAckOnly reports whether m is a bare heartbeat/ack message that MUST NOT
// be delivered to the router.
func (m *TransportMessage) IsAckOnly() bool {
	return m.ControlFlags.Has(FlagAck) && m.StreamID == HeartbeatStreamID
}

// IsStreamOpen reports whether m opens a new logical stream.
func (m *TransportMessage) IsStreamOpen() bool {
	return m.ControlFlags.Has(FlagStreamOpen)
}

// IsStreamClosed reports whether m signals end-of-stream; payload (if any)
// must be discarded by the receiver.
func (m *TransportMessage) IsStreamClosed() bool {
	return m.ControlFlags.Has(FlagStreamClosed)
}

// controlType is the discriminant used by every control payload
// (ACK/CLOSE/HANDSHAKE_REQ/HANDSHAKE_RESP).
type controlType struct {
	Type string `json:"type"`
}

// ackPayload is the payload of an Ack-only heartbeat message.
type ackPayload struct {
	Type string `json:"type"` // "ACK"
}

// closePayload is the payload of a session close notice.
type closePayload struct {
	Type string `json:"type"` // "CLOSE"
}

func marshalControl(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Control payloads are package-internal and always marshal; a
		// failure here is a programming error, not a runtime condition.
		panic("river: failed to marshal control payload: " + err.Error())
	}
	return data
}
