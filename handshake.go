// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "encoding/json"

// ExpectedSessionState is the client's view of its own bookkeeping, sent
// with every HANDSHAKE_REQ so the server can decide whether to adopt an
// existing session or start fresh. NextSentSeq is optional on the wire for
// backwards compatibility, but this implementation requires it: a request
// missing it is rejected as HandshakeErrorMalformedHandshake, giving
// adoption deterministic semantics.
type ExpectedSessionState struct {
	NextExpectedSeq uint32  `json:"nextExpectedSeq"`
	NextSentSeq     *uint32 `json:"nextSentSeq,omitempty"`
}

// HandshakeRequest is the payload of a HANDSHAKE_REQ control message.
type HandshakeRequest struct {
	Type                 string               `json:"type"`
	ProtocolVersion      string               `json:"protocolVersion"`
	SessionID            string               `json:"sessionId"`
	ExpectedSessionState ExpectedSessionState `json:"expectedSessionState"`
	Metadata             json.RawMessage      `json:"metadata,omitempty"`
}

const handshakeReqType = "HANDSHAKE_REQ"
const handshakeRespType = "HANDSHAKE_RESP"

// HandshakeStatus is the status field of a HANDSHAKE_RESP: either an ok
// result carrying the server's view of the session id, or a failure
// carrying a reason and partitioned error code.
type HandshakeStatus struct {
	OK        bool               `json:"ok"`
	SessionID string             `json:"sessionId,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Code      HandshakeErrorCode `json:"code,omitempty"`
}

// HandshakeResponse is the payload of a HANDSHAKE_RESP control message.
type HandshakeResponse struct {
	Type   string          `json:"type"`
	Status HandshakeStatus `json:"status"`
}

// expectedNextSentSeq is the seq a peer would report as its own nextSentSeq
// in an ExpectedSessionState built from s: the oldest still-buffered
// message's seq, or s's own seq if nothing is buffered (modulo-buffered,
// in spec terms).
func expectedNextSentSeq(s *Session) uint32 {
	if len(s.sendBuffer) > 0 {
		return s.sendBuffer[0].Seq
	}
	return s.seq
}

// buildHandshakeRequest constructs the HANDSHAKE_REQ payload:
// expectedSessionState.nextExpectedSeq is the session's ack, and
// nextSentSeq is the seq of the oldest buffered message, or the session's
// own seq if the buffer is empty.
func buildHandshakeRequest(s *Session, metadata json.RawMessage) *HandshakeRequest {
	nextSent := expectedNextSentSeq(s)
	return &HandshakeRequest{
		Type:            handshakeReqType,
		ProtocolVersion: s.protocolVersion,
		SessionID:       s.id,
		ExpectedSessionState: ExpectedSessionState{
			NextExpectedSeq: s.ack,
			NextSentSeq:     &nextSent,
		},
		Metadata: metadata,
	}
}

// sessionStateCoherent reports whether a HANDSHAKE_REQ's view of the wire
// matches the server's own bookkeeping for an existing session closely
// enough to adopt it: the peer's nextExpectedSeq must lie between the seq of
// the server's oldest still-buffered message and the server's own seq
// (the peer may already hold messages the server has not yet seen acked),
// and the peer's nextSentSeq must match the server's ack.
func sessionStateCoherent(req *HandshakeRequest, existing *Session) bool {
	if req.ExpectedSessionState.NextSentSeq == nil {
		return false
	}
	nextExpected := req.ExpectedSessionState.NextExpectedSeq
	return nextExpected >= expectedNextSentSeq(existing) && nextExpected <= existing.seq &&
		*req.ExpectedSessionState.NextSentSeq == existing.ack
}

func encodeHandshakeRequest(req *HandshakeRequest) json.RawMessage {
	return marshalControl(req)
}

func encodeHandshakeResponse(resp *HandshakeResponse) json.RawMessage {
	return marshalControl(resp)
}

func parseHandshakeRequest(payload json.RawMessage) (*HandshakeRequest, error) {
	var req HandshakeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Type != handshakeReqType || req.ProtocolVersion == "" || req.SessionID == "" || req.ExpectedSessionState.NextSentSeq == nil {
		return nil, errMalformedHandshake
	}
	return &req, nil
}

func parseHandshakeResponse(payload json.RawMessage) (*HandshakeResponse, error) {
	var resp HandshakeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	if resp.Type != handshakeRespType {
		return nil, errMalformedHandshake
	}
	if resp.Status.OK && resp.Status.SessionID == "" {
		return nil, errMalformedHandshake
	}
	if !resp.Status.OK && resp.Status.Code == "" {
		return nil, errMalformedHandshake
	}
	return &resp, nil
}

func okResponse(sessionID string) *HandshakeResponse {
	return &HandshakeResponse{Type: handshakeRespType, Status: HandshakeStatus{OK: true, SessionID: sessionID}}
}

func errResponse(code HandshakeErrorCode, reason string) *HandshakeResponse {
	return &HandshakeResponse{Type: handshakeRespType, Status: HandshakeStatus{OK: false, Code: code, Reason: reason}}
}
