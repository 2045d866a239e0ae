// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "testing"

func TestBuildHandshakeRequestUsesOldestBufferedSeqAsNextSent(t *testing.T) {
	s := newTestSession(StateHandshaking)
	s.ack = 9
	s.seq = 20
	s.sendBuffer = []*TransportMessage{{Seq: 17}, {Seq: 18}, {Seq: 19}}

	req := buildHandshakeRequest(s, nil)

	if req.ExpectedSessionState.NextExpectedSeq != 9 {
		t.Fatalf("NextExpectedSeq = %d, want 9", req.ExpectedSessionState.NextExpectedSeq)
	}
	if req.ExpectedSessionState.NextSentSeq == nil || *req.ExpectedSessionState.NextSentSeq != 17 {
		t.Fatalf("NextSentSeq = %v, want 17", req.ExpectedSessionState.NextSentSeq)
	}
}

func TestBuildHandshakeRequestFallsBackToSeqWhenBufferEmpty(t *testing.T) {
	s := newTestSession(StateHandshaking)
	s.seq = 4
	req := buildHandshakeRequest(s, nil)
	if req.ExpectedSessionState.NextSentSeq == nil || *req.ExpectedSessionState.NextSentSeq != 4 {
		t.Fatalf("NextSentSeq = %v, want 4", req.ExpectedSessionState.NextSentSeq)
	}
}

func TestParseHandshakeRequestRejectsMissingNextSentSeq(t *testing.T) {
	payload := encodeHandshakeRequest(&HandshakeRequest{
		Type:            handshakeReqType,
		ProtocolVersion: ProtocolVersion,
		SessionID:       "abc",
		ExpectedSessionState: ExpectedSessionState{
			NextExpectedSeq: 0,
		},
	})
	if _, err := parseHandshakeRequest(payload); err == nil {
		t.Fatalf("expected an error when nextSentSeq is missing")
	}
}

func TestParseHandshakeResponseRoundTrip(t *testing.T) {
	ok := okResponse("sess-1")
	payload := encodeHandshakeResponse(ok)
	parsed, err := parseHandshakeResponse(payload)
	if err != nil {
		t.Fatalf("parseHandshakeResponse: %v", err)
	}
	if !parsed.Status.OK || parsed.Status.SessionID != "sess-1" {
		t.Fatalf("parsed = %+v", parsed.Status)
	}

	failed := errResponse(HandshakeErrorProtocolVersionMismatch, "nope")
	parsed, err = parseHandshakeResponse(encodeHandshakeResponse(failed))
	if err != nil {
		t.Fatalf("parseHandshakeResponse: %v", err)
	}
	if parsed.Status.OK || parsed.Status.Code != HandshakeErrorProtocolVersionMismatch {
		t.Fatalf("parsed = %+v", parsed.Status)
	}
}

func TestParseHandshakeResponseRejectsMissingCodeOnFailure(t *testing.T) {
	payload := encodeHandshakeResponse(&HandshakeResponse{Type: handshakeRespType, Status: HandshakeStatus{OK: false}})
	if _, err := parseHandshakeResponse(payload); err == nil {
		t.Fatalf("expected an error for a failure response missing a code")
	}
}
