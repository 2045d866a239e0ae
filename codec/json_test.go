// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package codec_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/riverrpc/river"
	"github.com/riverrpc/river/codec"
)

func TestJSONRoundTripsTransportMessage(t *testing.T) {
	c := codec.JSON()
	want := &river.TransportMessage{
		ID:            "msg-1",
		From:          "client",
		To:            "server",
		Seq:           3,
		Ack:           2,
		ServiceName:   "svc",
		ProcedureName: "proc",
		StreamID:      "stream-1",
		ControlFlags:  river.FlagStreamOpen,
		Tracing:       &river.Tracing{Traceparent: "00-abc-def-01"},
		Payload:       []byte(`{"x":1}`),
	}

	data, err := c.Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONDecodeRejectsMissingIdentity(t *testing.T) {
	c := codec.JSON()
	_, err := c.Decode([]byte(`{"from":"client","to":"server"}`))
	if err == nil {
		t.Fatalf("expected an error when id is missing")
	}
	var cerr *river.CodecError
	if !asCodecError(err, &cerr) {
		t.Fatalf("error = %v, want *river.CodecError", err)
	}
	if cerr.Code != river.CodecDeserializeError {
		t.Fatalf("Code = %v, want CodecDeserializeError", cerr.Code)
	}
}

func asCodecError(err error, target **river.CodecError) bool {
	cerr, ok := err.(*river.CodecError)
	if ok {
		*target = cerr
	}
	return ok
}
