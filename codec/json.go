// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package codec provides wire codecs for [github.com/riverrpc/river.Codec].
package codec

import (
	"errors"

	json "github.com/segmentio/encoding/json"

	"github.com/riverrpc/river"
)

type jsonCodec struct{}

// JSON returns the default river.Codec: a fast JSON encoding backed by
// segmentio/encoding/json rather than the standard library, matching the
// performance-sensitive message rate of a long-lived RPC session.
func JSON() river.Codec { return jsonCodec{} }

func (jsonCodec) Encode(msg *river.TransportMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &river.CodecError{Code: river.CodecSerializeError, Err: err}
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (*river.TransportMessage, error) {
	var msg river.TransportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &river.CodecError{Code: river.CodecDeserializeError, Err: err}
	}
	if msg.ID == "" || msg.From == "" {
		return nil, &river.CodecError{Code: river.CodecDeserializeError, Err: errors.New("missing id or from field")}
	}
	return &msg, nil
}
