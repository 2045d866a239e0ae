// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

// Codec converts between [TransportMessage] values and the opaque bytes
// carried inside a single wire frame (see framing.go for the frame
// envelope). Implementations never panic; every failure is a *CodecError.
//
// The default implementation, [github.com/riverrpc/river/codec.JSON], lives
// in a separate package so that the core never forces a particular JSON
// library on callers who plug in a binary codec instead.
type Codec interface {
	// Encode serializes msg. A failure is a *CodecError with Code
	// CodecSerializeError.
	Encode(msg *TransportMessage) ([]byte, error)

	// Decode deserializes data into a TransportMessage and validates it
	// against the wire schema. A failure is a *CodecError with Code
	// CodecDeserializeError.
	Decode(data []byte) (*TransportMessage, error)
}
