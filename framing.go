// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxPayloadSizeBytes is the default per-message size limit (4 MiB).
const DefaultMaxPayloadSizeBytes = 4 * 1024 * 1024

// defaultMaxBufferSizeBytes bounds how much unframed data a Deframer will
// buffer across Push calls before it gives up and reports a framing error.
// It is deliberately generous relative to MaxPayloadSizeBytes to tolerate a
// length-prefix plus one in-flight oversized frame before the check in
// Push can reject it.
const defaultMaxBufferSizeBytes = DefaultMaxPayloadSizeBytes + 4*1024

const frameHeaderLen = 4 // u32_be length prefix

// EncodeFrame wraps payload in the u32_be length-prefixed wire envelope.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)
	return frame
}

// Deframer reassembles length-prefixed frames out of an arbitrarily chunked
// byte stream. It is not safe for concurrent use; each Connection's data
// listener owns one Deframer.
type Deframer struct {
	buf                []byte
	maxPayloadSizeBytes int
	maxBufferSizeBytes  int
}

// NewDeframer returns a Deframer that enforces maxPayloadSizeBytes per
// frame. If maxPayloadSizeBytes is 0, DefaultMaxPayloadSizeBytes is used.
func NewDeframer(maxPayloadSizeBytes int) *Deframer {
	if maxPayloadSizeBytes <= 0 {
		maxPayloadSizeBytes = DefaultMaxPayloadSizeBytes
	}
	return &Deframer{
		maxPayloadSizeBytes: maxPayloadSizeBytes,
		maxBufferSizeBytes:  maxPayloadSizeBytes + 4*1024,
	}
}

// Push feeds newly-arrived bytes into the deframer and returns every
// complete frame payload that can now be extracted, in order. A non-nil
// error is a *FramingError and the connection MUST be closed: the deframer
// is no longer usable.
func (d *Deframer) Push(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)
	if len(d.buf) > d.maxBufferSizeBytes {
		return nil, &FramingError{Err: fmt.Errorf("buffered %d bytes exceeds max buffer size %d", len(d.buf), d.maxBufferSizeBytes)}
	}

	var frames [][]byte
	for {
		if len(d.buf) < frameHeaderLen {
			break
		}
		length := binary.BigEndian.Uint32(d.buf[:frameHeaderLen])
		if int(length) > d.maxPayloadSizeBytes {
			return nil, &FramingError{Err: fmt.Errorf("frame length %d exceeds max payload size %d", length, d.maxPayloadSizeBytes)}
		}
		total := frameHeaderLen + int(length)
		if len(d.buf) < total {
			break
		}
		payload := make([]byte, length)
		copy(payload, d.buf[frameHeaderLen:total])
		frames = append(frames, payload)
		d.buf = d.buf[total:]
	}
	// Compact to avoid unbounded growth of the backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}
