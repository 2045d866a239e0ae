// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"bytes"
	"testing"
)

func TestEncodeFrameRoundTripsThroughDeframer(t *testing.T) {
	d := NewDeframer(0)
	payload := []byte("hello river")
	frame := EncodeFrame(payload)

	frames, err := d.Push(frame)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], payload) {
		t.Fatalf("frames = %v, want [%q]", frames, payload)
	}
}

func TestDeframerHandlesArbitraryChunking(t *testing.T) {
	d := NewDeframer(0)
	a := EncodeFrame([]byte("first"))
	b := EncodeFrame([]byte("second"))
	combined := append(append([]byte{}, a...), b...)

	var got [][]byte
	for i := 0; i < len(combined); i++ {
		frames, err := d.Push(combined[i : i+1])
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		got = append(got, frames...)
	}

	if len(got) != 2 || string(got[0]) != "first" || string(got[1]) != "second" {
		t.Fatalf("got = %v, want [first second]", got)
	}
}

func TestDeframerRejectsOversizedFrame(t *testing.T) {
	d := NewDeframer(8)
	frame := EncodeFrame([]byte("this payload is way over the limit"))

	_, err := d.Push(frame)
	if err == nil {
		t.Fatalf("expected a framing error for an oversized frame")
	}
	var ferr *FramingError
	if !asFramingError(err, &ferr) {
		t.Fatalf("error = %v, want *FramingError", err)
	}
}

func asFramingError(err error, target **FramingError) bool {
	fe, ok := err.(*FramingError)
	if ok {
		*target = fe
	}
	return ok
}

func TestDeframerMultipleFramesInOneChunk(t *testing.T) {
	d := NewDeframer(0)
	a := EncodeFrame([]byte("one"))
	b := EncodeFrame([]byte("two"))
	c := EncodeFrame([]byte("three"))
	combined := append(append(append([]byte{}, a...), b...), c...)

	frames, err := d.Push(combined)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(frames[i]) != want {
			t.Fatalf("frames[%d] = %q, want %q", i, frames[i], want)
		}
	}
}
