// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "crypto/rand"

// newSessionID returns a new opaque, locally-unique session id of the form
// "session-<12-char alphanumeric>".
func newSessionID() string {
	return "session-" + rand.Text()[:12]
}

// newMessageID returns a new opaque message id.
func newMessageID() string {
	return rand.Text()[:12]
}

func assert(cond bool, msg string) {
	if !cond {
		panic("river: assertion failed: " + msg)
	}
}
