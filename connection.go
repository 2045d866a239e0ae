// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

// Connection is the minimal byte-duplex contract a session drives. A
// session installs its listeners on entering a state that owns the
// connection and uninstalls them (SetListeners(nil, nil, nil)) on exit, so
// at most one data/close/error listener is ever active at a time.
//
// Concrete implementations (websocket, unix socket, in-memory pipe) live
// outside this package; see the transport subpackage for reference
// implementations used by this module's own tests and demo.
type Connection interface {
	// Send is best-effort: it returns false if the underlying channel
	// refused the write (e.g. already closing). It never blocks
	// indefinitely.
	Send(data []byte) bool

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// SetListeners installs the single data/close/error listener slot,
	// replacing whatever was installed before. Passing all nils
	// uninstalls the current listeners. Close MUST also fire onClose
	// after any onError.
	SetListeners(onData func(data []byte), onClose func(), onError func(err error))
}
