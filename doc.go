// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package river implements the session and transport core of a
// transport-agnostic RPC framework: a reliable, ordered, resumable,
// bidirectional message channel between two named endpoints over an
// unreliable byte-duplex connection (websocket, unix socket, TCP, in-memory
// pipe).
//
// The package does not implement RPC dispatch, schema validation of user
// payloads, or any concrete byte-duplex; it consumes a [Codec], a
// [Connection], a [Clock], and a [log/slog.Logger], and exposes a [ClientTransport]
// or [ServerTransport] plus an [EventBus] to a higher-level router.
package river

// ProtocolVersion is the handshake protocol version this package
// implements. Any handshake that advertises a different version is
// rejected with [HandshakeErrorProtocolVersionMismatch].
const ProtocolVersion = "v2.0"
