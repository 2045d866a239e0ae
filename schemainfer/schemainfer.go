// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package schemainfer derives a [github.com/riverrpc/river.ServerHandshakeOptions.MetadataSchema]
// from a Go type, so a handshake metadata shape can be declared once as a
// struct instead of hand-authored as JSON Schema.
package schemainfer

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ForMetadata infers a schema for T's exported fields, following the
// library's usual struct tag conventions (json field names, "omitempty"
// marking a property optional, a "jsonschema" tag supplying its
// description). T is the shape callers expect in HANDSHAKE_REQ.metadata.
func ForMetadata[T any]() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		var z T
		return nil, fmt.Errorf("schemainfer: For[%T]: %w", z, err)
	}
	return s, nil
}
