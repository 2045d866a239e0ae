// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ClientHandshakeOptions extends the outgoing handshake with an optional
// metadata blob, e.g. an authentication token (see the authext
// subpackage for a reference JWT-based extension).
type ClientHandshakeOptions struct {
	// Construct builds the metadata blob to attach to HANDSHAKE_REQ. A
	// nil Construct sends no metadata. An error here deletes the session
	// as unhealthy.
	Construct func() (json.RawMessage, error)
}

// HandshakeValidationError lets a custom validator pick which fatal
// handshake error code the server reports. A validator that returns a
// plain error is reported as HandshakeErrorRejectedByCustomHandler.
type HandshakeValidationError struct {
	Code   HandshakeErrorCode
	Reason string
}

func (e *HandshakeValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// ServerHandshakeOptions extends handshake acceptance on the server side.
type ServerHandshakeOptions struct {
	// MetadataSchema, if set, validates HANDSHAKE_REQ.metadata before
	// Validate runs. A schema violation is reported as
	// HandshakeErrorMalformedHandshakeMeta.
	MetadataSchema *jsonschema.Schema

	// Validate, if set, runs after schema validation. previous is the
	// last metadata blob accepted for this peer id, if a session is
	// being adopted, or nil for a new session. Returning a
	// *HandshakeValidationError selects the reported code; any other
	// non-nil error is reported as HandshakeErrorRejectedByCustomHandler.
	Validate func(metadata json.RawMessage, previous json.RawMessage) error
}

// validateMetadata runs schema validation followed by the custom
// validator, translating failures into the exact fatal codes a handshake
// response requires.
func (o *ServerHandshakeOptions) validateMetadata(metadata, previous json.RawMessage) *HandshakeResponse {
	if o == nil {
		return nil
	}
	if o.MetadataSchema != nil {
		resolved, err := o.MetadataSchema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			return errResponse(HandshakeErrorMalformedHandshakeMeta, err.Error())
		}
		var v any
		if len(metadata) == 0 {
			v = nil
		} else if err := json.Unmarshal(metadata, &v); err != nil {
			return errResponse(HandshakeErrorMalformedHandshakeMeta, "metadata is not valid JSON: "+err.Error())
		}
		if err := resolved.Validate(v); err != nil {
			return errResponse(HandshakeErrorMalformedHandshakeMeta, err.Error())
		}
	}
	if o.Validate != nil {
		if err := o.Validate(metadata, previous); err != nil {
			var verr *HandshakeValidationError
			if e, ok := err.(*HandshakeValidationError); ok {
				verr = e
				return errResponse(verr.Code, verr.Reason)
			}
			return errResponse(HandshakeErrorRejectedByCustomHandler, err.Error())
		}
	}
	return nil
}
