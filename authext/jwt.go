// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package authext provides a sample JWT-based handshake metadata extension
// on top of [github.com/riverrpc/river.ClientHandshakeOptions] and
// [github.com/riverrpc/river.ServerHandshakeOptions].
package authext

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/riverrpc/river"
)

type tokenMetadata struct {
	Token string `json:"token"`
}

// ClientHandshakeOptions builds handshake metadata carrying a freshly
// signed bearer token. Subject identifies the connecting peer; Claims are
// merged into the token on top of the standard registered claims.
type ClientHandshakeOptions struct {
	SigningKey []byte
	Subject    string
	Expiry     time.Duration
	Claims     jwt.MapClaims
}

// Options returns a river.ClientHandshakeOptions that signs a fresh token
// on every handshake attempt (including reconnects), so a rotated or
// expired token never blocks reconnection.
func (o *ClientHandshakeOptions) Options() *river.ClientHandshakeOptions {
	return &river.ClientHandshakeOptions{
		Construct: func() (json.RawMessage, error) {
			expiry := o.Expiry
			if expiry <= 0 {
				expiry = time.Hour
			}
			claims := jwt.MapClaims{}
			for k, v := range o.Claims {
				claims[k] = v
			}
			claims["sub"] = o.Subject
			claims["exp"] = time.Now().Add(expiry).Unix()
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
			signed, err := token.SignedString(o.SigningKey)
			if err != nil {
				return nil, fmt.Errorf("authext: failed to sign token: %w", err)
			}
			return json.Marshal(tokenMetadata{Token: signed})
		},
	}
}

// ServerHandshakeOptions validates the bearer token attached by
// ClientHandshakeOptions and calls Authorize with its claims.
type ServerHandshakeOptions struct {
	VerifyingKey []byte
	// Authorize is called with the validated claims once the token's
	// signature and expiry check out. Returning an error rejects the
	// handshake as river.HandshakeErrorRejectedByCustomHandler.
	Authorize func(claims jwt.MapClaims) error
}

// Options returns a river.ServerHandshakeOptions whose Validate callback
// enforces the bearer token.
func (o *ServerHandshakeOptions) Options() *river.ServerHandshakeOptions {
	return &river.ServerHandshakeOptions{
		Validate: func(metadata, _ json.RawMessage) error {
			var meta tokenMetadata
			if err := json.Unmarshal(metadata, &meta); err != nil || meta.Token == "" {
				return &river.HandshakeValidationError{
					Code:   river.HandshakeErrorMalformedHandshakeMeta,
					Reason: "missing bearer token",
				}
			}
			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(meta.Token, claims, func(t *jwt.Token) (any, error) {
				return o.VerifyingKey, nil
			})
			if err != nil {
				return &river.HandshakeValidationError{
					Code:   river.HandshakeErrorRejectedByCustomHandler,
					Reason: "invalid bearer token: " + err.Error(),
				}
			}
			if o.Authorize != nil {
				if err := o.Authorize(claims); err != nil {
					return &river.HandshakeValidationError{
						Code:   river.HandshakeErrorRejectedByCustomHandler,
						Reason: err.Error(),
					}
				}
			}
			return nil
		},
	}
}
