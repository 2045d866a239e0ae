// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package schemainfer_test

import (
	"testing"

	"github.com/riverrpc/river/schemainfer"
)

type tokenMetadata struct {
	Token string `json:"token" jsonschema:"bearer token presented at handshake"`
	Scope string `json:"scope,omitempty"`
}

func TestForMetadata(t *testing.T) {
	s, err := schemainfer.ForMetadata[tokenMetadata]()
	if err != nil {
		t.Fatalf("ForMetadata: %v", err)
	}
	if s.Type != "object" {
		t.Fatalf("Type = %q, want object", s.Type)
	}
	if _, ok := s.Properties["token"]; !ok {
		t.Fatalf("missing token property: %+v", s.Properties)
	}
	if _, ok := s.Properties["scope"]; !ok {
		t.Fatalf("missing scope property: %+v", s.Properties)
	}
	var required bool
	for _, r := range s.Required {
		if r == "token" {
			required = true
		}
		if r == "scope" {
			t.Fatalf("scope should not be required: omitempty field")
		}
	}
	if !required {
		t.Fatalf("token should be required, got %v", s.Required)
	}
}
