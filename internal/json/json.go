// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json provides the JSON codec used across the module. It is a thin
// wrapper over github.com/segmentio/encoding/json, which follows
// encoding/json's struct tag handling but avoids reflection on the hot
// encode/decode path of every inbound and outbound message. Unlike
// encoding/json, Unmarshal matches object keys to struct fields
// case-sensitively: a key that differs from a field name only in case is
// ignored.
package json

import (
	"io"

	segjson "github.com/segmentio/encoding/json"
)

func Marshal(v any) ([]byte, error) {
	return segjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	_, err := segjson.Parse(data, v, segjson.DontMatchCaseInsensitiveStructFieldNames)
	return err
}

func NewDecoder(r io.Reader) *segjson.Decoder {
	return segjson.NewDecoder(r)
}
