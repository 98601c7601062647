// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package schema defines the schema values used to validate the arguments,
// results, payloads, and contexts exchanged by dualshock peers.
//
// A Schema is a compiled JSON Schema document. Values are validated in their
// JSON form: before checking, a Go value is encoded to JSON and decoded back
// into the generic representation (maps, slices, float64, string, bool, nil),
// so a struct with JSON tags validates the same way it looks on the wire.
//
// Validation failures are reported as a list of [Issue] values, one for each
// failing leaf of the schema, each naming the location of the offending value
// as a path of object keys (strings) and array indices (ints).
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Predefined schemas for common scalar shapes.
var (
	Any      = MustCompile(`{}`)
	String   = MustCompile(`{"type":"string"}`)
	Number   = MustCompile(`{"type":"number"}`)
	Integer  = MustCompile(`{"type":"integer"}`)
	Boolean  = MustCompile(`{"type":"boolean"}`)
	Null     = MustCompile(`{"type":"null"}`)
	DateTime = MustCompile(`{"type":"string","format":"date-time"}`)
)

// A Schema is a compiled JSON Schema document. A nil *Schema accepts every
// value.
type Schema struct {
	doc json.RawMessage
	sch *jsonschema.Schema
}

// Compile compiles the JSON Schema document in doc.
func Compile(doc string) (*Schema, error) {
	if !json.Valid([]byte(doc)) {
		return nil, errors.New("schema document is not valid JSON")
	}
	sch, err := jsonschema.CompileString("schema.json", doc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{doc: json.RawMessage(doc), sch: sch}, nil
}

// MustCompile compiles doc as with Compile, but panics if compilation fails.
func MustCompile(doc string) *Schema {
	s, err := Compile(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports the issues found checking v against s.  It returns nil if
// v satisfies s, or if s == nil.
func (s *Schema) Validate(v any) []Issue {
	if s == nil {
		return nil
	}
	jv, err := Normalize(v)
	if err != nil {
		return []Issue{{Code: "invalid_type", Path: []any{}, Message: err.Error()}}
	}
	err = s.sch.Validate(jv)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Issue{{Code: "invalid", Path: []any{}, Message: err.Error()}}
	}
	var out []Issue
	collect(ve, &out)
	return out
}

// collect appends the leaf failures of ve to out.
func collect(ve *jsonschema.ValidationError, out *[]Issue) {
	if len(ve.Causes) == 0 {
		*out = append(*out, Issue{
			Code:    keyword(ve.KeywordLocation),
			Path:    ParsePointer(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

// keyword returns the last segment of a keyword location.
func keyword(loc string) string {
	if i := strings.LastIndexByte(loc, '/'); i >= 0 && i+1 < len(loc) {
		return loc[i+1:]
	}
	return "invalid"
}

// String returns the source document of s.
func (s *Schema) String() string {
	if s == nil {
		return "{}"
	}
	return string(s.doc)
}

// MarshalJSON encodes s as its source document.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return s.doc, nil
}

// UnmarshalJSON compiles a schema from the JSON document in data.
func (s *Schema) UnmarshalJSON(data []byte) error {
	c, err := Compile(string(data))
	if err != nil {
		return err
	}
	*s = *c
	return nil
}

// Normalize converts v to its generic JSON representation by encoding it and
// decoding the result.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParsePointer splits a JSON pointer (RFC 6901) into path elements.
// Segments consisting only of decimal digits are reported as int indices.
func ParsePointer(ptr string) []any {
	path := []any{}
	if ptr == "" {
		return path
	}
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if !isDigits(seg) {
			path = append(path, seg)
		} else if n, err := strconv.Atoi(seg); err == nil {
			path = append(path, n)
		} else {
			path = append(path, seg)
		}
	}
	return path
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
