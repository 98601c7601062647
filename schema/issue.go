// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// An Issue describes one validation failure.
type Issue struct {
	Code    string `json:"code"`
	Path    []any  `json:"path"` // each element is a string or an int; see NormalizePath
	Message string `json:"message"`
}

// String returns a human-friendly rendering of the issue.
func (i Issue) String() string {
	if len(i.Path) == 0 {
		return fmt.Sprintf("%s (%s)", i.Message, i.Code)
	}
	parts := make([]string, len(i.Path))
	for j, p := range i.Path {
		parts[j] = fmt.Sprint(p)
	}
	return fmt.Sprintf("%s: %s (%s)", strings.Join(parts, "."), i.Message, i.Code)
}

// MarshalJSON encodes i. A nil path is encoded as an empty array.
func (i Issue) MarshalJSON() ([]byte, error) {
	type wire Issue
	w := wire(i)
	path, err := NormalizePath(w.Path)
	if err != nil {
		return nil, err
	}
	w.Path = path
	return json.Marshal(w)
}

// NormalizePath returns a copy of path in which every element is a string or
// an int. Integers of any type, integral floats, and integral json.Number
// values are converted to int. A nil path yields an empty slice. Any other
// element is an error.
func NormalizePath(path []any) ([]any, error) {
	out := make([]any, len(path))
	for j, p := range path {
		var err error
		if out[j], err = pathElement(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func pathElement(p any) (any, error) {
	switch t := p.(type) {
	case string, int:
		return t, nil
	case int8:
		return int(t), nil
	case int16:
		return int(t), nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint:
		return uintIndex(uint64(t))
	case uint8:
		return int(t), nil
	case uint16:
		return int(t), nil
	case uint32:
		return uintIndex(uint64(t))
	case uint64:
		return uintIndex(t)
	case float32:
		return floatIndex(float64(t))
	case float64:
		return floatIndex(t)
	case json.Number:
		if v, err := t.Int64(); err == nil {
			return int(v), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid path element %v (%T)", p, p)
		}
		return floatIndex(f)
	}
	return nil, fmt.Errorf("invalid path element %v (%T)", p, p)
}

func uintIndex(v uint64) (any, error) {
	if v > math.MaxInt {
		return nil, fmt.Errorf("path element %d is out of range", v)
	}
	return int(v), nil
}

func floatIndex(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return nil, fmt.Errorf("path element %v is not an index", f)
	}
	return int(f), nil
}

// UnmarshalJSON decodes i from data. All three fields are required, and each
// path element must be a string or an integral number.
func (i *Issue) UnmarshalJSON(data []byte) error {
	var w struct {
		Code    *string `json:"code"`
		Path    []any   `json:"path"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Code == nil || w.Message == nil || w.Path == nil {
		return errors.New("issue requires code, path, and message")
	}
	path := make([]any, len(w.Path))
	for j, p := range w.Path {
		switch t := p.(type) {
		case string:
			path[j] = t
		case float64:
			if t != math.Trunc(t) || math.IsInf(t, 0) {
				return fmt.Errorf("path element %v is not an index", t)
			}
			path[j] = int(t)
		default:
			return fmt.Errorf("invalid path element %v", p)
		}
	}
	*i = Issue{Code: *w.Code, Path: path, Message: *w.Message}
	return nil
}
