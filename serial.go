// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import "sync/atomic"

// A SerialSource generates request serials for one connection. Serials start
// at 1 and increase monotonically; a serial is never handed out twice by the
// same source. The zero value is ready for use, and is safe for concurrent use.
type SerialSource struct {
	last atomic.Int64
}

// Next returns the next unused serial.
func (s *SerialSource) Next() int64 { return s.last.Add(1) }

// Last returns the most recently issued serial, or 0 if none has been issued.
func (s *SerialSource) Last() int64 { return s.last.Load() }
