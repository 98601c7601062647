// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/dualshock/schema"
)

// ErrConnectionClosed is reported to callers whose requests were still pending
// when the connection terminated.
var ErrConnectionClosed = errors.New("connection closed")

// Kind enumerates the typed errors defined by the protocol.
type Kind byte

const (
	KindProtocol       Kind = iota + 1 // malformed frame or unhandled packet type
	KindInvalidPayload                 // a response did not match the local contract
	KindNotFound                       // no such method
	KindValidation                     // the kind of a *ValidationError
	KindInternal                       // context contract violation or server bug
)

// Code returns the wire error code for k.
func (k Kind) Code() string {
	switch k {
	case KindProtocol:
		return "RPC_PROTOCOL_ERROR"
	case KindInvalidPayload:
		return "RPC_INVALID_PAYLOAD"
	case KindNotFound:
		return "RPC_NOT_FOUND"
	case KindValidation:
		return "RPC_VALIDATION_ERROR"
	case KindInternal:
		return "RPC_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("RPC_KIND_%d", byte(k))
	}
}

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindInvalidPayload:
		return "InvalidPayloadError"
	case KindNotFound:
		return "NotFoundError"
	case KindValidation:
		return "ValidationError"
	case KindInternal:
		return "InternalError"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Error is the concrete type of the typed errors defined by the protocol.
// When an Error escapes a handler, the error packet carries its code.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional underlying cause
}

// Errorf constructs an *Error of the given kind with a formatted message.
// As with fmt.Errorf, a %w verb records the underlying cause.
func Errorf(kind Kind, msg string, args ...any) *Error {
	err := fmt.Errorf(msg, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Error satisfies the error interface.
func (e *Error) Error() string { return e.Kind.String() + ": " + e.Message }

// Unwrap reports the underlying cause of e, if any.
func (e *Error) Unwrap() error { return e.Err }

// Code returns the wire error code for e.
func (e *Error) Code() string { return e.Kind.Code() }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &Error{Kind: KindNotFound}) works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// ValidationError reports that a value failed schema validation or that a
// refinement rejected a request. It corresponds to an invalid packet.
type ValidationError struct {
	Errors []schema.Issue
}

// Error satisfies the error interface.
func (v *ValidationError) Error() string {
	const prefix = "ValidationError: Invalid request payload"
	if len(v.Errors) == 0 {
		return prefix
	}
	parts := make([]string, len(v.Errors))
	for i, is := range v.Errors {
		parts[i] = is.String()
	}
	return prefix + ": " + strings.Join(parts, "; ")
}

// Code returns the wire error code for a validation error.
func (*ValidationError) Code() string { return KindValidation.Code() }

// ErrorData is the payload of an error packet.  An *ErrorData is reported to
// callers whose request failed with an error packet.
type ErrorData struct {
	Code    string // empty for errors other than the protocol's own typed errors
	Message string
	Stack   string // empty unless the remote peer exposes stacks
}

// Error satisfies the error interface.
func (e *ErrorData) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

type wireErrorData struct {
	Code    *string `json:"code"`
	Message *string `json:"message"`
	Stack   *string `json:"stack"`
}

// MarshalJSON encodes e in wire format. Empty code and stack are null.
func (e ErrorData) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireErrorData{
		Code:    nonEmpty(e.Code),
		Message: &e.Message,
		Stack:   nonEmpty(e.Stack),
	})
}

// UnmarshalJSON decodes e from wire format. The message is required.
func (e *ErrorData) UnmarshalJSON(data []byte) error {
	var w wireErrorData
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	} else if w.Message == nil {
		return errors.New("error data requires a message")
	}
	*e = ErrorData{Message: *w.Message, Code: deref(w.Code), Stack: deref(w.Stack)}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// coder is implemented by errors that carry a protocol error code.
type coder interface{ Code() string }

// formatError converts err into the payload of an error packet.
func formatError(err error) ErrorData {
	var ed *ErrorData
	if errors.As(err, &ed) {
		return *ed
	}
	var out ErrorData
	var c coder
	if errors.As(err, &c) {
		out.Code = c.Code()
	}
	out.Message = err.Error()
	return out
}

// CallError is the concrete type of errors reported by the Invoke and Emit
// methods of a Connection. Err is the underlying failure, which may be a
// *ValidationError for an invalid response, an *ErrorData for an error
// response, ErrConnectionClosed, or the error from the caller's context.
type CallError struct {
	Name   string // the method or event name
	Serial int64  // zero if no request was sent
	Err    error
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Serial == 0 {
		return fmt.Sprintf("call %q: %v", c.Name, c.Err)
	}
	return fmt.Sprintf("call %q (serial %d): %v", c.Name, c.Serial, c.Err)
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }
