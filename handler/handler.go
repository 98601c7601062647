// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the dualshock.Handler and
// dualshock.EventHandler types for functions with typed parameters.
//
// Arguments arrive in JSON form (as decoded by encoding/json into an any).
// The adapters convert them to the parameter type P by re-encoding, so P may
// be any type that encoding/json can decode into. An argument that cannot be
// converted is reported to the caller as a validation failure. Results are
// passed through unchanged, and are encoded when the response is sent.
package handler

import (
	"context"
	"encoding/json"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/schema"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request.  The context passed to a handler returned
// by this package will have this value.
func ContextRequest(ctx context.Context) *dualshock.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*dualshock.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a dualshock.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) dualshock.Handler {
	return func(ctx context.Context, req *dualshock.Request) (any, error) {
		p, err := Decode[P](req.Args)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a dualshock.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) dualshock.Handler {
	return func(ctx context.Context, req *dualshock.Request) (any, error) {
		p, err := Decode[P](req.Args)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a dualshock.Handler. On success the result is
// null.
func ParamError[P any](f func(context.Context, P) error) dualshock.Handler {
	return func(ctx context.Context, req *dualshock.Request) (any, error) {
		p, err := Decode[P](req.Args)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a dualshock.Handler.
func ResultError[R any](f func(context.Context) (R, error)) dualshock.Handler {
	return func(ctx context.Context, req *dualshock.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a dualshock.Handler.
func ResultOnly[R any](f func(context.Context) R) dualshock.Handler {
	return func(ctx context.Context, req *dualshock.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx), nil
	}
}

// Event adapts a function f that accepts a payload of type P to a
// dualshock.EventHandler.
func Event[P any](f func(context.Context, P) error) dualshock.EventHandler {
	return func(ctx context.Context, req *dualshock.Request) error {
		p, err := Decode[P](req.Args)
		if err != nil {
			return err
		}
		return f(context.WithValue(ctx, reqContextKey{}, req), p)
	}
}

// Decode converts v, a value in JSON form, to type P. If v already has type
// P it is returned as-is; a nil v yields the zero P. If v cannot be converted,
// Decode reports a *dualshock.ValidationError.
func Decode[P any](v any) (P, error) {
	var p P
	if v == nil {
		return p, nil
	} else if t, ok := v.(P); ok {
		return t, nil
	}
	data, err := json.Marshal(v)
	if err == nil {
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return p, &dualshock.ValidationError{Errors: []schema.Issue{{
			Code:    "invalid_type",
			Path:    []any{},
			Message: err.Error(),
		}}}
	}
	return p, nil
}
