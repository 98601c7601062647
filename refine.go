// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import (
	"context"
	"fmt"

	"github.com/creachadair/dualshock/schema"
	"github.com/rs/zerolog"
)

// DefaultRefinementCode is the issue code reported for a failing refinement
// that does not specify its own code.
const DefaultRefinementCode = "custom"

// A Refinement is a named business-rule check that gates the execution of a
// handler beyond schema validation.
//
// Refinements run in the order they are declared. The Pre stage of each
// refinement runs after the arguments pass schema validation and before the
// handler runs; the Post stage runs after the handler succeeds. The first
// stage to report false or an error stops the pipeline, and the request fails
// with a *ValidationError carrying a single issue built from the Code,
// Message, and Path of that refinement. Failures are not aggregated.
//
// An error returned by a stage is treated the same as false: the caller
// receives the refinement's issue, not the error. This includes an error from
// ContextHolder.Require, so a refinement that needs a context value reports a
// missing one as a validation failure. The error itself is logged at debug
// level. To report a missing context value as an internal error instead,
// declare a Context schema, which is checked before the stage runs.
type Refinement struct {
	Path    []any  // location of the failure reported to the caller
	Message string // message reported to the caller
	Code    string // issue code; DefaultRefinementCode if empty

	// Optional schemas checked before each stage of this refinement runs.
	// An Args mismatch is reported the same way as a failing stage.  A Context
	// mismatch (against a snapshot of the context holder) or a Returns mismatch
	// is an internal error, since it means the refinement was attached to a
	// handler whose contract it does not fit.
	Args    *schema.Schema
	Returns *schema.Schema
	Context *schema.Schema

	// Pre, if set, is called with the validated arguments.
	Pre func(ctx context.Context, args any, cc *ContextHolder) (bool, error)

	// Post, if set, is called with the arguments and the handler's result.
	Post func(ctx context.Context, args, returns any, cc *ContextHolder) (bool, error)
}

// Issue returns the validation issue reported when r fails. Numeric elements
// of the path are converted to int as by schema.NormalizePath.
func (r Refinement) Issue() schema.Issue {
	is := schema.Issue{Code: r.Code, Path: r.Path, Message: r.Message}
	if is.Code == "" {
		is.Code = DefaultRefinementCode
	}
	if path, err := schema.NormalizePath(r.Path); err == nil {
		is.Path = path
	} else if is.Path == nil {
		is.Path = []any{}
	}
	return is
}

func (r Refinement) reject(log zerolog.Logger, stage string, cause error) error {
	is := r.Issue()
	ev := log.Debug().Str("stage", stage).Str("code", is.Code).Str("message", is.Message)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("refinement rejected request")
	return &ValidationError{Errors: []schema.Issue{is}}
}

// checkInputs verifies the argument and context schemas of r.
func (r Refinement) checkInputs(log zerolog.Logger, stage string, args any, cc *ContextHolder) error {
	if r.Context != nil {
		if issues := r.Context.Validate(cc.Snapshot()); len(issues) != 0 {
			return Errorf(KindInternal, "refinement %q: context does not match its schema: %v", r.Message, issues)
		}
	}
	if issues := r.Args.Validate(args); len(issues) != 0 {
		return r.reject(log, stage, fmt.Errorf("arguments do not match refinement schema: %v", issues))
	}
	return nil
}

// runPre runs the Pre stages of rs in order.
func runPre(ctx context.Context, log zerolog.Logger, rs []Refinement, args any, cc *ContextHolder) error {
	for _, r := range rs {
		if r.Pre == nil {
			continue
		}
		if err := r.checkInputs(log, "pre", args, cc); err != nil {
			return err
		}
		if ok, err := r.Pre(ctx, args, cc); err != nil || !ok {
			return r.reject(log, "pre", err)
		}
	}
	return nil
}

// runPost runs the Post stages of rs in order.
func runPost(ctx context.Context, log zerolog.Logger, rs []Refinement, args, returns any, cc *ContextHolder) error {
	for _, r := range rs {
		if r.Post == nil {
			continue
		}
		if err := r.checkInputs(log, "post", args, cc); err != nil {
			return err
		}
		if issues := r.Returns.Validate(returns); len(issues) != 0 {
			return Errorf(KindInternal, "refinement %q: result does not match its schema: %v", r.Message, issues)
		}
		if ok, err := r.Post(ctx, args, returns, cc); err != nil || !ok {
			return r.reject(log, "post", err)
		}
	}
	return nil
}
