// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package refine provides ready-made refinements for dualshock handlers.
package refine

import (
	"context"
	"fmt"

	"github.com/creachadair/dualshock"
	"golang.org/x/time/rate"
)

// Issue codes reported by the refinements in this package.
const (
	CodeMissingContext = "missing_context"
	CodeRateLimited    = "rate_limited"
)

// ContextKey returns a refinement that rejects a request unless the
// connection context holds a non-nil value for key.
func ContextKey(key string) dualshock.Refinement {
	return dualshock.Refinement{
		Code:    CodeMissingContext,
		Message: fmt.Sprintf("context key %q is required", key),
		Pre: func(_ context.Context, _ any, cc *dualshock.ContextHolder) (bool, error) {
			_, err := cc.Require(key)
			return err == nil, nil
		},
	}
}

// RateLimit returns a refinement that rejects a request when lim does not
// allow an event at the time of the request. The limiter is shared by every
// handler and connection the refinement is attached to.
func RateLimit(lim *rate.Limiter) dualshock.Refinement {
	return dualshock.Refinement{
		Code:    CodeRateLimited,
		Message: "rate limit exceeded",
		Pre: func(context.Context, any, *dualshock.ContextHolder) (bool, error) {
			return lim.Allow(), nil
		},
	}
}

// RateLimitContext returns a refinement that limits requests separately for
// each connection. The limiter for a connection is created on first use with
// the given rate and burst, and stored in its context under key.
func RateLimitContext(key string, r rate.Limit, burst int) dualshock.Refinement {
	return dualshock.Refinement{
		Code:    CodeRateLimited,
		Message: "rate limit exceeded",
		Pre: func(_ context.Context, _ any, cc *dualshock.ContextHolder) (bool, error) {
			lim, err := dualshock.ContextValue[*rate.Limiter](cc, key)
			if err != nil {
				if cc.Has(key) {
					return false, err // present but of the wrong type
				}
				lim = rate.NewLimiter(r, burst)
				cc.Set(key, lim)
			}
			return lim.Allow(), nil
		},
	}
}
