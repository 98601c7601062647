// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"time"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/catalog"
	"github.com/creachadair/dualshock/handler"
	"github.com/creachadair/dualshock/refine"
	"github.com/creachadair/dualshock/schema"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	operandsSchema = schema.MustCompile(`{
  "type": "object",
  "properties": {"a": {"type": "number"}, "b": {"type": "number"}},
  "required": ["a", "b"]
}`)
	noticeSchema = schema.MustCompile(`{
  "type": "object",
  "properties": {"text": {"type": "string"}},
  "required": ["text"]
}`)
)

type operands struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type notice struct {
	Text string `json:"text"`
}

const userKey = "user"

// newService returns the router of the demonstration service.
func newService(cfg Config, log zerolog.Logger) *dualshock.Router {
	r := dualshock.NewRouter().LogTo(log)

	var limits []dualshock.Refinement
	if cfg.RateLimit > 0 {
		limits = append(limits, refine.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)))
	}
	refs := func(rs ...dualshock.Refinement) []dualshock.Refinement {
		return append(append([]dualshock.Refinement(nil), limits...), rs...)
	}

	r.RPC("echo", &dualshock.RPC{
		Refine: refs(),
		Handle: func(_ context.Context, req *dualshock.Request) (any, error) { return req.Args, nil },
	})

	math := r.Ns("math")
	math.RPC("add", &dualshock.RPC{
		Args:    operandsSchema,
		Returns: schema.Number,
		Refine:  refs(),
		Handle: handler.ParamResult(func(_ context.Context, p operands) float64 {
			return p.A + p.B
		}),
	})
	math.RPC("div", &dualshock.RPC{
		Args:    operandsSchema,
		Returns: schema.Number,
		Refine: refs(dualshock.Refinement{
			Path:    []any{"b"},
			Code:    "division_by_zero",
			Message: "divisor must not be zero",
			Pre: func(_ context.Context, args any, _ *dualshock.ContextHolder) (bool, error) {
				p, err := handler.Decode[operands](args)
				return err == nil && p.B != 0, err
			},
		}),
		Handle: handler.ParamResult(func(_ context.Context, p operands) float64 {
			return p.A / p.B
		}),
	})

	session := r.Ns("session")
	session.RPC("login", &dualshock.RPC{
		Args:    schema.MustCompile(`{"type":"string","minLength":1}`),
		Returns: schema.Null,
		Refine:  refs(),
		Handle: handler.ParamError(func(ctx context.Context, user string) error {
			req := handler.ContextRequest(ctx)
			req.Context.Set(userKey, user)
			log.Info().Str("user", user).Msg("login")

			// Greet the caller; if it does not acknowledge in time, go on.
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := dualshock.ContextConnection(ctx).Emit(cctx, "notice", notice{Text: "welcome, " + user}); err != nil {
				log.Warn().Err(err).Msg("sending notice")
			}
			return nil
		}),
	})
	session.RPC("whoami", &dualshock.RPC{
		Returns: schema.String,
		Refine:  refs(refine.ContextKey(userKey)),
		Handle: func(_ context.Context, req *dualshock.Request) (any, error) {
			return dualshock.ContextValue[string](req.Context, userKey)
		},
	})
	session.RPC("crash", &dualshock.RPC{
		Refine: refs(),
		Handle: func(context.Context, *dualshock.Request) (any, error) {
			panic(errors.New("deliberate crash"))
		},
	})

	r.On("log", &dualshock.On{
		Payload: noticeSchema,
		Handle: handler.Event(func(_ context.Context, n notice) error {
			log.Info().Str("text", n.Text).Msg("client log")
			return nil
		}),
	})
	r.Emits("notice", &dualshock.Emit{Payload: noticeSchema})

	return catalog.Register(r)
}
