// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/channel"
	"github.com/creachadair/dualshock/peers"
	"github.com/creachadair/dualshock/schema"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var operands = schema.MustCompile(`{
  "type": "object",
  "properties": {"a": {"type": "number"}, "b": {"type": "number"}},
  "required": ["a", "b"]
}`)

func TestInvoke(t *testing.T) {
	defer leaktest.Check(t)()

	var echoCalls atomic.Int32
	r := dualshock.NewRouter()
	r.RPC("echo", &dualshock.RPC{
		Args:    schema.String,
		Returns: schema.String,
		Handle: func(_ context.Context, req *dualshock.Request) (any, error) {
			echoCalls.Add(1)
			return req.Args, nil
		},
	})
	r.Ns("math").RPC("add", &dualshock.RPC{
		Args:    operands,
		Returns: schema.Number,
		Handle: func(_ context.Context, req *dualshock.Request) (any, error) {
			m := req.Args.(map[string]any)
			return m["a"].(float64) + m["b"].(float64), nil
		},
	})
	r.Ns("a").Ns("b").RPC("c", &dualshock.RPC{
		Handle: func(context.Context, *dualshock.Request) (any, error) { return "deep", nil },
	})
	r.RPC("fail", &dualshock.RPC{
		Handle: func(context.Context, *dualshock.Request) (any, error) { return nil, errors.New("it broke") },
	})
	r.RPC("coded", &dualshock.RPC{
		Handle: func(context.Context, *dualshock.Request) (any, error) {
			return nil, &dualshock.ErrorData{Code: "E_CUSTOM", Message: "custom failure"}
		},
	})
	r.RPC("liar", &dualshock.RPC{
		Returns: schema.Number,
		Handle:  func(context.Context, *dualshock.Request) (any, error) { return "seven", nil },
	})

	loc := peers.NewLocalWith(r, nil)
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)
		if v := m.Get("calls_pending").(*expvar.Int).Value(); v != 0 {
			t.Errorf("Metric calls_pending = %d, want 0", v)
		}
	}()
	ctx := context.Background()

	t.Run("Echo", func(t *testing.T) {
		got, err := loc.B.Invoke(ctx, "echo", "hi")
		if err != nil || got != "hi" {
			t.Errorf("Invoke echo: got (%v, %v), want hi", got, err)
		}
	})

	t.Run("EchoInvalid", func(t *testing.T) {
		before := echoCalls.Load()
		_, err := loc.B.Invoke(ctx, "echo", 42)
		var ve *dualshock.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("Invoke echo: got %[1]T (%[1]v), want *ValidationError", err)
		}
		if len(ve.Errors) == 0 || ve.Errors[0].Code != "type" {
			t.Errorf("Issues: got %v, want a type issue", ve.Errors)
		}
		if n := echoCalls.Load(); n != before {
			t.Errorf("Handler ran %d times for invalid input", n-before)
		}
	})

	t.Run("Add", func(t *testing.T) {
		got, err := loc.B.Invoke(ctx, "math:add", map[string]any{"a": 2, "b": 3})
		if err != nil || got != 5.0 {
			t.Errorf("Invoke math:add: got (%v, %v), want 5", got, err)
		}
	})

	t.Run("Nested", func(t *testing.T) {
		if got, err := loc.B.Invoke(ctx, "a:b:c", nil); err != nil || got != "deep" {
			t.Errorf("Invoke a:b:c: got (%v, %v), want deep", got, err)
		}
		for _, name := range []string{"c", "b:c", "a:c", "a:b", "a", ":a:b:c"} {
			_, err := loc.B.Invoke(ctx, name, nil)
			if ed := errorData(t, err); ed.Code != "RPC_NOT_FOUND" {
				t.Errorf("Invoke %q: got %v, want not found", name, ed)
			}
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name string
			want dualshock.ErrorData
		}{
			{"fail", dualshock.ErrorData{Message: "it broke"}},
			{"coded", dualshock.ErrorData{Code: "E_CUSTOM", Message: "custom failure"}},
			{"nonesuch", dualshock.ErrorData{Code: "RPC_NOT_FOUND", Message: "NotFoundError: nonesuch"}},
		}
		for _, tc := range tests {
			_, err := loc.B.Invoke(ctx, tc.name, nil)
			if diff := cmp.Diff(tc.want, *errorData(t, err)); diff != "" {
				t.Errorf("Invoke %q error (-want, +got):\n%s", tc.name, diff)
			}
		}

		// A handler that breaks its own contract is an internal error.
		_, err := loc.B.Invoke(ctx, "liar", nil)
		if ed := errorData(t, err); ed.Code != "RPC_INTERNAL_ERROR" {
			t.Errorf("Invoke liar: got %v, want internal error", ed)
		}
	})
}

func TestRefinements(t *testing.T) {
	defer leaktest.Check(t)()

	var ran []string
	step := func(name string, ok bool) dualshock.Refinement {
		return dualshock.Refinement{
			Message: name,
			Pre: func(context.Context, any, *dualshock.ContextHolder) (bool, error) {
				ran = append(ran, name)
				return ok, nil
			},
		}
	}
	r := dualshock.NewRouter().RPC("gated", &dualshock.RPC{
		Refine: []dualshock.Refinement{step("R1", true), step("R2", false), step("R3", true)},
		Handle: func(context.Context, *dualshock.Request) (any, error) {
			ran = append(ran, "handler")
			return nil, nil
		},
	})
	loc := peers.NewLocalWith(r, nil)
	defer loc.Stop()

	_, err := loc.B.Invoke(context.Background(), "gated", nil)
	var ve *dualshock.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Invoke gated: got %[1]T (%[1]v), want *ValidationError", err)
	}
	want := []schema.Issue{{Code: dualshock.DefaultRefinementCode, Path: []any{}, Message: "R2"}}
	if diff := cmp.Diff(want, ve.Errors); diff != "" {
		t.Errorf("Issues (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"R1", "R2"}, ran); diff != "" {
		t.Errorf("Stages run (-want, +got):\n%s", diff)
	}
}

func TestRefinementPath(t *testing.T) {
	defer leaktest.Check(t)()

	reject := func(path ...any) dualshock.Refinement {
		return dualshock.Refinement{
			Path:    path,
			Message: "rejected",
			Pre:     func(context.Context, any, *dualshock.ContextHolder) (bool, error) { return false, nil },
		}
	}
	r := dualshock.NewRouter()
	r.RPC("int64", &dualshock.RPC{Refine: []dualshock.Refinement{reject("items", int64(2))}, Handle: echo})
	r.RPC("uint", &dualshock.RPC{Refine: []dualshock.Refinement{reject("items", uint(2))}, Handle: echo})
	r.RPC("float", &dualshock.RPC{Refine: []dualshock.Refinement{reject("items", 2.0)}, Handle: echo})
	loc := peers.NewLocalWith(r, nil)
	defer loc.Stop()

	want := []schema.Issue{{Code: dualshock.DefaultRefinementCode, Path: []any{"items", 2}, Message: "rejected"}}
	for _, name := range []string{"int64", "uint", "float"} {
		_, err := loc.B.Invoke(context.Background(), name, nil)
		var ve *dualshock.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Invoke %q: got %[2]T (%[2]v), want *ValidationError", name, err)
			continue
		}
		if diff := cmp.Diff(want, ve.Errors); diff != "" {
			t.Errorf("Invoke %q issues (-want, +got):\n%s", name, diff)
		}
	}
}

func TestEvents(t *testing.T) {
	tests := []struct {
		policy dualshock.EventPolicy
		want   []string
	}{
		{dualshock.AbortOnError, []string{"h1", "h2"}},
		{dualshock.ContinueOnError, []string{"h1", "h2", "h3"}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("policy-%d", tc.policy), func(t *testing.T) {
			defer leaktest.Check(t)()

			var ran []string
			hook := func(name string, err error) *dualshock.On {
				return &dualshock.On{Handle: func(context.Context, *dualshock.Request) error {
					ran = append(ran, name)
					return err
				}}
			}
			r := dualshock.NewRouter().SetEventPolicy(tc.policy).
				On("ping", hook("h1", nil)).
				On("ping", hook("h2", errors.New("h2 failed"))).
				On("ping", hook("h3", nil))

			loc := peers.NewLocalWith(r, nil)
			defer loc.Stop()
			ctx := context.Background()

			err := loc.B.Emit(ctx, "ping", nil)
			if ed := errorData(t, err); ed.Message != "h2 failed" {
				t.Errorf("Emit ping: got %v, want h2 failed", ed)
			}
			if diff := cmp.Diff(tc.want, ran); diff != "" {
				t.Errorf("Handlers run (-want, +got):\n%s", diff)
			}

			// Events nobody handles are acknowledged.
			if err := loc.B.Emit(ctx, "nobody-listens", 1); err != nil {
				t.Errorf("Emit unhandled: unexpected error: %v", err)
			}
		})
	}
}

func TestUnmatchedResponse(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	conn := dualshock.NewConnection(dualshock.NewRouter().RPC("echo", &dualshock.RPC{Handle: echo})).Start(a)
	missing := conn.Metrics().Get("receivers_missing").(*expvar.Int)
	before := missing.Value()

	// Start a call, so there is a live receiver the stray responses must miss.
	done := make(chan any, 1)
	go func() {
		v, err := conn.Invoke(context.Background(), "remote", nil)
		if err != nil {
			v = err
		}
		done <- v
	}()
	req, ok := mustRecv(t, b).(*dualshock.InvokePacket)
	if !ok {
		t.Fatal("Did not receive the expected invoke packet")
	}

	stray := req.Serial + 100
	mustSend(t, b, fmt.Sprintf(`{"serial":%d,"type":"result","data":"stale"}`, stray))
	mustSend(t, b, fmt.Sprintf(`{"serial":%d,"type":"error","error":{"message":"stale"}}`, stray+1))
	mustSend(t, b, fmt.Sprintf(`{"serial":%d,"type":"invalid","errors":[]}`, stray+2))

	// The connection still serves requests after the stray responses.
	mustSend(t, b, `{"serial":1,"type":"invoke","name":"echo","args":"hi"}`)
	want := &dualshock.ResultPacket{Serial: 1, Data: "hi"}
	if diff := cmp.Diff(want, mustRecv(t, b)); diff != "" {
		t.Errorf("Response (-want, +got):\n%s", diff)
	}
	select {
	case v := <-done:
		t.Fatalf("Call settled by a stray response: %v", v)
	default:
	}

	mustSend(t, b, fmt.Sprintf(`{"serial":%d,"type":"result","data":"fresh"}`, req.Serial))
	if got := <-done; got != "fresh" {
		t.Errorf("Invoke remote: got %v, want fresh", got)
	}
	if v := missing.Value(); v < before+3 {
		t.Errorf("Metric receivers_missing = %d, want >= %d", v, before+3)
	}
	closeRaw(t, conn, b)
}

// brokenSend is a channel whose Send always fails.
type brokenSend struct {
	dualshock.Channel
	err error
}

func (b brokenSend) Send([]byte) error { return b.err }

func TestSendFailure(t *testing.T) {
	defer leaktest.Check(t)()

	errWrite := errors.New("write: broken pipe")
	t.Run("Response", func(t *testing.T) {
		exited := make(chan error, 1)
		a, b := channel.Direct()
		r := dualshock.NewRouter().RPC("echo", &dualshock.RPC{Handle: echo})
		conn := dualshock.NewConnection(r).OnExit(func(err error) { exited <- err }).Start(brokenSend{a, errWrite})

		mustSend(t, b, `{"serial":1,"type":"invoke","name":"echo","args":"hi"}`)
		if err := <-exited; !errors.Is(err, errWrite) {
			t.Errorf("OnExit: got %v, want %v", err, errWrite)
		}
		b.Close()
		if err := conn.Wait(); !errors.Is(err, errWrite) {
			t.Errorf("Wait: got %v, want %v", err, errWrite)
		}
	})

	t.Run("Request", func(t *testing.T) {
		a, b := channel.Direct()
		conn := dualshock.NewConnection(nil).Start(brokenSend{a, errWrite})

		if _, err := conn.Invoke(context.Background(), "echo", "hi"); !errors.Is(err, errWrite) {
			t.Errorf("Invoke: got %v, want %v", err, errWrite)
		}
		b.Close()
		if err := conn.Wait(); !errors.Is(err, errWrite) {
			t.Errorf("Wait: got %v, want %v", err, errWrite)
		}
	})
}

func TestSequential(t *testing.T) {
	defer leaktest.Check(t)()

	var active, peak atomic.Int32
	r := dualshock.NewRouter().RPC("work", &dualshock.RPC{
		Args: schema.Integer,
		Handle: func(_ context.Context, req *dualshock.Request) (any, error) {
			n := active.Add(1)
			defer active.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			// Earlier requests take longer, so reordering would show.
			v := req.Args.(float64)
			time.Sleep(time.Duration(6-v) * time.Millisecond)
			return v, nil
		},
	})
	a, b := channel.Direct()
	conn := dualshock.NewConnection(r).Start(a)

	const numRequests = 5
	for i := 1; i <= numRequests; i++ {
		mustSend(t, b, fmt.Sprintf(`{"serial":%d,"type":"invoke","name":"work","args":%d}`, i, i))
	}
	for i := 1; i <= numRequests; i++ {
		want := &dualshock.ResultPacket{Serial: int64(i), Data: float64(i)}
		if diff := cmp.Diff(want, mustRecv(t, b)); diff != "" {
			t.Errorf("Response %d (-want, +got):\n%s", i, diff)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("Peak concurrent handlers: got %d, want 1", p)
	}
	closeRaw(t, conn, b)
}

func TestStopRejectsPending(t *testing.T) {
	defer leaktest.Check(t)()

	ready := make(chan struct{})
	r := dualshock.NewRouter().RPC("stall", &dualshock.RPC{
		Handle: func(ctx context.Context, _ *dualshock.Request) (any, error) {
			close(ready)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	loc := peers.NewLocalWith(r, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := loc.B.Invoke(context.Background(), "stall", nil)
		errc <- err
	}()
	<-ready

	if err := loc.B.Stop(); err != nil {
		t.Errorf("Stop B: unexpected error: %v", err)
	}
	err := <-errc
	var ce *dualshock.CallError
	if !errors.As(err, &ce) || !errors.Is(err, dualshock.ErrConnectionClosed) {
		t.Errorf("Invoke stall: got %v, want %v", err, dualshock.ErrConnectionClosed)
	} else if ce.Serial == 0 {
		t.Errorf("Invoke stall: got serial 0, want nonzero")
	}

	// A sees the channel close, and its handler is cancelled.
	if err := loc.A.Wait(); err != nil {
		t.Errorf("Wait A: unexpected error: %v", err)
	}

	// Calls on a stopped connection fail without sending.
	_, err = loc.B.Invoke(context.Background(), "stall", nil)
	if !errors.Is(err, dualshock.ErrConnectionClosed) {
		t.Errorf("Invoke after stop: got %v, want %v", err, dualshock.ErrConnectionClosed)
	}
}

func TestMalformedFrame(t *testing.T) {
	defer leaktest.Check(t)()

	tests := []struct {
		name, frame string
	}{
		{"NotJSON", `this is not JSON`},
		{"NotUTF8", "\xff\xfe\xfd"},
		{"NotObject", `[1, 2, 3]`},
		{"NoSerial", `{"type":"result","data":1}`},
		{"BadSerial", `{"serial":"1","type":"result","data":1}`},
		{"UnknownType", `{"serial":1,"type":"bogus"}`},
		{"InvokeNoName", `{"serial":1,"type":"invoke"}`},
		{"ErrorNoMessage", `{"serial":1,"type":"error","error":{"code":"X"}}`},
		{"InvalidBadIssue", `{"serial":1,"type":"invalid","errors":[{"code":"x"}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var exitErr error
			a, b := channel.Direct()
			conn := dualshock.NewConnection(nil).OnExit(func(err error) { exitErr = err }).Start(a)

			mustSend(t, b, tc.frame)
			err := conn.Wait()
			var de *dualshock.Error
			if !errors.As(err, &de) || de.Kind != dualshock.KindProtocol {
				t.Errorf("Wait: got %[1]T (%[1]v), want protocol error", err)
			}
			if exitErr != err {
				t.Errorf("OnExit: got %v, want %v", exitErr, err)
			}

			// The connection closed its side of the channel.
			if _, err := b.Recv(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
			}
			b.Close()
		})
	}
}

func TestHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	r := dualshock.NewRouter().
		RPC("crash", &dualshock.RPC{
			Handle: func(context.Context, *dualshock.Request) (any, error) { panic("boom") },
		}).
		RPC("echo", &dualshock.RPC{Handle: echo})

	for _, expose := range []bool{false, true} {
		t.Run(fmt.Sprintf("stacks=%v", expose), func(t *testing.T) {
			loc := peers.NewLocalWith(r, nil)
			defer loc.Stop()
			loc.A.ExposeStacks(expose)
			ctx := context.Background()

			_, err := loc.B.Invoke(ctx, "crash", nil)
			ed := errorData(t, err)
			if want := "handler panicked (recovered): boom"; ed.Message != want {
				t.Errorf("Message: got %q, want %q", ed.Message, want)
			}
			if expose && !strings.Contains(ed.Stack, "goroutine") {
				t.Errorf("Stack: got %q, want a stack trace", ed.Stack)
			} else if !expose && ed.Stack != "" {
				t.Errorf("Stack: got %q, want empty", ed.Stack)
			}

			// The connection survives the panic.
			if got, err := loc.B.Invoke(ctx, "echo", "still here"); err != nil || got != "still here" {
				t.Errorf("Invoke echo: got (%v, %v), want still here", got, err)
			}
		})
	}
}

func TestCancelReleasesReceiver(t *testing.T) {
	defer leaktest.Check(t)()

	ready := make(chan struct{})
	release := make(chan struct{})
	r := dualshock.NewRouter().
		RPC("slow", &dualshock.RPC{
			Handle: func(context.Context, *dualshock.Request) (any, error) {
				close(ready)
				<-release
				return "late", nil
			},
		}).
		RPC("echo", &dualshock.RPC{Handle: echo})
	loc := peers.NewLocalWith(r, nil)
	defer loc.Stop()

	missing := loc.B.Metrics().Get("receivers_missing").(*expvar.Int)
	before := missing.Value()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := loc.B.Invoke(ctx, "slow", nil)
		errc <- err
	}()
	<-ready
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Invoke slow: got %v, want %v", err, context.Canceled)
	}
	close(release)

	// The late response is discarded, and the connection keeps working.
	got, err := loc.B.Invoke(context.Background(), "echo", "after")
	if err != nil || got != "after" {
		t.Errorf("Invoke echo: got (%v, %v), want after", got, err)
	}
	if v := missing.Value(); v <= before {
		t.Errorf("Metric receivers_missing = %d, want > %d", v, before)
	}
}

func TestExpect(t *testing.T) {
	defer leaktest.Check(t)()

	r := dualshock.NewRouter().
		RPC("echo", &dualshock.RPC{Handle: echo}).
		RPC("num", &dualshock.RPC{
			Handle: func(context.Context, *dualshock.Request) (any, error) { return "not a number", nil },
		})
	loc := peers.NewLocalWith(r, nil)
	defer loc.Stop()
	ctx := context.Background()

	var sent atomic.Int32
	loc.B.LogPackets(func(pkt dualshock.PacketInfo) {
		if pkt.Sent {
			sent.Add(1)
		}
	}).
		Expect("echo", dualshock.Signature{Args: schema.String, Returns: schema.String}).
		Expect("num", dualshock.Signature{Returns: schema.Number})

	_, err := loc.B.Invoke(ctx, "echo", 42)
	var ce *dualshock.CallError
	var ve *dualshock.ValidationError
	if !errors.As(err, &ve) || !errors.As(err, &ce) {
		t.Errorf("Invoke echo(42): got %v, want *ValidationError", err)
	} else if ce.Serial != 0 {
		t.Errorf("Invoke echo(42): got serial %d, want 0", ce.Serial)
	}
	if n := sent.Load(); n != 0 {
		t.Errorf("Sent %d packets for a locally invalid call, want 0", n)
	}

	if got, err := loc.B.Invoke(ctx, "echo", "ok"); err != nil || got != "ok" {
		t.Errorf("Invoke echo: got (%v, %v), want ok", got, err)
	}

	_, err = loc.B.Invoke(ctx, "num", nil)
	if !errors.Is(err, &dualshock.Error{Kind: dualshock.KindInvalidPayload}) {
		t.Errorf("Invoke num: got %v, want invalid payload", err)
	}
}

func TestEmitDeclared(t *testing.T) {
	defer leaktest.Check(t)()

	var got []any
	ra := dualshock.NewRouter().On("notice", &dualshock.On{
		Handle: func(_ context.Context, req *dualshock.Request) error {
			got = append(got, req.Args)
			return nil
		},
	})
	rb := dualshock.NewRouter().Emits("notice", &dualshock.Emit{
		Payload: schema.MustCompile(`{"type":"object","required":["text"]}`),
	})
	loc := peers.NewLocalWith(ra, rb)
	defer loc.Stop()
	ctx := context.Background()

	err := loc.B.Emit(ctx, "notice", map[string]any{"other": 1})
	var ce *dualshock.CallError
	var ve *dualshock.ValidationError
	if !errors.As(err, &ve) || !errors.As(err, &ce) {
		t.Errorf("Emit invalid: got %v, want *ValidationError", err)
	} else if ce.Serial != 0 {
		t.Errorf("Emit invalid: got serial %d, want 0", ce.Serial)
	}

	if err := loc.B.Emit(ctx, "notice", map[string]any{"text": "hi"}); err != nil {
		t.Errorf("Emit: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{map[string]any{"text": "hi"}}, got); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	ra := dualshock.NewRouter().RPC("relay", &dualshock.RPC{
		Handle: func(ctx context.Context, req *dualshock.Request) (any, error) {
			return dualshock.ContextConnection(ctx).Invoke(ctx, "strict", req.Args)
		},
	})
	rb := dualshock.NewRouter().RPC("strict", &dualshock.RPC{Args: schema.String, Handle: echo})
	loc := peers.NewLocalWith(ra, rb)
	defer loc.Stop()
	ctx := context.Background()

	if got, err := loc.B.Invoke(ctx, "relay", "fine"); err != nil || got != "fine" {
		t.Errorf("Invoke relay: got (%v, %v), want fine", got, err)
	}

	// The nested call failed validation, but the relay's own input was fine.
	_, err := loc.B.Invoke(ctx, "relay", 42)
	var ve *dualshock.ValidationError
	if errors.As(err, &ve) {
		t.Errorf("Invoke relay: got invalid response %v, want error", ve)
	}
	if ed := errorData(t, err); ed.Code != "RPC_VALIDATION_ERROR" {
		t.Errorf("Invoke relay: got %v, want validation error code", ed)
	}
}

func TestContextPlumbing(t *testing.T) {
	defer leaktest.Check(t)()

	type baseKey struct{}
	r := dualshock.NewRouter().RPC("probe", &dualshock.RPC{
		Handle: func(ctx context.Context, req *dualshock.Request) (any, error) {
			if dualshock.ContextConnection(ctx) == nil {
				return "absent", nil
			}
			req.Context.Set("seen", true)
			return ctx.Value(baseKey{}), nil
		},
	})

	a, b := channel.Direct()
	pa := dualshock.NewConnection(r).NewContext(func() context.Context {
		return context.WithValue(context.Background(), baseKey{}, "base")
	}).Start(a)
	pb := dualshock.NewConnection(nil).Start(b)
	defer func() { pa.Stop(); pb.Stop() }()

	if got, err := pb.Invoke(context.Background(), "probe", nil); err != nil || got != "base" {
		t.Errorf("Invoke probe: got (%v, %v), want base", got, err)
	}
	if !pa.Context().Has("seen") {
		t.Error("Handler did not update the connection context")
	}
	if pb.Context().Has("seen") {
		t.Error("Context of the calling peer was modified")
	}
}

func TestRestart(t *testing.T) {
	defer leaktest.Check(t)()

	conn := dualshock.NewConnection(dualshock.NewRouter().RPC("echo", &dualshock.RPC{Handle: echo}))
	for i := range 2 {
		a, b := channel.Direct()
		conn.Start(a)
		mtest.MustPanic(t, func() { conn.Start(a) })

		peer := dualshock.NewConnection(nil).Start(b)
		want := fmt.Sprint("round ", i)
		if got, err := peer.Invoke(context.Background(), "echo", want); err != nil || got != want {
			t.Errorf("Invoke echo: got (%v, %v), want %q", got, err, want)
		}
		if err := conn.Stop(); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		if err := peer.Wait(); err != nil {
			t.Errorf("Wait peer: unexpected error: %v", err)
		}
	}
}

func TestQueueLimit(t *testing.T) {
	defer leaktest.Check(t)()

	ready := make(chan struct{})
	r := dualshock.NewRouter().RPC("hold", &dualshock.RPC{
		Handle: func(ctx context.Context, req *dualshock.Request) (any, error) {
			if req.Serial == 1 {
				close(ready)
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	a, b := channel.Direct()
	conn := dualshock.NewConnection(r).QueueSize(1).Start(a)

	mustSend(t, b, `{"serial":1,"type":"invoke","name":"hold"}`)
	<-ready // the worker is busy with the first request
	mustSend(t, b, `{"serial":2,"type":"invoke","name":"hold"}`)
	mustSend(t, b, `{"serial":3,"type":"invoke","name":"hold"}`)

	err := conn.Wait()
	if !errors.Is(err, &dualshock.Error{Kind: dualshock.KindProtocol}) {
		t.Errorf("Wait: got %v, want protocol error", err)
	}
	if _, err := b.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
	}
	b.Close()
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	slowEcho := &dualshock.RPC{
		Args: schema.String,
		Handle: func(_ context.Context, req *dualshock.Request) (any, error) {
			time.Sleep(time.Duration(rand.IntN(100)+50) * time.Microsecond) // "work"
			return req.Args, nil
		},
	}

	t.Run("Local", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocalWith(
			dualshock.NewRouter().RPC("100", slowEcho),
			dualshock.NewRouter().RPC("200", slowEcho),
		)
		defer loc.Stop()
		runConcurrent(t, loc.A, loc.B)
	})

	t.Run("Pipe", func(t *testing.T) {
		defer leaktest.Check(t)()

		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		pa := dualshock.NewConnection(dualshock.NewRouter().RPC("100", slowEcho)).Start(channel.IO(ar, aw))
		pb := dualshock.NewConnection(dualshock.NewRouter().RPC("200", slowEcho)).Start(channel.IO(br, bw))
		defer func() {
			if err := pa.Stop(); err != nil {
				t.Errorf("A stop: %v", err)
			}
			if err := pb.Stop(); err != nil {
				t.Errorf("B stop: %v", err)
			}
		}()
		runConcurrent(t, pa, pb)
	})
}

func runConcurrent(t *testing.T, pa, pb *dualshock.Connection) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Make the peers call each other lots of times concurrently, so that
	// requests queue up on both sides while responses are in flight.
	const numCalls = 128 // per peer

	var μ sync.Mutex
	var got []string
	call := func(conn *dualshock.Connection, method, arg string) func() error {
		return func() error {
			v, err := conn.Invoke(ctx, method, arg)
			if err != nil {
				return err
			}
			μ.Lock()
			defer μ.Unlock()
			got = append(got, v.(string))
			return nil
		}
	}

	var want []string
	calls := taskgroup.New(taskgroup.Trigger(cancel))
	for i := range numCalls {
		ab := fmt.Sprintf("ab-call-%d", i+1)
		ba := fmt.Sprintf("ba-call-%d", i+1)
		want = append(want, ab, ba)
		calls.Go(call(pa, "200", ab)) // from A to B
		calls.Go(call(pb, "100", ba)) // from B to A
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("Results (-want, +got):\n%s", diff)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := dualshock.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

// errorData returns the error data reported by a call that failed with an
// error response.
func errorData(t *testing.T, err error) *dualshock.ErrorData {
	t.Helper()
	var ce *dualshock.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Got error %[1]T (%[1]v), want *CallError", err)
	}
	var ed *dualshock.ErrorData
	if !errors.As(err, &ed) {
		t.Fatalf("Got error %v, want *ErrorData", err)
	}
	return ed
}

func mustSend(t *testing.T, ch dualshock.Channel, frame string) {
	t.Helper()
	if err := ch.Send([]byte(frame)); err != nil {
		t.Fatalf("Send %q: %v", frame, err)
	}
}

func mustRecv(t *testing.T, ch dualshock.Channel) dualshock.Packet {
	t.Helper()
	data, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	pkt, err := dualshock.DecodePacket(data)
	if err != nil {
		t.Fatalf("Decode %q: %v", data, err)
	}
	return pkt
}

// closeRaw closes the test side of a raw channel, and waits for conn to exit.
func closeRaw(t *testing.T, conn *dualshock.Connection, ch dualshock.Channel) {
	t.Helper()
	ch.Close()
	if err := conn.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
}
