// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock_test

import (
	"context"
	"io"
	"testing"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/channel"
	"github.com/creachadair/dualshock/peers"
	"github.com/creachadair/dualshock/schema"
)

func noop(context.Context, *dualshock.Request) (any, error) { return nil, nil }
func echo(_ context.Context, req *dualshock.Request) (any, error) {
	return req.Args, nil
}

func benchRouter() *dualshock.Router {
	return dualshock.NewRouter().
		RPC("noop", &dualshock.RPC{Handle: noop}).
		RPC("echo", &dualshock.RPC{Handle: echo}).
		RPC("checked", &dualshock.RPC{
			Args:    schema.MustCompile(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Returns: schema.MustCompile(`{"type":"object"}`),
			Handle:  echo,
		})
}

func BenchmarkInvoke(b *testing.B) {
	payload := map[string]any{
		"text": "fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?",
	}

	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocalWith(benchRouter(), nil)
		defer loc.Stop()
		runBench(b, loc.B, "noop", nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocalWith(benchRouter(), nil)
		defer loc.Stop()
		runBench(b, loc.B, "echo", payload)
	})
	b.Run("Direct-checked", func(b *testing.B) {
		loc := peers.NewLocalWith(benchRouter(), nil)
		defer loc.Stop()
		runBench(b, loc.B, "checked", payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		_, pb := pipePeers(b, benchRouter())
		runBench(b, pb, "noop", nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		_, pb := pipePeers(b, benchRouter())
		runBench(b, pb, "echo", payload)
	})
}

func runBench(b *testing.B, conn *dualshock.Connection, name string, args any) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		if _, err := conn.Invoke(ctx, name, args); err != nil {
			b.Fatal(err)
		}
	}
}

// pipePeers returns a pair of connections communicating over pipes. Requests
// sent by pb are dispatched to r.
func pipePeers(tb testing.TB, r *dualshock.Router) (pa, pb *dualshock.Connection) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	pa = dualshock.NewConnection(r).Start(channel.IO(ar, aw))
	pb = dualshock.NewConnection(nil).Start(channel.IO(br, bw))
	tb.Cleanup(func() {
		if err := pa.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := pb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
