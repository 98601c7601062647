// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/catalog"
	"github.com/creachadair/dualshock/peers"
	"github.com/creachadair/dualshock/schema"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func echo(_ context.Context, req *dualshock.Request) (any, error) { return req.Args, nil }

func newRouter() *dualshock.Router {
	r := dualshock.NewRouter()
	r.RPC("rpc-in-root-ns", &dualshock.RPC{Args: schema.Number, Handle: echo})
	ns := r.Ns("some-ns")
	ns.RPC("rpc-in-some-ns", &dualshock.RPC{
		Args: schema.MustCompile(`{
  "type": "object",
  "properties": {"someArg": {"type": "string"}, "nullableArg": {"type": ["number", "null"]}},
  "required": ["someArg", "nullableArg"]
}`),
		Returns: schema.String,
		Handle:  func(context.Context, *dualshock.Request) (any, error) { return "hello!", nil },
	})
	ns.Ns("sub-ns-in-some-ns").On("event-handler-in-sub-ns", &dualshock.On{
		Payload: schema.Number,
		Handle:  func(context.Context, *dualshock.Request) error { return nil },
	})
	r.Ns("some-ns-for-events").Emits("event-in-some-ns-for-events", &dualshock.Emit{
		Payload: schema.MustCompile(`{"type":"object","properties":{"eventKey":{"type":"string"}},"required":["eventKey"]}`),
	})
	return r
}

func TestExport(t *testing.T) {
	cat := catalog.Export(newRouter())

	if cat.Version != catalog.SchemaVersion {
		t.Errorf("Version: got %q, want %q", cat.Version, catalog.SchemaVersion)
	}
	if diff := cmp.Diff([]string{"rpc-in-root-ns", "some-ns:rpc-in-some-ns"}, cat.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}
	if m := cat.RPC["rpc-in-root-ns"]; m.Args == nil || m.Returns != nil {
		t.Errorf("rpc-in-root-ns: got %+v, want args only", m)
	}
	if _, ok := cat.Emits["some-ns-for-events:event-in-some-ns-for-events"]; !ok {
		t.Errorf("Emits: missing event, got %v", cat.Emits)
	}
	if _, ok := cat.On["some-ns:sub-ns-in-some-ns:event-handler-in-sub-ns"]; !ok {
		t.Errorf("On: missing event, got %v", cat.On)
	}

	data, err := cat.Encode()
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := raw["$schemaVersion"]; got != "dualshock:1" {
		t.Errorf("$schemaVersion: got %v, want dualshock:1", got)
	}
	want := map[string]any{"args": map[string]any{"type": "number"}}
	if diff := cmp.Diff(want, raw["rpc"].(map[string]any)["rpc-in-root-ns"]); diff != "" {
		t.Errorf("Encoded rpc (-want, +got):\n%s", diff)
	}

	dec, err := catalog.Decode(data)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if diff := cmp.Diff(cat.Names(), dec.Names()); diff != "" {
		t.Errorf("Decoded names (-want, +got):\n%s", diff)
	}
	if got := dec.RPC["some-ns:rpc-in-some-ns"].Returns.Validate(1); len(got) == 0 {
		t.Error("Decoded returns schema accepted a number")
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		``,
		`[]`,
		`{"$schemaVersion":"dualshock:0","rpc":{},"emits":{}}`,
		`{"$schemaVersion":"dualshock:1","rpc":{"x":{"args":{"type":17}}}}`,
	} {
		if got, err := catalog.Decode([]byte(in)); err == nil {
			t.Errorf("Decode %q: got %+v, want error", in, got)
		}
	}
	if c, err := catalog.Decode([]byte(`{"$schemaVersion":"dualshock:1"}`)); err != nil {
		t.Errorf("Decode empty: %v", err)
	} else if c.RPC == nil || c.Emits == nil {
		t.Errorf("Decode empty: got %+v, want empty maps", c)
	}
}

func TestFetchBind(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	r := loc.A.Router()
	r.RPC("echo", &dualshock.RPC{Args: schema.String, Returns: schema.String, Handle: echo})
	r.RPC("answer", &dualshock.RPC{
		Handle:  func(context.Context, *dualshock.Request) (any, error) { return 42, nil },
		Returns: schema.Number,
	})
	catalog.Register(r)

	ctx := context.Background()
	cat, err := catalog.Fetch(ctx, loc.B)
	if err != nil {
		t.Fatalf("Fetch: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"answer", "catalog", "echo"}, cat.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}

	// Before binding, bad arguments reach the remote peer, which rejects them.
	var packets int
	loc.B.LogPackets(func(dualshock.PacketInfo) { packets++ })
	if _, err := loc.B.Invoke(ctx, "echo", 42); err == nil {
		t.Error("Invoke echo(42): got nil, want error")
	}
	if packets != 2 {
		t.Errorf("Unbound: got %d packets, want 2", packets)
	}

	// After binding, bad arguments are caught locally.
	cat.Bind(loc.B)
	packets = 0
	_, err = loc.B.Invoke(ctx, "echo", 42)
	var ve *dualshock.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Invoke echo(42): got %v, want *ValidationError", err)
	}
	if packets != 0 {
		t.Errorf("Bound: got %d packets, want 0", packets)
	}
	if got, err := loc.B.Invoke(ctx, "echo", "hi"); err != nil || got != "hi" {
		t.Errorf("Invoke echo(hi): got %v, %v; want hi", got, err)
	}

	// A fixed catalog can be served in place of the live one.
	fixed := catalog.New()
	fixed.RPC["remote:thing"] = catalog.RPC{Args: schema.Integer}
	r.RPC("fixed", &dualshock.RPC{Handle: fixed.Handler})
	v, err := loc.B.Invoke(ctx, "fixed", nil)
	if err != nil {
		t.Fatalf("Invoke fixed: unexpected error: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := catalog.Decode(data)
	if err != nil {
		t.Fatalf("Decode fixed: %v", err)
	}
	if diff := cmp.Diff([]string{"remote:thing"}, got.Names()); diff != "" {
		t.Errorf("Fixed names (-want, +got):\n%s", diff)
	}
}
