// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package dualshock implements a symmetric, schema-checked remote procedure
// call protocol.
//
// Dualshock peers exchange JSON packets over a shared reliable channel. Either
// side may invoke procedures or emit events on the other, and each side
// validates what it receives against JSON Schema contracts declared with its
// handlers.
//
// # Connections
//
// The core type defined by this package is the [Connection]. A connection
// dispatches the requests it receives to a [Router], and issues requests of
// its own to the remote peer over a [Channel].
//
// To create a new, unstarted connection serving the procedures of r:
//
//	c := dualshock.NewConnection(r)
//
// To start the service routines, call the Start method with a channel
// connected to another peer:
//
//	c.Start(ch)
//
// The connection runs until [Connection.Stop] is called, the channel is
// closed by the remote peer, or a protocol fatal error occurs, such as a frame
// that does not decode as a packet. Call [Connection.Wait] to wait for the
// connection to exit and return its status:
//
//	if err := c.Wait(); err != nil {
//	   log.Fatalf("Connection failed: %v", err)
//	}
//
// When a connection exits, callers still waiting for responses receive
// [ErrConnectionClosed].
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive frames,
// each holding the encoding of one packet. A Channel implementation must
// allow concurrent use by one sender and one receiver.
//
// The channel package provides some basic implementations of this interface.
//
// # Routers
//
// A [Router] binds names to procedures, event handlers, outbound event
// declarations, and child namespaces. Paths separate namespace segments with
// ":", so "math:add" names the procedure "add" in the namespace "math":
//
//	r := dualshock.NewRouter()
//	r.Ns("math").RPC("add", &dualshock.RPC{
//	   Args:    addArgs,        // a *schema.Schema
//	   Returns: schema.Number,
//	   Handle:  add,
//	})
//
// Registering a name twice, or registering an empty name or one containing
// ":", panics.
//
// # Calls and Events
//
// To call a procedure of the remote peer, use [Connection.Invoke]:
//
//	sum, err := c.Invoke(ctx, "math:add", map[string]any{"a": 2, "b": 3})
//
// To send an event, use [Connection.Emit]. Events are acknowledged: Emit
// returns once the handlers of the remote peer have run, and reports their
// failure if any. Errors reported by Invoke and Emit have concrete type
// [*CallError]. A validation failure wraps a [*ValidationError]; a handler
// failure reported by the remote peer wraps an [*ErrorData].
//
// # Refinements
//
// A [Refinement] attaches a business rule to a procedure or event handler.
// Refinements run after schema validation of the arguments and before the
// handler (Pre), or after the handler succeeds (Post). The first refinement
// to fail ends the request with a single validation issue.
//
// # Callbacks
//
// A handler may "call back" to the remote peer. To do so, the handler uses
// [ContextConnection] to obtain the local connection, and executes its
// Invoke or Emit method:
//
//	func handle(ctx context.Context, req *dualshock.Request) (any, error) {
//	    v, err := dualshock.ContextConnection(ctx).Invoke(ctx, "hello", "world")
//	    if err != nil {
//	       return nil, err
//	    }
//	    return doStuffWith(v, req.Args)
//	}
//
// Inbound requests are served one at a time, but responses are settled as
// they arrive, so a callback does not stall the connection.
//
// # Metrics
//
// Connections maintain a collection of metrics while running. Use the
// [Connection.Metrics] method to obtain an [expvar.Map] containing the
// metrics exported by the connection. Metrics are shared globally among all
// connections.
//
// The metrics currently exported include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound invocations received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_in_invalid: counter of inbound requests failing validation
//   - events_in: counter of inbound events received
//   - calls_out: counter of outbound invocations sent
//   - calls_out_failed: counter of outbound requests resulting in errors
//   - events_out: counter of outbound events sent
//   - calls_pending: gauge of outbound requests awaiting responses
//   - receivers_missing: counter of responses with no waiting caller
//   - frames_malformed: counter of inbound frames that did not decode
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package dualshock
