// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog exports the schemas of a dualshock.Router as a document
// that can be published, or sent from one peer to another in a request.
//
// # Usage
//
// Export a catalog from a router:
//
//	cat := catalog.Export(router)
//
// The catalog lists every procedure by its full path with its argument and
// result schemas, and every declared outbound event with its payload schema.
// To encode it as JSON, use Encode; to decode it, use Decode.
//
// To serve the catalog of a router to remote peers, register it:
//
//	catalog.Register(router)
//
// A peer that wants to call these procedures can fetch the catalog and bind
// it to its connection, so that its calls are checked against the schemas
// the remote peer declares:
//
//	cat, err := catalog.Fetch(ctx, conn)
//	...
//	cat.Bind(conn)
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/schema"
)

// SchemaVersion is the version tag of the catalog format.
const SchemaVersion = "dualshock:1"

// Method is the name of the procedure registered by Register.
const Method = "catalog"

// A Catalog describes the procedures and events of a router.
type Catalog struct {
	Version string           `json:"$schemaVersion"`
	RPC     map[string]RPC   `json:"rpc"`
	Emits   map[string]Event `json:"emits"`
	On      map[string]Event `json:"on,omitempty"`
}

// RPC describes a procedure. A nil schema is not checked.
type RPC struct {
	Args    *schema.Schema `json:"args,omitempty"`
	Returns *schema.Schema `json:"returns,omitempty"`
}

// Event describes an event. A nil payload schema is not checked.
type Event struct {
	Payload *schema.Schema `json:"payload,omitempty"`
}

// New returns a new empty catalog.
func New() *Catalog {
	return &Catalog{
		Version: SchemaVersion,
		RPC:     make(map[string]RPC),
		Emits:   make(map[string]Event),
	}
}

// Export returns a catalog of the entries of r and all its namespaces,
// keyed by their paths relative to r.
func Export(r *dualshock.Router) *Catalog {
	c := New()
	c.add("", r)
	return c
}

func (c *Catalog) add(prefix string, r *dualshock.Router) {
	for name, e := range r.Entries() {
		path := prefix + name
		switch t := e.(type) {
		case *dualshock.Router:
			c.add(path+dualshock.NamespaceSeparator, t)
		case *dualshock.RPC:
			c.RPC[path] = RPC{Args: t.Args, Returns: t.Returns}
		case *dualshock.Emit:
			c.Emits[path] = Event{Payload: t.Payload}
		case dualshock.Handlers:
			if c.On == nil {
				c.On = make(map[string]Event)
			}
			// Handlers for one event may disagree; report the first schema.
			var ev Event
			for _, h := range t {
				if h.Payload != nil {
					ev.Payload = h.Payload
					break
				}
			}
			c.On[path] = ev
		}
	}
}

// Names returns the names of the procedures in c, in lexicographic order.
func (c *Catalog) Names() []string { return slices.Sorted(maps.Keys(c.RPC)) }

// Encode encodes c as indented JSON.
func (c *Catalog) Encode() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Decode decodes data as a catalog. It reports an error if the data are not a
// catalog of the supported version.
func Decode(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	} else if c.Version != SchemaVersion {
		return nil, fmt.Errorf("decode catalog: unsupported version %q", c.Version)
	}
	if c.RPC == nil {
		c.RPC = make(map[string]RPC)
	}
	if c.Emits == nil {
		c.Emits = make(map[string]Event)
	}
	return &c, nil
}

// Bind registers the procedure signatures of c with conn, so that calls by
// conn to those procedures are checked. It returns conn.
func (c *Catalog) Bind(conn *dualshock.Connection) *dualshock.Connection {
	for name, m := range c.RPC {
		conn.Expect(name, dualshock.Signature{Args: m.Args, Returns: m.Returns})
	}
	return conn
}

// Handler is a dualshock.Handler that reports the contents of c.
func (c *Catalog) Handler(context.Context, *dualshock.Request) (any, error) {
	return c, nil
}

// Register registers the Method procedure on r, and returns r.  The
// procedure reports the catalog of r at the time of each call.
func Register(r *dualshock.Router) *dualshock.Router {
	return r.RPC(Method, &dualshock.RPC{
		Handle: func(context.Context, *dualshock.Request) (any, error) {
			return Export(r), nil
		},
	})
}

// Fetch calls the Method procedure of the remote peer of conn, and returns
// the catalog it reports.
func Fetch(ctx context.Context, conn *dualshock.Connection) (*Catalog, error) {
	v, err := conn.Invoke(ctx, Method, nil)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	return Decode(data)
}
