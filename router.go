// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/dualshock/schema"
	"github.com/rs/zerolog"
)

// NamespaceSeparator separates the segments of a method or event path.
const NamespaceSeparator = ":"

// A Handler processes a remote procedure call. A handler can obtain the
// connection that received the call from its context argument using the
// ContextConnection helper.
//
// If the handler reports a *ValidationError, the caller receives an invalid
// response carrying its issues. An *Error reports its code to the caller; any
// other error is reported with a null code and the text of the error.
type Handler func(context.Context, *Request) (any, error)

// An EventHandler processes an inbound event. Errors are reported as for
// Handler.
type EventHandler func(context.Context, *Request) error

// A Request is the input to a handler.
type Request struct {
	Serial  int64          // the serial of the request packet, 0 for local dispatch
	Name    string         // the full path named by the caller
	Args    any            // the arguments or event payload, in JSON form
	Context *ContextHolder // the context of the connection
}

// RPC defines a remote procedure.
type RPC struct {
	Args    *schema.Schema // if nil, arguments are not validated
	Returns *schema.Schema // if nil, results are not validated
	Refine  []Refinement
	Handle  Handler
}

// On defines a handler for an inbound event.
type On struct {
	Payload *schema.Schema // if nil, payloads are not validated
	Refine  []Refinement
	Handle  EventHandler
}

// Emit declares an outbound event. Declarations are not used for dispatch;
// they describe the payloads a peer sends, for validation and export.
type Emit struct {
	Payload *schema.Schema
}

// Handlers is the list of handlers registered for an event name, in the
// order they were registered.
type Handlers []*On

// An Entry is the value bound to a name in a router. Its concrete type is one
// of *Router (a namespace), *RPC, Handlers, or *Emit.
type Entry interface {
	entryKind() string
}

func (*Router) entryKind() string { return "namespace" }
func (*RPC) entryKind() string    { return "rpc" }
func (Handlers) entryKind() string { return "event handlers" }
func (*Emit) entryKind() string   { return "event declaration" }

// EventPolicy selects how a router treats failures among multiple handlers
// for the same event.
type EventPolicy int

const (
	// AbortOnError stops at the first failing handler and reports its error.
	// Handlers registered after it do not run. This is the default.
	AbortOnError EventPolicy = iota

	// ContinueOnError runs every handler, and reports the first failure once
	// all have finished.
	ContinueOnError
)

// routerShared is the state shared by all the nodes of one router tree.
type routerShared struct {
	μ      sync.RWMutex
	log    zerolog.Logger
	policy EventPolicy
}

// A Router is a node in a tree of namespaces, each holding a registry of
// named procedures, event handlers, event declarations, and child
// namespaces. Paths address entries by namespace segments separated by ":",
// for example "math:add".
//
// The methods of a Router are safe for concurrent use. Entries are never
// removed once registered.
type Router struct {
	path   string // full path of this node, "" for the root
	shared *routerShared

	μ        sync.RWMutex
	registry map[string]Entry
}

// NewRouter constructs a new empty root router.
func NewRouter() *Router {
	return &Router{
		shared:   &routerShared{log: zerolog.Nop()},
		registry: make(map[string]Entry),
	}
}

// LogTo sets the logger for the tree containing r, and returns r to permit
// chaining.
func (r *Router) LogTo(log zerolog.Logger) *Router {
	r.shared.μ.Lock()
	defer r.shared.μ.Unlock()
	r.shared.log = log
	return r
}

// SetEventPolicy sets the event failure policy for the tree containing r, and
// returns r to permit chaining.
func (r *Router) SetEventPolicy(p EventPolicy) *Router {
	r.shared.μ.Lock()
	defer r.shared.μ.Unlock()
	r.shared.policy = p
	return r
}

func (r *Router) config() (zerolog.Logger, EventPolicy) {
	r.shared.μ.RLock()
	defer r.shared.μ.RUnlock()
	return r.shared.log, r.shared.policy
}

// Path returns the full path of r, or "" if r is a root.
func (r *Router) Path() string { return r.path }

// fullName returns the path of name relative to r.
func (r *Router) fullName(name string) string {
	if r.path == "" {
		return name
	}
	return r.path + NamespaceSeparator + name
}

func checkName(name string) {
	if name == "" {
		panic("empty name")
	} else if strings.Contains(name, NamespaceSeparator) {
		panic(fmt.Sprintf("name %q contains %q", name, NamespaceSeparator))
	}
}

// bind binds name to the entry returned by update, which receives the
// current entry (or nil) for name. The lock is held during update.
func (r *Router) bind(name string, update func(old Entry) Entry) Entry {
	checkName(name)
	r.μ.Lock()
	defer r.μ.Unlock()
	e := update(r.registry[name])
	r.registry[name] = e
	return e
}

func conflict(path string, old Entry, want string) string {
	return fmt.Sprintf("cannot register %s %q: already registered as %s", want, path, old.entryKind())
}

// Ns returns the child namespace of r with the given name, creating it if it
// does not already exist. Ns panics if name is invalid or is already bound to
// something other than a namespace.
func (r *Router) Ns(name string) *Router {
	return r.bind(name, func(old Entry) Entry {
		switch t := old.(type) {
		case nil:
			return &Router{path: r.fullName(name), shared: r.shared, registry: make(map[string]Entry)}
		case *Router:
			return t
		default:
			panic(conflict(r.fullName(name), old, "namespace"))
		}
	}).(*Router)
}

// RPC registers def as the procedure with the given name, and returns r to
// permit chaining. RPC panics if name is invalid or already bound, or if
// def has no handler.
func (r *Router) RPC(name string, def *RPC) *Router {
	if def == nil || def.Handle == nil {
		panic(fmt.Sprintf("rpc %q has no handler", r.fullName(name)))
	}
	r.bind(name, func(old Entry) Entry {
		if old != nil {
			panic(conflict(r.fullName(name), old, "rpc"))
		}
		return def
	})
	log, _ := r.config()
	log.Info().Str("rpc", r.fullName(name)).Msg("RPC registered")
	return r
}

// On adds def to the handlers for the event with the given name, and returns
// r to permit chaining. Multiple handlers may be registered for one name;
// they run in registration order. On panics if name is invalid or bound to
// something other than event handlers, or if def has no handler.
func (r *Router) On(name string, def *On) *Router {
	if def == nil || def.Handle == nil {
		panic(fmt.Sprintf("event %q has no handler", r.fullName(name)))
	}
	r.bind(name, func(old Entry) Entry {
		switch t := old.(type) {
		case nil:
			return Handlers{def}
		case Handlers:
			// Copy so that dispatches in flight keep a stable list.
			return append(slices.Clip(t), def)
		default:
			panic(conflict(r.fullName(name), old, "event handler"))
		}
	})
	log, _ := r.config()
	log.Info().Str("event", r.fullName(name)).Msg("event handler registered")
	return r
}

// Emits declares the outbound event with the given name, and returns r to
// permit chaining. Emits panics if name is invalid or already bound.
func (r *Router) Emits(name string, def *Emit) *Router {
	if def == nil {
		def = new(Emit)
	}
	r.bind(name, func(old Entry) Entry {
		if old != nil {
			panic(conflict(r.fullName(name), old, "event declaration"))
		}
		return def
	})
	return r
}

// splitPath splits path at the first separator. If path has no separator, or
// begins with one, it returns path whole and ok == false.
func splitPath(path string) (head, rest string, ok bool) {
	i := strings.Index(path, NamespaceSeparator)
	if i <= 0 {
		return path, "", false
	}
	return path[:i], path[i+len(NamespaceSeparator):], true
}

// Lookup resolves path relative to r and returns the entry bound to it, or
// nil if path does not resolve.
func (r *Router) Lookup(path string) Entry {
	head, rest, ok := splitPath(path)
	r.μ.RLock()
	e := r.registry[head]
	r.μ.RUnlock()
	if !ok {
		return e
	}
	if sub, isNS := e.(*Router); isNS {
		return sub.Lookup(rest)
	}
	return nil
}

// Entries returns an iterator over the entries of r in order by name.
func (r *Router) Entries() iter.Seq2[string, Entry] {
	r.μ.RLock()
	snap := maps.Clone(r.registry)
	r.μ.RUnlock()
	return func(yield func(string, Entry) bool) {
		for _, name := range slices.Sorted(maps.Keys(snap)) {
			if !yield(name, snap[name]) {
				return
			}
		}
	}
}

func checkRequest(req *Request) *Request {
	if req.Context == nil {
		cp := *req
		cp.Context = NewContextHolder()
		return &cp
	}
	return req
}

// DispatchRPC resolves req.Name relative to r and runs the procedure bound to
// it. The pipeline is:
//
//  1. Validate the arguments against the argument schema.
//  2. Run the Pre stage of each refinement, in order.
//  3. Call the handler.
//  4. Run the Post stage of each refinement, in order.
//  5. Validate the result against the returns schema.
//
// Failures at steps 1, 2, and 4 are reported as a *ValidationError.  A
// result that does not match the returns schema at step 5 is reported as an
// *Error with kind KindInternal, since the handler violated its own contract.
// If req.Name does not resolve to a procedure, DispatchRPC reports an *Error
// with kind KindNotFound.
func (r *Router) DispatchRPC(ctx context.Context, req *Request) (any, error) {
	def, ok := r.Lookup(req.Name).(*RPC)
	if !ok {
		return nil, &Error{Kind: KindNotFound, Message: req.Name}
	}
	req = checkRequest(req)
	log, _ := r.config()

	if issues := def.Args.Validate(req.Args); len(issues) != 0 {
		return nil, &ValidationError{Errors: issues}
	}
	if err := runPre(ctx, log, def.Refine, req.Args, req.Context); err != nil {
		return nil, err
	}
	result, err := def.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := runPost(ctx, log, def.Refine, req.Args, result, req.Context); err != nil {
		return nil, err
	}
	if issues := def.Returns.Validate(result); len(issues) != 0 {
		return nil, Errorf(KindInternal, "result of %q does not match its returns schema: %v", req.Name, issues)
	}
	return result, nil
}

// DispatchEvent resolves req.Name relative to r and runs the event handlers
// bound to it, in registration order. Each handler runs the same pipeline as
// DispatchRPC, without result validation. If no handlers are bound to the
// name, DispatchEvent does nothing and reports success.
//
// When a handler fails, the router's EventPolicy decides whether the handlers
// after it still run.
func (r *Router) DispatchEvent(ctx context.Context, req *Request) error {
	hs, ok := r.Lookup(req.Name).(Handlers)
	if !ok {
		return nil
	}
	req = checkRequest(req)
	log, policy := r.config()

	var first error
	for _, h := range hs {
		err := h.run(ctx, log, req)
		if err == nil {
			continue
		} else if policy == AbortOnError {
			return err
		} else if first == nil {
			first = err
		}
	}
	return first
}

func (h *On) run(ctx context.Context, log zerolog.Logger, req *Request) error {
	if issues := h.Payload.Validate(req.Args); len(issues) != 0 {
		return &ValidationError{Errors: issues}
	}
	if err := runPre(ctx, log, h.Refine, req.Args, req.Context); err != nil {
		return err
	}
	if err := h.Handle(ctx, req); err != nil {
		return err
	}
	return runPost(ctx, log, h.Refine, req.Args, nil, req.Context)
}

// PingMethod is the name of the procedure registered by HandlePing.
const PingMethod = "ping"

// HandlePing registers the ping procedure on r, and returns r to permit
// chaining. The procedure optionally accepts the caller's time as an RFC 3339
// string, and returns the current time of the local peer in the same format.
func HandlePing(r *Router) *Router {
	return r.RPC(PingMethod, &RPC{
		Args:    schema.MustCompile(`{"type":["string","null"]}`),
		Returns: schema.DateTime,
		Handle: func(context.Context, *Request) (any, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		},
	})
}
