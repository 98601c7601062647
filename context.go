// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// A ContextHolder is a mutable key-value store shared by the handlers and
// refinements serving one connection. The holder itself does not validate the
// values it stores; refinements may declare a schema for its contents.
//
// A zero ContextHolder is ready for use. The methods of a ContextHolder are
// safe for concurrent use.
type ContextHolder struct {
	μ    sync.RWMutex
	vals map[string]any
}

// NewContextHolder constructs an empty context holder.
func NewContextHolder() *ContextHolder { return new(ContextHolder) }

// Require returns the value stored for key. If key is absent, or its value is
// nil, Require reports an *Error with kind KindInternal.
func (c *ContextHolder) Require(key string) (any, error) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return nil, &Error{Kind: KindInternal, Message: fmt.Sprintf("Context key '%s' is required", key)}
	}
	return v, nil
}

// Has reports whether a value is stored for key.
func (c *ContextHolder) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Get returns the value stored for key, and reports whether it was present.
func (c *ContextHolder) Get(key string) (any, bool) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	v, ok := c.vals[key]
	return v, ok
}

// Set stores value for key, replacing any previous value, and returns c to
// permit chaining.
func (c *ContextHolder) Set(key string, value any) *ContextHolder {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.vals == nil {
		c.vals = make(map[string]any)
	}
	c.vals[key] = value
	return c
}

// Delete removes any value stored for key.
func (c *ContextHolder) Delete(key string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.vals, key)
}

// Snapshot returns a copy of the current contents of c.
func (c *ContextHolder) Snapshot() map[string]any {
	c.μ.RLock()
	defer c.μ.RUnlock()
	out := maps.Clone(c.vals)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}

// ContextValue returns the value of key in c converted to type T.  It reports
// an error if key is missing or if its value does not have type T.
func ContextValue[T any](c *ContextHolder, key string) (T, error) {
	var zero T
	v, err := c.Require(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &Error{Kind: KindInternal, Message: fmt.Sprintf("Context key '%s' has type %T, not %T", key, v, zero)}
	}
	return t, nil
}

type connContextKey struct{}

// ContextConnection returns the Connection associated with the given context,
// or nil if none is defined. The context passed to a Handler has this value.
func ContextConnection(ctx context.Context) *Connection {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Connection)
	}
	return nil
}
