// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing connections.
package peers

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/creachadair/dualshock"
	"github.com/creachadair/dualshock/channel"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *dualshock.Connection
	B *dualshock.Connection
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via
// a direct channel. Each peer has a new empty router.
func NewLocal() *Local { return NewLocalWith(nil, nil) }

// NewLocalWith creates a pair of in-memory connected peers whose inbound
// requests are dispatched to ra and rb respectively. A nil router is
// replaced by a new empty one.
func NewLocalWith(ra, rb *dualshock.Router) *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: dualshock.NewConnection(ra).Start(a2b),
		B: dualshock.NewConnection(rb).Start(b2a),
	}
}

// An Accepter accepts channels from remote peers.
type Accepter interface {
	Accept(context.Context) (dualshock.Channel, error)
}

// Loop accepts channels from acc and starts a connection for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are stopped. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, newConn func() *dualshock.Connection) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			conn := newConn().Start(ch)
			go func() { <-sctx.Done(); conn.Stop() }()
			return conn.Wait()
		})
	}
}

// A Server serves connections from many clients that share one router.
// Each connection has its own context holder, so per-client state set by a
// handler is not visible to other clients.
type Server struct {
	router *dualshock.Router
	log    zerolog.Logger
	setup  func(*dualshock.Connection)
	stacks bool
	nconn  atomic.Int64
}

// NewServer constructs a server that dispatches requests to r. If r does not
// already bind the ping procedure, NewServer registers it.
func NewServer(r *dualshock.Router) *Server {
	if r.Lookup(dualshock.PingMethod) == nil {
		dualshock.HandlePing(r)
	}
	return &Server{router: r, log: zerolog.Nop()}
}

// LogTo sets the logger for s and the connections it serves, and returns s.
func (s *Server) LogTo(log zerolog.Logger) *Server { s.log = log; return s }

// ExposeStacks sets whether the connections served by s expose the stacks
// of handler panics, and returns s.
func (s *Server) ExposeStacks(ok bool) *Server { s.stacks = ok; return s }

// Setup registers a function called for each new connection before it
// starts, for example to populate its context. It returns s.
func (s *Server) Setup(f func(*dualshock.Connection)) *Server { s.setup = f; return s }

// NewConnection returns a new unstarted connection configured by s.
func (s *Server) NewConnection() *dualshock.Connection {
	id := s.nconn.Add(1)
	log := s.log.With().Int64("conn", id).Logger()
	conn := dualshock.NewConnection(s.router).LogTo(log).ExposeStacks(s.stacks).
		OnExit(func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("client disconnected")
			} else {
				log.Info().Msg("client disconnected")
			}
		})
	if s.setup != nil {
		s.setup(conn)
	}
	log.Info().Msg("client connected")
	return conn
}

// Serve accepts and serves connections from acc until acc closes or ctx
// ends. See Loop.
func (s *Server) Serve(ctx context.Context, acc Accepter) error {
	return Loop(ctx, acc, s.NewConnection)
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (dualshock.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
