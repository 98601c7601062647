// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/creachadair/dualshock/schema"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A Channel is a reliable ordered stream of frames shared by two peers.  Each
// frame carries the UTF-8 JSON encoding of one packet.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame to the receiver.
	Send([]byte) error

	// Receive the next available frame from the channel. When the remote peer
	// has closed the channel, Recv reports io.EOF; after the local side has
	// closed it, Recv reports net.ErrClosed.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	Packet      // the packet being logged
	Sent   bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// A Signature gives the schemas a caller expects of a remote procedure.
// Either schema may be nil to skip that check.
type Signature struct {
	Args    *schema.Schema
	Returns *schema.Schema
}

// A Connection is one end of a connection between two peers. Each side may
// invoke procedures and emit events on the other, and dispatches the
// requests it receives to a Router.
//
// Call Start with a channel to start the service routines for the
// connection.  Once started, a connection runs until Stop is called, the
// channel closes, or a protocol fatal error occurs. Use Wait to wait for the
// connection to exit and report its status.
//
// Inbound requests are served one at a time in arrival order. Responses to
// outbound requests are delivered as they arrive, so a handler may itself
// call the remote peer while serving a request. However, if both peers
// block serving requests that wait on each other, neither makes progress.
//
// The Invoke and Emit methods are safe for concurrent use by multiple
// goroutines.
type Connection struct {
	router *Router
	cc     *ContextHolder

	in  interface{ Recv() ([]byte, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err    error               // protocol fatal error
	quit   chan struct{}       // closed when the connection fails
	cancel context.CancelFunc  // cancels the context of handlers
	serial *SerialSource       // outbound request serials
	pend   map[int64]pending   // outbound requests awaiting responses
	expect map[string]Signature // name → outbound signature
	log    zerolog.Logger
	plog   PacketLogger
	base   func() context.Context
	stacks bool
	qmax   int

	onExit func(error)
}

// NewConnection constructs a new unstarted connection that dispatches inbound
// requests to r. If r == nil, an empty router is used, so that every inbound
// invocation fails as not found.
func NewConnection(r *Router) *Connection {
	if r == nil {
		r = NewRouter()
	}
	return &Connection{
		router: r,
		cc:     NewContextHolder(),
		log:    zerolog.Nop(),
		base:   context.Background,
	}
}

// Router returns the router to which c dispatches inbound requests.
func (c *Connection) Router() *Router { return c.router }

// Context returns the context holder shared by all the handlers serving
// requests on c.
func (c *Connection) Context() *ContextHolder { return c.cc }

// Start starts the connection running on the given channel. The connection
// runs until the channel closes or a protocol fatal error occurs. Start does
// not block; call Wait to wait for the connection to exit and report its
// status.
func (c *Connection) Start(ch Channel) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.in != nil {
		panic("connection is already started")
	}

	g := taskgroup.New(nil)
	c.in = ch
	c.tasks = g
	c.out.Lock()
	c.out.ch = ch
	c.out.Unlock()
	c.err = nil
	c.quit = make(chan struct{})
	c.serial = new(SerialSource)
	c.pend = make(map[int64]pending)

	hctx, cancel := context.WithCancel(context.WithValue(c.base(), connContextKey{}, c))
	c.cancel = cancel

	box := newInbox(c.qmax)
	quit := c.quit

	// Receive frames, settle responses, and queue requests for the worker.
	g.Go(func() error {
		for {
			data, err := ch.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			connMetricsRoot.packetRecv.Add(1)
			if err := c.dispatchFrame(data, box); err != nil {
				c.fail(err)
				return nil
			}
		}
	})

	// Serve queued requests in arrival order.
	g.Go(func() error {
		for {
			select {
			case <-quit:
				return nil
			case <-box.ready:
			}
			for {
				pkt, ok := box.pop()
				if !ok {
					break
				}
				c.serve(hctx, pkt)
				select {
				case <-quit:
					return nil
				default:
				}
			}
		}
	})

	c.log.Debug().Msg("connection started")
	return c
}

// Metrics returns a metrics map for connections. It is safe for the caller to
// add additional metrics to the map while the connection is active.
func (c *Connection) Metrics() *expvar.Map { return connMetricsRoot.emap }

// Stop closes the channel and terminates the connection. It blocks until the
// connection has exited and returns its status. After Stop completes it is
// safe to restart the connection with a new channel.
func (c *Connection) Stop() error { c.fail(net.ErrClosed); return c.Wait() }

// treatErrorAsSuccess reports whether err means the channel was closed by
// one of the peers, rather than that it failed.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the connection was running.
func (c *Connection) waitTasks() bool {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until c terminates and reports the error that caused it to
// stop.  After Wait completes it is safe to restart the connection with a new
// channel.
//
// If c is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol
// failure.
func (c *Connection) Wait() error {
	if !c.waitTasks() {
		return nil // the connection is not running
	}

	// Clean up connection state so it can be garbage collected.
	c.μ.Lock()
	defer c.μ.Unlock()
	c.in = nil
	c.tasks = nil
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()
	c.pend = nil

	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Invoke calls the remote procedure name with the given arguments, and blocks
// until ctx ends or the response is received. On success it returns the data
// of the result. If ctx ends first, the request is abandoned and any later
// response to it is discarded.
//
// If a Signature is registered for name by Expect, the arguments are checked
// before sending, and the result is checked on receipt. An error reported by
// Invoke has concrete type *CallError.
func (c *Connection) Invoke(ctx context.Context, name string, args any) (_ any, err error) {
	connMetricsRoot.callOut.Add(1)
	defer func() {
		if err != nil {
			connMetricsRoot.callOutErr.Add(1)
		}
	}()

	sig := c.signature(name)
	if issues := sig.Args.Validate(args); len(issues) != 0 {
		return nil, &CallError{Name: name, Err: &ValidationError{Errors: issues}}
	}
	rsp, serial, err := c.roundTrip(ctx, func(s int64) Packet {
		return &InvokePacket{Serial: s, Name: name, Args: args}
	})
	if err != nil {
		return nil, &CallError{Name: name, Serial: serial, Err: err}
	}
	if issues := sig.Returns.Validate(rsp.Data); len(issues) != 0 {
		return nil, &CallError{Name: name, Serial: serial, Err: Errorf(KindInvalidPayload,
			"result of %q does not match its returns schema: %v", name, issues)}
	}
	return rsp.Data, nil
}

// Emit sends the event name with the given payload, and blocks until ctx ends
// or the remote peer acknowledges that its handlers have run.
//
// If the router of c declares name with Emits, the payload is checked before
// sending. An error reported by Emit has concrete type *CallError.
func (c *Connection) Emit(ctx context.Context, name string, payload any) (err error) {
	connMetricsRoot.eventOut.Add(1)
	defer func() {
		if err != nil {
			connMetricsRoot.callOutErr.Add(1)
		}
	}()

	if def, ok := c.router.Lookup(name).(*Emit); ok {
		if issues := def.Payload.Validate(payload); len(issues) != 0 {
			return &CallError{Name: name, Err: &ValidationError{Errors: issues}}
		}
	}
	_, serial, err := c.roundTrip(ctx, func(s int64) Packet {
		return &EventPacket{Serial: s, Name: name, Payload: payload}
	})
	if err != nil {
		return &CallError{Name: name, Serial: serial, Err: err}
	}
	return nil
}

// roundTrip sends the request constructed by newReq with a fresh serial, and
// waits for its response. It reports the serial even if the request failed.
func (c *Connection) roundTrip(ctx context.Context, newReq func(int64) Packet) (*ResultPacket, int64, error) {
	c.μ.Lock()
	if c.err != nil || c.pend == nil {
		c.μ.Unlock()
		return nil, 0, ErrConnectionClosed
	}
	serial := c.serial.Next()
	pc := make(pending, 1)
	c.pend[serial] = pc
	c.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from settling responses.
	if err := c.sendPacket(newReq(serial)); err != nil {
		c.release(serial)
		return nil, serial, err
	}
	connMetricsRoot.callPending.Add(1)
	defer connMetricsRoot.callPending.Add(-1)

	select {
	case <-ctx.Done():
		c.release(serial)
		return nil, serial, ctx.Err()

	case rsp, ok := <-pc:
		if !ok {
			return nil, serial, ErrConnectionClosed
		}
		switch t := rsp.(type) {
		case *ResultPacket:
			return t, serial, nil
		case *InvalidPacket:
			return nil, serial, &ValidationError{Errors: t.Errors}
		case *ErrorPacket:
			ed := t.Error
			return nil, serial, &ed
		default:
			panic(fmt.Sprintf("unexpected response %T", rsp))
		}
	}
}

// release discards the pending receiver for serial, if any.
func (c *Connection) release(serial int64) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.pend, serial)
}

// Expect registers the signature the caller expects of the remote procedure
// name. Invoke validates the arguments and result of calls to name against
// it. Expect returns c to permit chaining.
func (c *Connection) Expect(name string, sig Signature) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.expect == nil {
		c.expect = make(map[string]Signature)
	}
	c.expect[name] = sig
	return c
}

func (c *Connection) signature(name string) Signature {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.expect[name]
}

// LogTo sets the logger for c, and returns c to permit chaining.
func (c *Connection) LogTo(log zerolog.Logger) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.log = log
	return c
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, including responses to be discarded.
//
// Passing a nil callback disables packet logging. The packet logger is
// invoked synchronously with dispatch, prior to sending or serving a packet.
func (c *Connection) LogPackets(log PacketLogger) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.plog = log
	return c
}

// OnExit registers a callback to be invoked when the connection terminates.
// The callback is executed synchronously during shutdown, with the same
// error value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (c *Connection) OnExit(f func(error)) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// NewContext registers a function that will be called to create a new base
// context for handlers when the connection starts.  If it is not set a
// background context is used.
func (c *Connection) NewContext(base func() context.Context) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// ExposeStacks sets whether error responses for handlers that panic include
// the stack trace of the panic. It returns c to permit chaining.
func (c *Connection) ExposeStacks(ok bool) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.stacks = ok
	return c
}

// QueueSize sets the maximum number of inbound requests that may wait while
// the worker is busy, taking effect at the next Start. A remote peer that
// exceeds the limit is protocol fatal. If n <= 0, the queue is unbounded,
// which is the default. It returns c to permit chaining.
func (c *Connection) QueueSize(n int) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.qmax = n
	return c
}

// fail terminates all pending requests and updates the failure status.
// Only the first failure is recorded.
func (c *Connection) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.in == nil || c.err != nil {
		return
	}

	// Reject all incomplete pending (outbound) requests.
	for _, pc := range c.pend {
		pc.close()
	}
	c.pend = nil
	close(c.quit)
	c.cancel()

	c.err = err
	if treatErrorAsSuccess(err) {
		err = nil
		c.log.Debug().Msg("connection closed")
	} else {
		c.log.Error().Err(err).Msg("connection failed")
	}
	if c.onExit != nil {
		c.onExit(err)
	}
}

// dispatchFrame routes an inbound frame from the remote peer.  Any error it
// reports is protocol fatal.
func (c *Connection) dispatchFrame(data []byte, box *inbox) error {
	pkt, err := DecodePacket(data)
	if err != nil {
		connMetricsRoot.frameMalformed.Add(1)
		c.log.Error().Err(err).Int("bytes", len(data)).Msg("malformed frame")
		return err
	}
	c.logPacket(pkt, false)

	if pkt.Type().IsRequest() {
		return box.push(pkt)
	}

	c.μ.Lock()
	pc, ok := c.pend[pkt.SerialNumber()]
	delete(c.pend, pkt.SerialNumber())
	c.μ.Unlock()
	if !ok {
		// Not fatal: the caller may have given up waiting.
		connMetricsRoot.recvMissing.Add(1)
		connMetricsRoot.packetDropped.Add(1)
		c.log.Warn().Int64("serial", pkt.SerialNumber()).Str("type", string(pkt.Type())).
			Msg("receiver not found")
		return nil
	}
	pc.deliver(pkt) // does not block
	return nil
}

// serve dispatches an inbound request to the router and sends its response.
func (c *Connection) serve(ctx context.Context, pkt Packet) {
	var data any
	var err error
	switch t := pkt.(type) {
	case *InvokePacket:
		connMetricsRoot.callIn.Add(1)
		req := &Request{Serial: t.Serial, Name: t.Name, Args: t.Args, Context: c.cc}
		data, err = catchPanic(func() (any, error) { return c.router.DispatchRPC(ctx, req) })

	case *EventPacket:
		connMetricsRoot.eventIn.Add(1)
		req := &Request{Serial: t.Serial, Name: t.Name, Args: t.Payload, Context: c.cc}
		_, err = catchPanic(func() (any, error) { return nil, c.router.DispatchEvent(ctx, req) })

	default:
		panic(fmt.Sprintf("unexpected request %T", pkt))
	}
	c.sendRsp(c.response(pkt.SerialNumber(), data, err))
}

// response constructs the response packet for a request with the given
// result data and error.
func (c *Connection) response(serial int64, data any, err error) Packet {
	if err == nil {
		return &ResultPacket{Serial: serial, Data: data}
	}

	// A validation error from a nested call to the remote peer is not a
	// failure of this request's own input.
	var ce *CallError
	var ve *ValidationError
	if !errors.As(err, &ce) && errors.As(err, &ve) {
		connMetricsRoot.callInInvalid.Add(1)
		return &InvalidPacket{Serial: serial, Errors: ve.Errors}
	}

	connMetricsRoot.callInErr.Add(1)
	ed := formatError(err)
	c.μ.Lock()
	stacks := c.stacks
	c.μ.Unlock()
	var pe *panicError
	if !stacks {
		ed.Stack = ""
	} else if errors.As(err, &pe) {
		ed.Stack = pe.stack
	}
	c.log.Debug().Int64("serial", serial).Err(err).Msg("request failed")
	return &ErrorPacket{Serial: serial, Error: ed}
}

// panicError reports a panic recovered from a handler.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panicked (recovered): %v", p.value) }

// catchPanic calls f, and converts a panic out of f into an error.
func catchPanic(f func() (any, error)) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = &panicError{value: x, stack: string(debug.Stack())}
		}
	}()
	return f()
}

func (c *Connection) sendRsp(rsp Packet) {
	c.μ.Lock()
	err := c.err
	c.μ.Unlock()
	if err != nil {
		return
	}
	if err := c.sendPacket(rsp); err != nil {
		c.log.Error().Err(err).Int64("serial", rsp.SerialNumber()).Msg("sending response")
		var de *Error
		if !errors.As(err, &de) {
			return // the connection has already failed
		}

		// The handler's result could not be encoded; report that instead.
		c.sendPacket(&ErrorPacket{Serial: rsp.SerialNumber(), Error: formatError(err)})
	}
}

// sendPacket encodes and sends pkt. An error encoding the packet is reported
// as an *Error with kind KindInternal, and does not affect the connection.
// An error from the channel is fatal, and is recorded as the status of the
// connection.
func (c *Connection) sendPacket(pkt Packet) error {
	data, err := EncodePacket(pkt)
	if err != nil {
		return Errorf(KindInternal, "encode %v packet: %w", pkt.Type(), err)
	}
	if err := c.sendOut(pkt, data); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Connection) logPacket(pkt Packet, sent bool) {
	c.μ.Lock()
	plog := c.plog
	c.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: sent})
	}
}

func (c *Connection) sendOut(pkt Packet, data []byte) error {
	c.logPacket(pkt, true)

	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return ErrConnectionClosed
	}
	connMetricsRoot.packetSent.Add(1)
	return c.out.ch.Send(data)
}

func (c *Connection) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

// An inbox buffers inbound requests for the worker. The receive loop never
// blocks adding to it, so responses keep settling while the worker is busy.
type inbox struct {
	max   int           // 0 for unbounded
	ready chan struct{} // signaled when requests are added

	μ sync.Mutex
	q *queue.Queue[Packet]
}

func newInbox(max int) *inbox {
	return &inbox{max: max, ready: make(chan struct{}, 1), q: queue.New[Packet]()}
}

// push adds pkt to the inbox, or reports an error if the inbox is full.
func (b *inbox) push(pkt Packet) error {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.max > 0 && b.q.Len() >= b.max {
		return Errorf(KindProtocol, "inbound request queue is full (%d requests)", b.max)
	}
	b.q.Add(pkt)
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return nil
}

func (b *inbox) pop() (Packet, bool) {
	b.μ.Lock()
	defer b.μ.Unlock()
	return b.q.Pop()
}

// A pending receiver is settled by at most one response.
type pending chan Packet

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(pkt Packet) {
	if p != nil {
		p <- pkt
		close(p)
	}
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
