// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the dualshock.Channel interface.
package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/dualshock"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without copying. Frames sent to A are received by B and vice
// versa.
func Direct() (A, B dualshock.Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- []byte
	b2a <-chan []byte
}

// Send implements a method of the [dualshock.Channel] interface.
func (d direct) Send(frame []byte) (err error) {
	defer safeClose(&err)
	d.a2b <- frame
	return nil
}

// Recv implements a method of the [dualshock.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	frame, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return frame, nil
}

// Close implements a method of the [dualshock.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// Frame header layout: magic "DS", version, reserved, big-endian length.
const (
	headerLen    = 8
	frameVersion = 1

	// DefaultMaxFrame is the largest frame an IOChannel accepts unless
	// another limit is set with MaxFrame.
	DefaultMaxFrame = 16 << 20
)

var frameMagic = [2]byte{'D', 'S'}

// ErrFrameTooLarge is reported by an IOChannel for a frame that exceeds its
// size limit.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, max: DefaultMaxFrame}
}

// An IOChannel sends and receives length-prefixed frames on a reader and a
// writer.
type IOChannel struct {
	r   *bufio.Reader
	w   *bufio.Writer
	c   io.Closer
	max int
}

// MaxFrame returns a copy of c that limits frames to n bytes. If n <= 0 the
// default limit is used.
func (c IOChannel) MaxFrame(n int) IOChannel {
	if n <= 0 {
		n = DefaultMaxFrame
	}
	c.max = n
	return c
}

// Send implements a method of the [dualshock.Channel] interface.
func (c IOChannel) Send(frame []byte) error {
	if len(frame) > c.max {
		return fmt.Errorf("send %d bytes: %w", len(frame), ErrFrameTooLarge)
	}
	var hdr [headerLen]byte
	copy(hdr[:2], frameMagic[:])
	hdr[2] = frameVersion
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(frame)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [dualshock.Channel] interface.
func (c IOChannel) Recv() ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err // io.EOF at a frame boundary
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] {
		return nil, fmt.Errorf("invalid frame magic %q", hdr[:2])
	} else if hdr[2] != frameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", hdr[2])
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if int64(n) > int64(c.max) {
		return nil, fmt.Errorf("receive %d bytes: %w", n, ErrFrameTooLarge)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// Close implements a method of the [dualshock.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// A Push adapts a transport that delivers frames by callback into a
// [dualshock.Channel]. The transport calls Deliver for each frame it
// receives, Fail when it reports an error, and Closed when the remote peer
// disconnects.
type Push struct {
	send   func([]byte) error
	close  func() error
	frames chan []byte
	done   chan struct{}

	μ   sync.Mutex
	err error
}

// NewPush constructs a Push that sends frames with send, and calls close
// once when the channel is closed locally. If close == nil, closing the
// channel only stops delivery.
func NewPush(send func([]byte) error, close func() error) *Push {
	return &Push{
		send:   send,
		close:  close,
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}
}

// Deliver passes frame to the receiver, blocking until it is received or the
// channel terminates. It reports an error if the channel has terminated.
func (p *Push) Deliver(frame []byte) error {
	select {
	case p.frames <- frame:
		return nil
	case <-p.done:
		return p.status()
	}
}

// Fail terminates the channel with err. Subsequent operations report err.
func (p *Push) Fail(err error) {
	if err == nil {
		err = io.EOF
	}
	p.stop(err)
}

// Closed terminates the channel as closed by the remote peer.
func (p *Push) Closed() { p.stop(io.EOF) }

// stop records err as the status of p if p is not already terminated, and
// reports whether it did.
func (p *Push) stop(err error) bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.err != nil {
		return false
	}
	p.err = err
	close(p.done)
	return true
}

func (p *Push) status() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.err
}

// Send implements a method of the [dualshock.Channel] interface.
func (p *Push) Send(frame []byte) error {
	if err := p.status(); err != nil {
		return err
	}
	return p.send(frame)
}

// Recv implements a method of the [dualshock.Channel] interface.
func (p *Push) Recv() ([]byte, error) {
	select {
	case frame := <-p.frames:
		return frame, nil
	case <-p.done:
		return nil, p.status()
	}
}

// Close implements a method of the [dualshock.Channel] interface.
func (p *Push) Close() error {
	if !p.stop(net.ErrClosed) {
		return nil
	}
	if p.close != nil {
		return p.close()
	}
	return nil
}
