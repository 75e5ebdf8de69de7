// Package transporttest provides in-memory transports and factories for
// testing code built on the transport package
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/transport"
)

// Fake is an in-memory Transport. Frames handed to Deliver are returned by
// Recv in order, everything sent is available on Sent.
type Fake struct {
	Name string

	// Sent receives every frame accepted by a send
	Sent chan *transport.Frame

	lock      sync.Mutex
	inbox     []*transport.Frame
	recvErr   error
	sendErr   error
	full      bool
	identity  dpid.DatapathID
	closes    int
	recvReady chan struct{}
	sendReady chan struct{}
	closed    chan struct{}
}

// NewFake creates an open fake transport
func NewFake(name string) *Fake {
	return &Fake{
		Name:      name,
		Sent:      make(chan *transport.Frame, 256),
		recvReady: make(chan struct{}, 1),
		sendReady: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Deliver makes frame available to Recv
func (f *Fake) Deliver(frame *transport.Frame) {
	f.lock.Lock()
	f.inbox = append(f.inbox, frame)
	f.lock.Unlock()
	signal(f.recvReady)
}

// Fail makes Recv return err once the delivered frames are consumed
func (f *Fake) Fail(err error) {
	f.lock.Lock()
	f.recvErr = err
	f.lock.Unlock()
	signal(f.recvReady)
}

// SetFull makes non-blocking sends fail with ErrWouldBlock and blocking sends
// wait until the buffer is drained again or their context ends
func (f *Fake) SetFull(full bool) {
	f.lock.Lock()
	f.full = full
	f.lock.Unlock()
	if !full {
		signal(f.sendReady)
	}
}

// SetSendError makes every subsequent send fail with err
func (f *Fake) SetSendError(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sendErr = err
}

// Closes is the number of times Close was called
func (f *Fake) Closes() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closes
}

// Closed is closed by the first call to Close
func (f *Fake) Closed() <-chan struct{} {
	return f.closed
}

// Expect waits for the next sent frame
func (f *Fake) Expect(timeout time.Duration) (*transport.Frame, bool) {
	select {
	case frame := <-f.Sent:
		return frame, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (f *Fake) Recv() (*transport.Frame, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.inbox) > 0 {
		frame := f.inbox[0]
		f.inbox = f.inbox[1:]
		return frame, nil
	}
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if f.closes > 0 {
		return nil, transport.ErrClosed
	}
	return nil, transport.ErrWouldBlock
}

func (f *Fake) RecvReady() <-chan struct{} {
	return f.recvReady
}

func (f *Fake) Send(ctx context.Context, frame *transport.Frame, block bool) error {
	for {
		f.lock.Lock()
		switch {
		case f.closes > 0:
			f.lock.Unlock()
			return transport.ErrClosed
		case f.sendErr != nil:
			err := f.sendErr
			f.lock.Unlock()
			return err
		case !f.full:
			f.lock.Unlock()
			f.Sent <- frame
			return nil
		case !block:
			f.lock.Unlock()
			return transport.ErrWouldBlock
		}
		f.lock.Unlock()

		select {
		case <-f.sendReady:
		case <-f.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Fake) SendReady() <-chan struct{} {
	return f.sendReady
}

func (f *Fake) SendPacket(ctx context.Context, packet *transport.PacketOut, block bool) error {
	return f.Send(ctx, transport.PacketOutFrame(packet), block)
}

func (f *Fake) SendRemoteCommand(ctx context.Context, command string, args []string, block bool) error {
	return f.Send(ctx, transport.RemoteCommandFrame(command, args), block)
}

func (f *Fake) Identity() dpid.DatapathID {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.identity
}

func (f *Fake) SetIdentity(id dpid.DatapathID) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.identity = id
}

func (f *Fake) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closes++
	if f.closes == 1 {
		close(f.closed)
	}
	return nil
}

func (f *Fake) String() string {
	return fmt.Sprintf("fake:%s", f.Name)
}

// Factory is an in-memory transport factory. Transports handed to Push are
// returned by Connect in order.
type Factory struct {
	Name string

	lock    sync.Mutex
	passive bool
	pending []transport.Transport
	errs    []error
	ready   chan struct{}
	closed  bool
	dials   int
}

// NewFactory creates a passive or active fake factory
func NewFactory(name string, passive bool) *Factory {
	return &Factory{
		Name:    name,
		passive: passive,
		ready:   make(chan struct{}, 1),
	}
}

// Push makes t the result of a future Connect
func (f *Factory) Push(t transport.Transport) {
	f.lock.Lock()
	f.pending = append(f.pending, t)
	f.lock.Unlock()
	signal(f.ready)
}

// FailNext makes the next Connect that finds no pending transport fail
// with err
func (f *Factory) FailNext(err error) {
	f.lock.Lock()
	f.errs = append(f.errs, err)
	f.lock.Unlock()
	signal(f.ready)
}

// Dials is the number of times Connect was called
func (f *Factory) Dials() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.dials
}

func (f *Factory) Connect() (transport.Transport, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.dials++
	if f.closed {
		return nil, transport.ErrClosed
	}
	if len(f.pending) > 0 {
		t := f.pending[0]
		f.pending = f.pending[1:]
		return t, nil
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return nil, transport.ErrWouldBlock
}

func (f *Factory) ConnectReady() <-chan struct{} {
	return f.ready
}

func (f *Factory) Passive() bool {
	return f.passive
}

func (f *Factory) Close() error {
	f.lock.Lock()
	f.closed = true
	f.lock.Unlock()
	signal(f.ready)
	return nil
}

func (f *Factory) String() string {
	if f.passive {
		return fmt.Sprintf("pfake:%s", f.Name)
	}
	return fmt.Sprintf("fake:%s", f.Name)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
