// Package transport moves OpenFlow messages between the controller and a
// switch. A Transport never blocks the caller unless asked to: receive and
// non-blocking send return ErrWouldBlock and expose a readiness channel that is
// signalled when it is worth trying again.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ciena/ofctl/dpid"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
)

const (
	// Version is the OpenFlow protocol version spoken by the controller
	Version uint8 = 0x04

	// HeaderLen is the size of the OpenFlow header on the wire
	HeaderLen = 8
)

var (
	ErrWouldBlock = errors.New("operation would block")
	ErrClosed     = errors.New("transport closed")
	ErrMalformed  = errors.New("malformed OpenFlow message")
)

// Transport is a live connection to a single switch
type Transport interface {
	// Recv returns the next complete message, ErrWouldBlock if none is
	// available, io.EOF when the switch closed the connection or any other
	// error when the connection failed.
	Recv() (*Frame, error)

	// RecvReady is signalled when Recv may make progress
	RecvReady() <-chan struct{}

	// Send queues a message. If block is false and the send buffer is full
	// ErrWouldBlock is returned, otherwise the caller waits for room or for
	// ctx to end.
	Send(ctx context.Context, frame *Frame, block bool) error

	// SendReady is signalled when room was made in the send buffer
	SendReady() <-chan struct{}

	SendPacket(ctx context.Context, packet *PacketOut, block bool) error
	SendRemoteCommand(ctx context.Context, command string, args []string, block bool) error

	Identity() dpid.DatapathID
	SetIdentity(dpid.DatapathID)

	Close() error
	String() string
}

// Factory produces transports, either by accepting them from switches or by
// dialing a switch
type Factory interface {
	// Connect returns a new transport, ErrWouldBlock if none is available yet,
	// or the reason the attempt failed.
	Connect() (Transport, error)

	// ConnectReady is signalled when Connect may make progress
	ConnectReady() <-chan struct{}

	// Passive reports whether the factory accepts connections from switches
	Passive() bool

	Close() error
	String() string
}

var xid uint32

// NextXID returns a nonzero transaction id that has not been used recently
func NextXID() uint32 {
	for {
		if id := atomic.AddUint32(&xid, 1); id != 0 {
			return id
		}
	}
}

// Frame is one complete OpenFlow message
type Frame struct {
	Header of.Header
	Body   []byte
}

// NewFrame builds a message of the given type, the length is computed from
// the body
func NewFrame(t of.Type, transaction uint32, body []byte) *Frame {
	return &Frame{
		Header: of.Header{
			Version:     Version,
			Type:        t,
			Length:      uint16(HeaderLen + len(body)),
			Transaction: transaction,
		},
		Body: body,
	}
}

// ReadFrame reads a single message. A connection closed on a message boundary
// is reported as io.EOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		return nil, err
	}

	frame := new(Frame)
	if _, err := frame.Header.ReadFrom(bytes.NewReader(hdr[:])); err != nil {
		return nil, err
	}
	if frame.Header.Length < HeaderLen {
		return nil, fmt.Errorf("%w: length %d shorter than header", ErrMalformed, frame.Header.Length)
	}
	frame.Body = make([]byte, int(frame.Header.Length)-HeaderLen)
	if _, err := io.ReadFull(r, frame.Body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated body", ErrMalformed)
		}
		return nil, err
	}
	return frame, nil
}

// Bytes encodes the message, fixing up the length
func (f *Frame) Bytes() []byte {
	buf := new(bytes.Buffer)
	f.WriteTo(buf)
	return buf.Bytes()
}

// WriteTo writes the header followed by the body
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	f.Header.Length = uint16(HeaderLen + len(f.Body))
	n, err := f.Header.WriteTo(w)
	if err != nil {
		return n, err
	}
	m, err := w.Write(f.Body)
	return n + int64(m), err
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s(xid=%d, len=%d)", f.Header.Type.String(), f.Header.Transaction, f.Header.Length)
}

// PacketOut describes a packet to be sent out of a switch. Either Data holds
// the raw packet or BufferID references a packet buffered on the switch.
type PacketOut struct {
	BufferID uint32
	InPort   ofp.PortNo
	Actions  ofp.Actions
	Data     []byte
}

// notify signals a readiness channel without blocking, a pending signal is
// enough to wake the waiter
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
