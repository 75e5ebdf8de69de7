package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ciena/ofctl/dpid"
	log "github.com/sirupsen/logrus"
)

const (
	// Buffer size when reading
	BufferSize = 2048

	// SendQueueLen is the number of messages that can be queued for a switch
	// before a non-blocking send reports ErrWouldBlock
	SendQueueLen = 25

	// RecvQueueLen is the number of received messages buffered ahead of Recv
	RecvQueueLen = 25
)

// TCPTransport is a Transport over a stream connection, typically TCP. A
// reader goroutine frames incoming messages into the receive queue and a
// writer goroutine drains the send queue onto the connection, so that
// messages from different senders are never interleaved on the wire.
type TCPTransport struct {
	Connection net.Conn

	identity  uint64
	frames    chan *Frame
	recvReady chan struct{}
	queue     chan []byte
	sendReady chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	lock    sync.Mutex
	readErr error
}

// NewTCPTransport wraps conn and starts its reader and writer
func NewTCPTransport(conn net.Conn) *TCPTransport {
	t := &TCPTransport{
		Connection: conn,
		frames:     make(chan *Frame, RecvQueueLen),
		recvReady:  make(chan struct{}, 1),
		queue:      make(chan []byte, SendQueueLen),
		sendReady:  make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	go t.readFrames()
	go t.writeFrames()
	return t
}

// Reads messages from the connection until it fails. The receive queue is
// closed on failure so that Recv reports the error once the queued messages
// have been consumed.
func (t *TCPTransport) readFrames() {
	reader := bufio.NewReaderSize(t.Connection, BufferSize)
	for {
		frame, err := ReadFrame(reader)
		if err != nil {
			select {
			case <-t.closed:
				err = ErrClosed
			default:
			}
			t.lock.Lock()
			t.readErr = err
			t.lock.Unlock()
			close(t.frames)
			notify(t.recvReady)
			return
		}
		if log.GetLevel() == log.DebugLevel {
			log.WithFields(log.Fields{
				"connection":     t.String(),
				"of_version":     frame.Header.Version,
				"of_message":     frame.Header.Type.String(),
				"of_transaction": frame.Header.Transaction,
				"length":         frame.Header.Length,
			}).Debug("Received OpenFlow message")
		}
		select {
		case t.frames <- frame:
			notify(t.recvReady)
		case <-t.closed:
			return
		}
	}
}

// Writes queued messages to the connection. A write failure closes the
// connection, which the reader then reports through Recv.
func (t *TCPTransport) writeFrames() {
	for {
		select {
		case message := <-t.queue:
			notify(t.sendReady)
			if log.GetLevel() >= log.DebugLevel {
				log.
					WithFields(log.Fields{
						"connection": t.String(),
						"data":       fmt.Sprintf("%02x", message),
					}).
					Debug("send queued message")
			}
			if _, err := t.Connection.Write(message); err != nil {
				log.
					WithError(err).
					WithFields(log.Fields{
						"connection": t.String(),
					}).
					Warn("failed sending queued message, closing connection")
				t.Close()
				return
			}
		case <-t.closed:
			return
		}
	}
}

func (t *TCPTransport) Recv() (*Frame, error) {
	select {
	case frame, ok := <-t.frames:
		if !ok {
			t.lock.Lock()
			defer t.lock.Unlock()
			return nil, t.readErr
		}
		return frame, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (t *TCPTransport) RecvReady() <-chan struct{} {
	return t.recvReady
}

func (t *TCPTransport) Send(ctx context.Context, frame *Frame, block bool) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	message := frame.Bytes()
	if !block {
		select {
		case t.queue <- message:
			return nil
		default:
			return ErrWouldBlock
		}
	}
	select {
	case t.queue <- message:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TCPTransport) SendReady() <-chan struct{} {
	return t.sendReady
}

func (t *TCPTransport) SendPacket(ctx context.Context, packet *PacketOut, block bool) error {
	return t.Send(ctx, PacketOutFrame(packet), block)
}

func (t *TCPTransport) SendRemoteCommand(ctx context.Context, command string, args []string, block bool) error {
	return t.Send(ctx, RemoteCommandFrame(command, args), block)
}

func (t *TCPTransport) Identity() dpid.DatapathID {
	return dpid.DatapathID(atomic.LoadUint64(&t.identity))
}

func (t *TCPTransport) SetIdentity(id dpid.DatapathID) {
	atomic.StoreUint64(&t.identity, uint64(id))
}

// Close stops the reader and writer and closes the connection. Closing an
// already closed transport is a no-op.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.Connection.Close()
	})
	return err
}

// Connection in string form
func (t *TCPTransport) String() string {
	return fmt.Sprintf("(%s, %s)", t.Connection.RemoteAddr().String(), t.Identity().String())
}

// LocalAddr is the controller side address of the connection
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.Connection.LocalAddr()
}
