package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// DefaultDialTimeout bounds a single attempt to reach a switch
const DefaultDialTimeout = 10 * time.Second

// AcceptRetryDelay is how long the listener pauses after a failed accept,
// for instance when the process ran out of file descriptors
const AcceptRetryDelay = 100 * time.Millisecond

// Listener is a passive factory, it hands out connections accepted from
// switches
type Listener struct {
	listener net.Listener
	clock    clock.Clock
	accepted chan net.Conn
	ready    chan struct{}
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once

	lock sync.Mutex
	err  error
}

// Listen binds address and starts accepting connections
func Listen(address string) (*Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return NewListener(l), nil
}

// NewListener wraps an already bound listener
func NewListener(l net.Listener) *Listener {
	return newListener(l, clock.New())
}

func newListener(l net.Listener, clk clock.Clock) *Listener {
	listener := &Listener{
		listener: l,
		clock:    clk,
		accepted: make(chan net.Conn, 16),
		ready:    make(chan struct{}, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go listener.acceptConnections()
	return listener
}

func (l *Listener) acceptConnections() {
	defer close(l.done)
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closing:
				err = ErrClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed) {
				l.lock.Lock()
				l.err = ErrClosed
				l.lock.Unlock()
				notify(l.ready)
				return
			}
			// Not fatal if a connection fails, forget it and move on
			log.WithFields(log.Fields{
				"listener": l.listener.Addr().String(),
			}).WithError(err).Warn("Error while accepting connection")
			timer := l.clock.Timer(AcceptRetryDelay)
			select {
			case <-timer.C:
			case <-l.closing:
				timer.Stop()
			}
			continue
		}
		log.WithFields(log.Fields{
			"remote-connection": conn.RemoteAddr().String(),
		}).Debug("Received connection")
		select {
		case l.accepted <- conn:
			notify(l.ready)
		case <-l.closing:
			conn.Close()
		}
	}
}

func (l *Listener) Connect() (Transport, error) {
	select {
	case conn := <-l.accepted:
		return NewTCPTransport(conn), nil
	default:
	}
	select {
	case <-l.done:
		l.lock.Lock()
		defer l.lock.Unlock()
		return nil, l.err
	default:
		return nil, ErrWouldBlock
	}
}

func (l *Listener) ConnectReady() <-chan struct{} {
	return l.ready
}

func (l *Listener) Passive() bool {
	return true
}

// Addr is the address the listener is bound to
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closing)
		err = l.listener.Close()
	})
	<-l.done
	for {
		select {
		case conn := <-l.accepted:
			conn.Close()
		default:
			return err
		}
	}
}

func (l *Listener) String() string {
	return "ptcp:" + l.listener.Addr().String()
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Dialer is an active factory, each Connect after a completed attempt starts
// a new dial to the switch at Address
type Dialer struct {
	Address string
	Timeout time.Duration

	ready   chan struct{}
	lock    sync.Mutex
	dialing bool
	closed  bool
	result  *dialResult
}

// NewDialer creates an active factory for a switch listening on address
func NewDialer(address string) *Dialer {
	return &Dialer{
		Address: address,
		Timeout: DefaultDialTimeout,
		ready:   make(chan struct{}, 1),
	}
}

func (d *Dialer) dial() {
	conn, err := net.DialTimeout("tcp", d.Address, d.Timeout)

	d.lock.Lock()
	defer d.lock.Unlock()
	d.dialing = false
	if d.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	d.result = &dialResult{conn: conn, err: err}
	notify(d.ready)
}

func (d *Dialer) Connect() (Transport, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if r := d.result; r != nil {
		d.result = nil
		if r.err != nil {
			return nil, r.err
		}
		return NewTCPTransport(r.conn), nil
	}
	if !d.dialing {
		d.dialing = true
		go d.dial()
	}
	return nil, ErrWouldBlock
}

func (d *Dialer) ConnectReady() <-chan struct{} {
	return d.ready
}

func (d *Dialer) Passive() bool {
	return false
}

func (d *Dialer) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed = true
	if d.result != nil && d.result.conn != nil {
		d.result.conn.Close()
	}
	d.result = nil
	notify(d.ready)
	return nil
}

func (d *Dialer) String() string {
	return "tcp:" + d.Address
}
