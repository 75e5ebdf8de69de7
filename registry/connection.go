package registry

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/metrics"
	"github.com/ciena/ofctl/transport"
	log "github.com/sirupsen/logrus"
)

// Connection is a registered switch. It is released, its transport closed
// and its disconnected signal fired, only once it is closing and no poll is
// running against it, so a handler that closes the connection from inside a
// poll never pulls the transport out from under that poll.
type Connection struct {
	ID dpid.DatapathID

	registry     *Registry
	transport    transport.Transport
	disconnected *Signal
	stop         chan struct{}
	lastSeen     int64

	lock    sync.Mutex
	started bool
	closing bool
	polls   int

	releaseOnce sync.Once
	released    chan struct{}
}

func newConnection(r *Registry, id dpid.DatapathID, t transport.Transport, disconnected *Signal) *Connection {
	conn := &Connection{
		ID:           id,
		registry:     r,
		transport:    t,
		disconnected: disconnected,
		stop:         make(chan struct{}),
		released:     make(chan struct{}),
	}
	metrics.DeviceJoined()
	conn.touch()
	return conn
}

// Transport the switch is reached through
func (c *Connection) Transport() transport.Transport {
	return c.transport
}

// LastSeen is when a message was last received from the switch
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// Released is closed once the transport was closed
func (c *Connection) Released() <-chan struct{} {
	return c.released
}

// Closing reports whether close was called
func (c *Connection) Closing() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closing
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastSeen, c.registry.clock.Now().UnixNano())
}

// start begins polling. A connection closed before it was started publishes
// its leave event here instead of from close.
func (c *Connection) start() {
	c.lock.Lock()
	c.started = true
	closing := c.closing
	c.lock.Unlock()
	if closing {
		c.registry.bus.Publish(events.DatapathLeave{DPID: c.ID})
		return
	}
	go c.run()
}

// Polls the transport until the connection is closed. Each poll handles at
// most one message, when none is available the loop waits for the transport
// to become readable.
func (c *Connection) run() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if c.poll() {
			continue
		}
		select {
		case <-c.transport.RecvReady():
		case <-c.stop:
			return
		}
	}
}

// poll returns true if it made progress and should be called again right away
func (c *Connection) poll() bool {
	c.lock.Lock()
	c.polls++
	c.lock.Unlock()

	progress := c.doPoll()

	c.lock.Lock()
	c.polls--
	release := c.polls == 0 && c.closing
	c.lock.Unlock()
	if release {
		c.release()
	}
	return progress
}

func (c *Connection) doPoll() bool {
	frame, err := c.transport.Recv()
	switch {
	case err == nil:
		c.touch()
		metrics.RecordFrame(frame.Header.Type.String())
		if event := translate(c.ID, frame); event != nil {
			c.registry.bus.Publish(event)
		}
		return true
	case errors.Is(err, transport.ErrWouldBlock):
		return false
	case errors.Is(err, io.EOF):
		log.WithFields(log.Fields{
			"connection": c.transport.String(),
		}).Warn("Connection closed by peer")
	default:
		log.WithFields(log.Fields{
			"connection": c.transport.String(),
		}).WithError(err).Warn("Disconnected")
	}
	c.close()
	return true
}

// Close ends the connection, it returns false if it was already closing
func (c *Connection) Close() bool {
	return c.close()
}

// close removes the connection from the registry, publishes the leave event
// and stops polling. It returns false if the connection was already closing.
func (c *Connection) close() bool {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return false
	}
	c.closing = true
	release := c.polls == 0
	started := c.started
	c.lock.Unlock()

	c.registry.remove(c)
	metrics.DeviceLeft()
	log.WithFields(log.Fields{
		"dpid":     c.ID.String(),
		"original": c.registry.aliases.Original(c.ID).String(),
	}).Info("Datapath left")
	if started {
		c.registry.bus.Publish(events.DatapathLeave{DPID: c.ID})
	}
	close(c.stop)

	if release {
		c.release()
	}
	return true
}

func (c *Connection) release() {
	c.releaseOnce.Do(func() {
		c.transport.Close()
		c.disconnected.Fire()
		close(c.released)
	})
}
