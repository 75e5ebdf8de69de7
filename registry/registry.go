// Package registry maps the effective datapath id of every registered switch
// to its live connection. A connection is polled by its own goroutine, which
// turns received messages into events, and is torn down when the transport
// fails, the switch closes it, or it is replaced or closed administratively.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/transport"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownDevice is returned when no switch is registered under an identity
var ErrUnknownDevice = errors.New("no such device")

// Signal is fired at most once, when the switch it was handed for is gone
type Signal struct {
	once sync.Once
	done chan struct{}
}

// NewSignal creates an unfired signal
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire marks the signal, only the first call has an effect. Firing a nil
// signal is a no-op.
func (s *Signal) Fire() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.done) })
}

// Done is closed once the signal fired
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Registry of live switch connections
type Registry struct {
	bus     events.Publisher
	aliases *dpid.Table
	clock   clock.Clock

	// serializes Register so that replacing a connection is atomic with
	// respect to other registrations
	registerLock sync.Mutex

	lock  sync.RWMutex
	conns map[dpid.DatapathID]*Connection
}

// New creates an empty registry publishing leave events on bus
func New(bus events.Publisher, aliases *dpid.Table, clk clock.Clock) *Registry {
	return &Registry{
		bus:     bus,
		aliases: aliases,
		clock:   clk,
		conns:   make(map[dpid.DatapathID]*Connection),
	}
}

// Register takes ownership of t and makes it resolvable under id. An existing
// connection for id is closed first, publishing its leave event, before the
// new one is installed. disconnected, which may be nil, fires when the new
// connection ends.
func (r *Registry) Register(id dpid.DatapathID, t transport.Transport, disconnected *Signal) *Connection {
	return r.Admit(id, t, disconnected, nil)
}

// Admit is Register with a hook. joined, when not nil, runs once the
// connection is resolvable but before it is polled, so events it publishes
// reach handlers ahead of any event of the connection, its leave included.
// joined runs with registration serialized and must not call Register.
func (r *Registry) Admit(id dpid.DatapathID, t transport.Transport, disconnected *Signal, joined func(*Connection)) *Connection {
	r.registerLock.Lock()
	defer r.registerLock.Unlock()

	r.lock.RLock()
	old, ok := r.conns[id]
	r.lock.RUnlock()
	if ok {
		log.WithFields(log.Fields{
			"dpid":       id.String(),
			"original":   r.aliases.Original(id).String(),
			"connection": old.transport.String(),
		}).Info("Replacing existing connection for DPID")
		old.close()
	}

	conn := newConnection(r, id, t, disconnected)
	r.lock.Lock()
	r.conns[id] = conn
	r.lock.Unlock()

	log.WithFields(log.Fields{
		"dpid":       id.String(),
		"original":   r.aliases.Original(id).String(),
		"connection": t.String(),
	}).Debug("Registered connection")
	if joined != nil {
		joined(conn)
	}
	conn.start()
	return conn
}

// Resolve returns the transport of the switch registered under id
func (r *Registry) Resolve(id dpid.DatapathID) (transport.Transport, error) {
	conn, ok := r.Lookup(id)
	if !ok {
		log.WithFields(log.Fields{
			"dpid": id.String(),
		}).Warn("No datapath with DPID registered")
		return nil, ErrUnknownDevice
	}
	return conn.transport, nil
}

// Lookup returns the connection registered under id, without logging
func (r *Registry) Lookup(id dpid.DatapathID) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Close ends the connection registered under id
func (r *Registry) Close(id dpid.DatapathID) error {
	conn, ok := r.Lookup(id)
	if !ok {
		log.WithFields(log.Fields{
			"dpid": id.String(),
		}).Warn("Request to close connection to unknown DPID")
		return ErrUnknownDevice
	}
	conn.close()
	return nil
}

// CloseAll ends every registered connection
func (r *Registry) CloseAll() {
	r.lock.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.lock.RUnlock()

	for _, conn := range conns {
		conn.close()
	}
}

// Identities returns the registered identities in ascending order
func (r *Registry) Identities() []dpid.DatapathID {
	r.lock.RLock()
	ids := make([]dpid.DatapathID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.lock.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connections returns a snapshot of the registered connections
func (r *Registry) Connections() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Len is the number of registered switches
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.conns)
}

// Aliases is the alias table used to display original identities
func (r *Registry) Aliases() *dpid.Table {
	return r.aliases
}

// remove drops conn from the map unless it was already replaced
func (r *Registry) remove(conn *Connection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.conns[conn.ID] == conn {
		delete(r.conns, conn.ID)
	}
}
