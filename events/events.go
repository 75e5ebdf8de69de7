// Package events carries the notifications the controller core publishes
// (switch join and leave, flow table modification) and the events derived
// from OpenFlow messages received from switches. Handlers are registered per
// event name and run synchronously, in ascending order, on the goroutine that
// publishes the event.
package events

import (
	"sort"
	"sync"

	"github.com/ciena/ofctl/dpid"
	"github.com/google/gopacket"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
)

// Event names
const (
	DatapathJoinName  = "datapath-join"
	DatapathLeaveName = "datapath-leave"
	FlowModName       = "flow-mod"
	PacketInName      = "packet-in"
	EchoRequestName   = "echo-request"
	MessageName       = "openflow-message"
)

// Event is anything that can be published
type Event interface {
	Name() string
}

// Disposition is returned by a handler to tell the dispatcher whether the
// remaining handlers for the event should be run
type Disposition uint8

const (
	Continue Disposition = iota
	Stop
)

// Handler processes a single event
type Handler func(Event) Disposition

// Publisher is the part of the dispatcher the controller core depends on
type Publisher interface {
	Publish(Event)
}

// DatapathJoin is published once a switch completed the handshake and is
// registered. DPID is the effective identity.
type DatapathJoin struct {
	DPID     dpid.DatapathID
	Features ofp.SwitchFeatures
}

// DatapathLeave is published when the connection to a registered switch ends
type DatapathLeave struct {
	DPID dpid.DatapathID
}

// FlowMod is published after a flow table modification was successfully
// handed to a switch. It is a local notification, nothing is received.
type FlowMod struct {
	DPID   dpid.DatapathID
	Header of.Header
	Body   []byte
}

// PacketIn is a packet forwarded to the controller by a switch
type PacketIn struct {
	DPID    dpid.DatapathID
	InPort  uint32
	Message ofp.PacketIn
	Packet  gopacket.Packet
}

// EchoRequest is a liveness probe from a switch
type EchoRequest struct {
	DPID   dpid.DatapathID
	Header of.Header
	Body   []byte
}

// Message is any other OpenFlow message received from a switch
type Message struct {
	DPID   dpid.DatapathID
	Header of.Header
	Body   []byte
}

func (DatapathJoin) Name() string  { return DatapathJoinName }
func (DatapathLeave) Name() string { return DatapathLeaveName }
func (FlowMod) Name() string       { return FlowModName }
func (PacketIn) Name() string      { return PacketInName }
func (EchoRequest) Name() string   { return EchoRequestName }
func (Message) Name() string       { return MessageName }

type registration struct {
	order   int
	seq     uint64
	handler Handler
}

// Dispatcher delivers published events to the handlers registered for the
// event's name
type Dispatcher struct {
	lock     sync.RWMutex
	seq      uint64
	handlers map[string][]registration
}

// NewDispatcher creates a dispatcher with no handlers
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]registration),
	}
}

// Register adds a handler for the named event. Handlers with a lower order run
// first, handlers with equal order run in registration order.
func (d *Dispatcher) Register(name string, handler Handler, order int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.seq++
	list := append(d.handlers[name], registration{
		order:   order,
		seq:     d.seq,
		handler: handler,
	})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].order != list[j].order {
			return list[i].order < list[j].order
		}
		return list[i].seq < list[j].seq
	})
	d.handlers[name] = list
}

// Publish runs the handlers for the event until one of them returns Stop
func (d *Dispatcher) Publish(e Event) {
	d.lock.RLock()
	list := d.handlers[e.Name()]
	d.lock.RUnlock()

	for _, reg := range list {
		if reg.handler(e) == Stop {
			return
		}
	}
}
