package events

import (
	"sort"
	"sync"

	"github.com/ciena/ofctl/criteria"
	log "github.com/sirupsen/logrus"
)

type rule struct {
	id       uint32
	priority uint32
	match    criteria.Criteria
	handler  Handler
}

// Classifier dispatches packet in events to the handlers whose match criteria
// is satisfied by the packet. Register Classifier.Handle for PacketInName on a
// Dispatcher to activate it.
type Classifier struct {
	lock   sync.RWMutex
	nextID uint32
	rules  []rule
}

// NewClassifier creates a classifier with no rules
func NewClassifier() *Classifier {
	return &Classifier{}
}

// RegisterOnMatch adds a rule and returns its id. Rules are evaluated in
// ascending priority.
func (c *Classifier) RegisterOnMatch(priority uint32, match criteria.Criteria, handler Handler) uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.nextID++
	c.rules = append(c.rules, rule{
		id:       c.nextID,
		priority: priority,
		match:    match,
		handler:  handler,
	})
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].priority < c.rules[j].priority
	})
	return c.nextID
}

// Unregister removes the rule with the given id, returning false if there was
// no such rule
func (c *Classifier) Unregister(id uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	for i, r := range c.rules {
		if r.id == id {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Handle evaluates the rules against a packet in event
func (c *Classifier) Handle(e Event) Disposition {
	pi, ok := e.(PacketIn)
	if !ok {
		return Continue
	}
	state := criteria.FromPacket(pi.InPort, pi.Packet)

	c.lock.RLock()
	rules := make([]rule, len(c.rules))
	copy(rules, c.rules)
	c.lock.RUnlock()

	for _, r := range rules {
		if !r.match.Match(state) {
			continue
		}
		if log.GetLevel() == log.DebugLevel {
			log.WithFields(log.Fields{
				"dpid":     pi.DPID.String(),
				"rule":     r.id,
				"priority": r.priority,
			}).Debug("Packet in matched classifier rule")
		}
		if r.handler(e) == Stop {
			return Stop
		}
	}
	return Continue
}
