// Package controller ties the controller core together: it owns the alias
// table, the connection registry and the event dispatcher, runs the loops that
// accept or dial switches, and sends commands and packets to registered
// switches.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/handshake"
	"github.com/ciena/ofctl/registry"
	"github.com/ciena/ofctl/transport"
	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// ErrAuthorizerSet is returned when an authorization policy is registered twice
var ErrAuthorizerSet = errors.New("authorization policy already registered")

const (
	// Order of the echo request handler on the dispatcher
	EchoHandlerOrder = 100

	// Order of the packet classifier on the dispatcher
	ClassifierOrder = 200

	// Silent intervals after which a switch is considered dead
	missedEchoes = 3
)

// Config of the controller
type Config struct {
	// Handshake deadlines for passively accepted, actively dialed and
	// reliably redialed switches
	PassiveTimeout  time.Duration
	ActiveTimeout   time.Duration
	ReliableTimeout time.Duration

	// EchoInterval between liveness probes, zero disables keepalive
	EchoInterval time.Duration

	// LogFetchTimeout bounds how long a switch has to connect back and
	// deliver its logs
	LogFetchTimeout time.Duration

	// Backoff between redials of reliable connections
	Backoff Backoff

	Clock clock.Clock
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		PassiveTimeout:  5 * time.Second,
		ActiveTimeout:   60 * time.Second,
		ReliableTimeout: 4 * time.Second,
		EchoInterval:    15 * time.Second,
		LogFetchTimeout: time.Minute,
		Backoff: Backoff{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
	}
}

// Controller is the context shared by everything talking to switches
type Controller struct {
	cfg        Config
	clock      clock.Clock
	aliases    *dpid.Table
	dispatcher *events.Dispatcher
	classifier *events.Classifier
	registry   *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock       sync.Mutex
	authorizer handshake.Authorizer
	factories  []transport.Factory
	scheduler  gocron.Scheduler
	closed     bool
}

// New creates a controller with no switches
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		clock:      cfg.Clock,
		aliases:    dpid.NewTable(),
		dispatcher: events.NewDispatcher(),
		classifier: events.NewClassifier(),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.registry = registry.New(c.dispatcher, c.aliases, c.clock)
	c.dispatcher.Register(events.EchoRequestName, c.handleEchoRequest, EchoHandlerOrder)
	c.dispatcher.Register(events.PacketInName, c.classifier.Handle, ClassifierOrder)
	return c
}

// Dispatcher events are published on
func (c *Controller) Dispatcher() *events.Dispatcher {
	return c.dispatcher
}

// Classifier packet in handlers are registered with
func (c *Controller) Classifier() *events.Classifier {
	return c.classifier
}

// Registry of connected switches
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// Aliases maps effective datapath ids back to the ones reported by switches
func (c *Controller) Aliases() *dpid.Table {
	return c.aliases
}

// Identities of the registered switches in ascending order
func (c *Controller) Identities() []dpid.DatapathID {
	return c.registry.Identities()
}

// Original returns the datapath id a switch reported for an effective id
func (c *Controller) Original(id dpid.DatapathID) dpid.DatapathID {
	return c.aliases.Original(id)
}

// SetAuthorizer registers the policy consulted by every subsequent handshake.
// It can only be set once.
func (c *Controller) SetAuthorizer(a handshake.Authorizer) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.authorizer != nil {
		log.Error("Authorization policy already registered, ignoring new policy")
		return ErrAuthorizerSet
	}
	c.authorizer = a
	return nil
}

func (c *Controller) currentAuthorizer() handshake.Authorizer {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.authorizer
}

// StartKeepalive probes every registered switch with an echo request each
// echo interval and closes those silent for too long
func (c *Controller) StartKeepalive() error {
	if c.cfg.EchoInterval <= 0 {
		return nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating keepalive scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(
			c.cfg.EchoInterval,
		),
		gocron.NewTask(
			c.probe,
		),
	)
	if err != nil {
		s.Shutdown()
		return fmt.Errorf("creating keepalive job: %w", err)
	}
	s.Start()
	c.scheduler = s
	return nil
}

// probe sends an echo request to every registered switch, switches that have
// not sent anything for missedEchoes intervals are disconnected
func (c *Controller) probe() {
	now := c.clock.Now()
	idle := missedEchoes * c.cfg.EchoInterval
	for _, conn := range c.registry.Connections() {
		if silent := now.Sub(conn.LastSeen()); silent > idle {
			log.WithFields(log.Fields{
				"dpid":   conn.ID.String(),
				"silent": silent.String(),
			}).Warn("Datapath unresponsive, disconnecting")
			conn.Close()
			continue
		}
		if err := conn.Transport().Send(c.ctx, transport.EchoRequest(), false); err != nil {
			log.WithFields(log.Fields{
				"dpid": conn.ID.String(),
			}).WithError(err).Debug("Unable to send echo request")
		}
	}
}

func (c *Controller) handleEchoRequest(e events.Event) events.Disposition {
	echo, ok := e.(events.EchoRequest)
	if !ok {
		return events.Continue
	}
	reply := transport.EchoReply(&transport.Frame{
		Header: echo.Header,
		Body:   echo.Body,
	})
	if err := c.SendCommand(c.ctx, echo.DPID, reply, false); err != nil {
		log.WithFields(log.Fields{
			"dpid": echo.DPID.String(),
		}).WithError(err).Debug("Unable to answer echo request")
	}
	return events.Continue
}

// Close stops all loops and factories, ends every connection and waits for
// in-flight handshakes to exit
func (c *Controller) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	factories := c.factories
	scheduler := c.scheduler
	c.lock.Unlock()

	c.cancel()

	var result *multierror.Error
	for _, f := range factories {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", f.String(), err))
		}
	}
	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping keepalive: %w", err))
		}
	}
	c.wg.Wait()
	c.registry.CloseAll()
	return result.ErrorOrNil()
}
