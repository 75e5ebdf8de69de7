// Package handshake brings a freshly connected switch from a raw transport to
// a registered connection. A session requests the switch features, configures
// the switch, waits for the features reply, checks authorization and finally
// registers the switch. Every step is retried until it makes progress or the
// session deadline passes.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/metrics"
	"github.com/ciena/ofctl/registry"
	"github.com/ciena/ofctl/transport"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTimeout         = errors.New("handshake timed out")
	ErrDenied          = errors.New("switch denied by authorization policy")
	ErrInvalidIdentity = errors.New("switch reported the reserved datapath id 0")
	ErrProtocol        = errors.New("handshake protocol error")
)

// State of a handshake session
type State uint8

const (
	SendFeaturesRequest State = iota
	SendConfig
	ReceiveFeaturesReply
	CheckAuthorization
	Register
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case SendFeaturesRequest:
		return "SEND_FEATURES_REQUEST"
	case SendConfig:
		return "SEND_CONFIG"
	case ReceiveFeaturesReply:
		return "RECEIVE_FEATURES_REPLY"
	case CheckAuthorization:
		return "CHECK_AUTHORIZATION"
	case Register:
		return "REGISTER"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Authorizer decides whether a switch may register. Authorize must eventually
// call done, from any goroutine; only the first call counts.
type Authorizer interface {
	Authorize(t transport.Transport, features *ofp.SwitchFeatures, done func(approved bool))
}

// AuthorizerFunc adapts a function to the Authorizer interface
type AuthorizerFunc func(t transport.Transport, features *ofp.SwitchFeatures, done func(approved bool))

func (f AuthorizerFunc) Authorize(t transport.Transport, features *ofp.SwitchFeatures, done func(approved bool)) {
	f(t, features, done)
}

// Commander sends a message to a registered switch
type Commander interface {
	SendCommand(ctx context.Context, id dpid.DatapathID, frame *transport.Frame, block bool) error
}

// Config of a handshake session
type Config struct {
	Timeout  time.Duration
	Aliases  *dpid.Table
	Registry *registry.Registry
	Bus      events.Publisher
	Clock    clock.Clock

	// Authorizer may be nil, in which case every switch is approved
	Authorizer Authorizer

	// Commander is used to clear the flow tables of the registered switch, if
	// nil the message is sent straight on the transport
	Commander Commander

	// Disconnected is handed to the registry and fires when the registered
	// connection ends
	Disconnected *registry.Signal

	// OnExit is called exactly once with the result of the session
	OnExit func(error)
}

// Session is a single handshake. It owns its transport until the switch is
// registered or the session fails, in which case the transport is closed.
type Session struct {
	cfg       Config
	transport transport.Transport
	name      string

	state    State
	pending  *transport.Frame
	features *ofp.SwitchFeatures
	original dpid.DatapathID

	authOnce sync.Once
	authDone chan struct{}
	approved bool

	exitOnce sync.Once
}

// New creates a session for t. The session does nothing until Run is called.
func New(t transport.Transport, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Aliases == nil {
		cfg.Aliases = dpid.NewTable()
	}
	return &Session{
		cfg:       cfg,
		transport: t,
		name:      t.String(),
		state:     SendFeaturesRequest,
	}
}

// State is the current state, it is only meaningful once Run returned
func (s *Session) State() State {
	return s.state
}

// Features is the captured features reply with the effective datapath id
func (s *Session) Features() *ofp.SwitchFeatures {
	return s.features
}

// Run drives the session to completion and returns nil once the switch is
// registered
func (s *Session) Run(ctx context.Context) error {
	timer := s.cfg.Clock.Timer(s.cfg.Timeout)
	defer timer.Stop()
	deadline := s.cfg.Clock.Now().Add(s.cfg.Timeout)
	expired := false

	for {
		var wait <-chan struct{}
		var err error
		if expired || s.cfg.Clock.Now().After(deadline) {
			err = fmt.Errorf("%w in state %s", ErrTimeout, s.state)
		} else {
			wait, err = s.step(ctx)
		}
		if err != nil {
			s.exit(err)
			return err
		}
		if s.state == Done {
			s.exit(nil)
			return nil
		}
		if wait == nil {
			continue
		}

		select {
		case <-wait:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			err = ctx.Err()
			s.exit(err)
			return err
		}
	}
}

// step evaluates the current state once. It returns the channel to wait on
// when no progress can be made right now.
func (s *Session) step(ctx context.Context) (<-chan struct{}, error) {
	switch s.state {
	case SendFeaturesRequest:
		return s.send(ctx, transport.FeaturesRequest, SendConfig)
	case SendConfig:
		return s.send(ctx, transport.SetConfig, ReceiveFeaturesReply)
	case ReceiveFeaturesReply:
		return s.receiveFeatures(ctx)
	case CheckAuthorization:
		return s.checkAuthorization(), nil
	case Register:
		return nil, s.register(ctx)
	}
	return nil, fmt.Errorf("%w: unexpected state %s", ErrProtocol, s.state)
}

// send retries the same message until the transport takes it
func (s *Session) send(ctx context.Context, build func() *transport.Frame, next State) (<-chan struct{}, error) {
	if s.pending == nil {
		s.pending = build()
	}
	err := s.transport.Send(ctx, s.pending, false)
	switch {
	case err == nil:
		s.pending = nil
		s.state = next
		return nil, nil
	case errors.Is(err, transport.ErrWouldBlock):
		return s.transport.SendReady(), nil
	}
	return nil, fmt.Errorf("sending %s: %w", s.pending.Header.Type.String(), err)
}

func (s *Session) receiveFeatures(ctx context.Context) (<-chan struct{}, error) {
	frame, err := s.transport.Recv()
	switch {
	case errors.Is(err, transport.ErrWouldBlock):
		return s.transport.RecvReady(), nil
	case err != nil:
		return nil, fmt.Errorf("waiting for features reply: %w", err)
	}

	switch frame.Header.Type {
	case of.TypeEchoRequest:
		if err := s.transport.Send(ctx, transport.EchoReply(frame), false); err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				return nil, fmt.Errorf("answering echo request: %w", err)
			}
			log.WithFields(log.Fields{
				"connection": s.name,
			}).Debug("Dropped echo reply, send buffer full")
		}
	case of.TypeFeaturesReply:
		features, err := transport.ParseFeatures(frame)
		if err != nil {
			log.WithFields(log.Fields{
				"connection": s.name,
			}).WithError(err).Debug("Ignoring unparseable features reply")
			return nil, nil
		}
		s.original = dpid.DatapathID(features.DatapathID)
		features.DatapathID = uint64(s.cfg.Aliases.Effective(s.original))
		s.features = features
		s.state = CheckAuthorization
		log.WithFields(log.Fields{
			"connection": s.name,
			"dpid":       dpid.DatapathID(features.DatapathID).String(),
			"original":   s.original.String(),
		}).Debug("Received features reply")
	default:
		log.WithFields(log.Fields{
			"connection": s.name,
			"type":       frame.Header.Type.String(),
		}).Debug("Ignoring message while waiting for features reply")
	}
	return nil, nil
}

func (s *Session) checkAuthorization() <-chan struct{} {
	if s.cfg.Authorizer == nil {
		s.approved = true
		s.state = Register
		return nil
	}
	if s.authDone == nil {
		s.authDone = make(chan struct{})
		s.cfg.Authorizer.Authorize(s.transport, s.features, s.authorized)
	}
	select {
	case <-s.authDone:
		s.state = Register
		return nil
	default:
		return s.authDone
	}
}

func (s *Session) authorized(approved bool) {
	s.authOnce.Do(func() {
		s.approved = approved
		close(s.authDone)
	})
}

func (s *Session) register(ctx context.Context) error {
	if !s.approved {
		return ErrDenied
	}
	id := dpid.DatapathID(s.features.DatapathID)
	if id == dpid.Zero {
		return ErrInvalidIdentity
	}

	t := s.transport
	t.SetIdentity(id)
	s.transport = nil
	s.cfg.Registry.Admit(id, t, s.cfg.Disconnected, func(*registry.Connection) {
		var err error
		if s.cfg.Commander != nil {
			err = s.cfg.Commander.SendCommand(ctx, id, transport.FlowDeleteAll(), false)
		} else {
			err = t.Send(ctx, transport.FlowDeleteAll(), false)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"dpid": id.String(),
			}).WithError(err).Warn("Unable to clear flow tables of new datapath")
		}

		log.WithFields(log.Fields{
			"dpid":       id.String(),
			"original":   s.original.String(),
			"connection": s.name,
		}).Info("Datapath joined")
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(events.DatapathJoin{
				DPID:     id,
				Features: *s.features,
			})
		}
	})
	s.state = Done
	return nil
}

func (s *Session) exit(err error) {
	s.exitOnce.Do(func() {
		result := metrics.ResultSuccess
		if err != nil {
			s.state = Failed
			switch {
			case errors.Is(err, ErrTimeout):
				result = metrics.ResultTimeout
			case errors.Is(err, ErrDenied):
				result = metrics.ResultDenied
			case errors.Is(err, ErrInvalidIdentity):
				result = metrics.ResultInvalid
			default:
				result = metrics.ResultFailed
			}
			log.WithFields(log.Fields{
				"connection": s.name,
				"result":     result,
			}).WithError(err).Warn("Handshake failed")
			if s.transport != nil {
				s.transport.Close()
				s.transport = nil
			}
		}
		metrics.RecordHandshake(result)
		if s.cfg.OnExit != nil {
			s.cfg.OnExit(err)
		}
	})
}
