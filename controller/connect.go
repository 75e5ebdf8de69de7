package controller

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ciena/ofctl/handshake"
	"github.com/ciena/ofctl/registry"
	"github.com/ciena/ofctl/transport"
	log "github.com/sirupsen/logrus"
)

// Backoff between redial attempts
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Delay returns the wait before attempt N (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.InitialDelay <= 0 {
		return b.InitialDelay
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

// Options of a connection loop
type Options struct {
	// Reliable redials an active connection whenever it ends or fails
	Reliable bool

	// Timeout of each handshake, zero picks the configured default for the
	// kind of factory
	Timeout time.Duration
}

func (c *Controller) handshakeTimeout(factory transport.Factory, opts Options) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case factory.Passive():
		return c.cfg.PassiveTimeout
	case opts.Reliable:
		return c.cfg.ReliableTimeout
	}
	return c.cfg.ActiveTimeout
}

// Connect starts taking switches from factory. A passive factory is accepted
// from until it is closed, each accepted switch handshaking concurrently. An
// active factory is dialed once, or, if reliable, redialed every time the
// connection fails or ends. The controller owns factory from here on.
func (c *Controller) Connect(ctx context.Context, factory transport.Factory, opts Options) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return transport.ErrClosed
	}
	c.factories = append(c.factories, factory)
	c.wg.Add(1)
	c.lock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	timeout := c.handshakeTimeout(factory, opts)

	log.WithFields(log.Fields{
		"factory":  factory.String(),
		"passive":  factory.Passive(),
		"reliable": opts.Reliable,
		"timeout":  timeout.String(),
	}).Info("Starting connection loop")

	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stop()
		if factory.Passive() {
			c.accept(ctx, factory, timeout)
		} else {
			c.dial(ctx, factory, timeout, opts.Reliable)
		}
	}()
	return nil
}

// nextTransport waits for the factory to produce a transport
func nextTransport(ctx context.Context, factory transport.Factory) (transport.Transport, error) {
	for {
		t, err := factory.Connect()
		if !errors.Is(err, transport.ErrWouldBlock) {
			return t, err
		}
		select {
		case <-factory.ConnectReady():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) accept(ctx context.Context, factory transport.Factory, timeout time.Duration) {
	for {
		t, err := nextTransport(ctx, factory)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				log.WithFields(log.Fields{
					"factory": factory.String(),
				}).Debug("Connection loop stopped")
				return
			}
			log.WithFields(log.Fields{
				"factory": factory.String(),
			}).WithError(err).Error("Unable to accept connection")
			if err := c.wait(ctx, c.cfg.Backoff.Delay(1)); err != nil {
				return
			}
			continue
		}
		log.WithFields(log.Fields{
			"connection": t.String(),
		}).Debug("Accepted connection")
		c.startSession(ctx, t, timeout, nil, nil)
	}
}

func (c *Controller) dial(ctx context.Context, factory transport.Factory, timeout time.Duration, reliable bool) {
	attempt := 0
	for {
		t, err := nextTransport(ctx, factory)
		switch {
		case errors.Is(err, transport.ErrClosed) || ctx.Err() != nil:
			return
		case err != nil:
			attempt++
			log.WithFields(log.Fields{
				"factory": factory.String(),
				"attempt": attempt,
			}).WithError(err).Warn("Unable to connect to switch")
		default:
			disconnected := registry.NewSignal()
			result := make(chan error, 1)
			c.startSession(ctx, t, timeout, disconnected, func(err error) {
				result <- err
			})

			select {
			case err = <-result:
			case <-ctx.Done():
				return
			}
			if err == nil {
				attempt = 1
				if !reliable {
					return
				}
				select {
				case <-disconnected.Done():
				case <-ctx.Done():
					return
				}
				log.WithFields(log.Fields{
					"factory": factory.String(),
				}).Info("Connection to switch ended, redialing")
			} else {
				attempt++
			}
		}

		if !reliable {
			return
		}
		if err := c.wait(ctx, c.cfg.Backoff.Delay(attempt)); err != nil {
			return
		}
	}
}

func (c *Controller) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := c.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) startSession(ctx context.Context, t transport.Transport, timeout time.Duration, disconnected *registry.Signal, onExit func(error)) {
	session := handshake.New(t, handshake.Config{
		Timeout:      timeout,
		Aliases:      c.aliases,
		Registry:     c.registry,
		Bus:          c.dispatcher,
		Clock:        c.clock,
		Authorizer:   c.currentAuthorizer(),
		Commander:    c,
		Disconnected: disconnected,
		OnExit:       onExit,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		session.Run(ctx)
	}()
}
