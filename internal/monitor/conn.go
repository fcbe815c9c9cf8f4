// Package monitor owns the chat session: it keeps the connection alive,
// routes incoming messages through keyword classification and marshals
// session commands onto the connection goroutine.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"keywatch/internal/transport"
	logx "keywatch/pkg/logx"
)

const updateBuffer = 256

// defaultRetryWait is the pause between connection attempts. Deliberately
// flat: the upstream API throttles aggressive reconnects on its own.
const defaultRetryWait = 60 * time.Second

type command struct {
	fn   func(ctx context.Context, sess transport.Session) error
	done chan error
}

// Handler consumes messages received while the session is ready.
type Handler func(ctx context.Context, msg transport.Message)

// Conn drives a transport.Session through its lifecycle:
// disconnected -> connecting -> authenticating -> ready, and back to
// disconnected on any failure, retrying after a fixed wait.
//
// All session access happens on the Run goroutine. Other goroutines
// reach the session through Do.
type Conn struct {
	sess    transport.Session
	handler Handler
	log     logx.Logger

	retryWait time.Duration

	state atomic.Int32

	mu      sync.Mutex
	readyCh chan struct{}

	cmds chan command
}

type Option func(*Conn)

// WithRetryWait overrides the pause between connection attempts.
func WithRetryWait(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.retryWait = d
		}
	}
}

func New(sess transport.Session, handler Handler, log logx.Logger, opts ...Option) *Conn {
	if log.IsZero() {
		log = logx.Nop()
	}
	if handler == nil {
		handler = func(context.Context, transport.Message) {}
	}
	c := &Conn{
		sess:      sess,
		handler:   handler,
		log:       log,
		retryWait: defaultRetryWait,
		readyCh:   make(chan struct{}),
		cmds:      make(chan command),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle position.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// WaitReady blocks until the session reaches the ready state or ctx ends.
func (c *Conn) WaitReady(ctx context.Context) error {
	for {
		if c.State() == StateReady {
			return nil
		}
		c.mu.Lock()
		ch := c.readyCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do runs fn on the connection goroutine once the session is ready.
// fn must not retain the session past its return.
func (c *Conn) Do(ctx context.Context, fn func(ctx context.Context, sess transport.Session) error) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the session until ctx ends. It reconnects forever; a session
// failure never propagates as an error, only ctx cancellation does.
func (c *Conn) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.serveOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("session ended",
				logx.Err(err),
				logx.Duration("retry_in", c.retryWait))
		}
		c.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryWait):
		}
	}
}

func (c *Conn) serveOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.sess.Disconnect(dctx)
		cancel()
	}()

	c.setState(StateAuthenticating)
	if err := c.sess.Authorize(ctx); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan transport.Message, updateBuffer)
	sessDone := make(chan error, 1)
	go func() { sessDone <- c.sess.Run(runCtx, updates) }()

	c.setState(StateReady)
	c.log.Info("session ready")

	for {
		select {
		case msg := <-updates:
			c.handler(ctx, msg)
		case cmd := <-c.cmds:
			cmd.done <- cmd.fn(runCtx, c.sess)
		case err := <-sessDone:
			return err
		}
	}
}

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.mu.Lock()
	if s == StateReady {
		close(c.readyCh)
	} else if old == StateReady {
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()
	c.log.Debug("connection state",
		logx.String("from", old.String()),
		logx.String("to", s.String()))
}
