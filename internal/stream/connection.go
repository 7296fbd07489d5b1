package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"parlor/internal/realtime"
)

// Connection is one open view's subscription. A reconnect replaces the
// underlying stream but keeps the Connection; nothing missed in between is
// replayed.
type Connection struct {
	id     string
	client *Client
	view   View
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	closed    atomic.Bool
	delivered atomic.Int64
	parseErrs atomic.Int64

	mu      sync.Mutex
	current EventStream
	lastErr error
	once    sync.Once
}

func newConnection(client *Client, view View, parent context.Context) *Connection {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	conn := &Connection{
		id:     id,
		client: client,
		view:   view,
		logger: client.logger.With(zap.String("view", view.Name), zap.String("conn_id", id)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn.state.Store(int32(StateConnecting))
	return conn
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Topics() []realtime.Topic { return c.view.Topics }

// State is the connection's current lifecycle state. A malformed payload does
// not move an open stream out of StateStreaming; it is counted in ParseErrors
// and reported by Err. StateError means the transport itself failed.
func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection has fully stopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Delivered counts events handed to the view's handler.
func (c *Connection) Delivered() int64 { return c.delivered.Load() }

func (c *Connection) ParseErrors() int64 { return c.parseErrs.Load() }

// Err returns the most recent transport or parse error.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close stops the connection. It is a no-op after the first call and does
// not wait for the stream goroutine, so handlers may call it.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		select {
		case <-c.done:
		default:
			c.setState(StateClosed)
		}
		c.cancel()
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()
		if current != nil {
			_ = current.Close()
		}
		c.logger.Debug("stream closed")
	})
}

func (c *Connection) run(cred realtime.Credential) {
	defer c.finish()

	b := c.client.newBackoff()
	retries := 0
	for {
		streamed, err := c.consume(cred)
		if c.stopped() {
			return
		}
		c.fail(err)
		if streamed {
			b.Reset()
			retries = 0
		}
		if !c.client.opts.Reconnect {
			return
		}

		for {
			retries++
			if limit := c.client.opts.MaxRetries; limit > 0 && retries > limit {
				c.logger.Warn("stream giving up", zap.Int("retries", retries-1))
				return
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop || !c.sleep(wait) {
				return
			}
			c.setState(StateConnecting)
			cred, err = c.client.opts.Credentials.Credential(c.ctx)
			if err == nil {
				break
			}
			if c.stopped() {
				return
			}
			c.fail(err)
		}
	}
}

// consume reads a single stream until it fails. The bool reports whether any
// frame arrived.
func (c *Connection) consume(cred realtime.Credential) (bool, error) {
	c.setState(StateConnecting)
	es, err := c.client.opts.Transport.Subscribe(c.ctx, cred, c.view.Topics)
	if err != nil {
		return false, err
	}
	if !c.attach(es) {
		_ = es.Close()
		return false, ErrClosed
	}
	defer c.detach(es)

	streaming := false
	for {
		frame, err := es.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			return streaming, err
		}
		if !streaming {
			streaming = true
			c.setState(StateStreaming)
			c.logger.Debug("stream connected")
		}
		if frame.Comment || len(frame.Data) == 0 {
			continue
		}
		if frame.Event != "" && frame.Event != "message" {
			continue
		}
		c.dispatch(frame.Data)
		if c.stopped() {
			return streaming, ErrClosed
		}
	}
}

func (c *Connection) dispatch(data []byte) {
	event, err := realtime.DecodeEvent(data)
	if err != nil {
		c.parseErrs.Add(1)
		c.client.parseErrors.Add(1)
		c.setErr(err)
		c.logger.Warn("dropping malformed event", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if !c.wants(event.Topic) {
		c.logger.Debug("dropping event for inactive topic", zap.String("topic", event.Topic.String()))
		return
	}
	if c.client.isLocalEcho(event) {
		c.logger.Debug("dropping local echo", zap.String("resource", event.Resource.Key()))
		return
	}
	if c.closed.Load() {
		return
	}
	c.view.Handler.Handle(event)
	c.delivered.Add(1)
}

func (c *Connection) wants(topic realtime.Topic) bool {
	for _, t := range c.view.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *Connection) attach(es EventStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.current = es
	return true
}

func (c *Connection) detach(es EventStream) {
	c.mu.Lock()
	if c.current == es {
		c.current = nil
	}
	c.mu.Unlock()
	_ = es.Close()
}

func (c *Connection) fail(err error) {
	c.setErr(err)
	c.setState(StateError)
	c.logger.Warn("stream error", zap.Error(err))
}

func (c *Connection) finish() {
	c.cancel()
	c.setState(StateDisconnected)
	c.client.release(c)
	close(c.done)
}

func (c *Connection) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) stopped() bool {
	return c.closed.Load() || c.ctx.Err() != nil
}

func (c *Connection) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Connection) setState(s State) {
	if c.closed.Load() && s != StateClosed && s != StateDisconnected {
		return
	}
	c.state.Store(int32(s))
}
