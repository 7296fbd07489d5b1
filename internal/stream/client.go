// Package stream is the subscriber side of the hub: it keeps one live
// connection per open view, filters what arrives and reconnects on failure.
package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"parlor/internal/realtime"
)

var (
	ErrClosed      = errors.New("connection closed")
	ErrStreamEnded = errors.New("stream ended")
)

type Options struct {
	// Principal is the local user. Events they authored are not rendered again.
	Principal   int64
	Transport   Transport
	Credentials CredentialSource

	Reconnect      bool
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// EchoTTL bounds how long a MarkLocal entry suppresses its echo.
	EchoTTL time.Duration
	Logger  *zap.Logger
}

// View is one scoped screen, such as an open chat or the feed.
type View struct {
	Name    string
	Topics  []realtime.Topic
	Handler Handler
}

type Client struct {
	opts        Options
	logger      *zap.Logger
	local       *ttlcache.Cache[string, struct{}]
	parseErrors atomic.Int64

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewClient(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("stream: transport is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("stream: credential source is required")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.EchoTTL <= 0 {
		opts.EchoTTL = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: logger,
		local:  ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](opts.EchoTTL)),
		conns:  make(map[string]*Connection),
	}, nil
}

// Open starts streaming for view. A connection already open under the same
// view name is closed first.
func (c *Client) Open(ctx context.Context, view View) (*Connection, error) {
	if view.Name == "" {
		return nil, errors.New("stream: view name is required")
	}
	if view.Handler == nil {
		return nil, errors.New("stream: view handler is required")
	}
	topics := slices.Clone(view.Topics)
	slices.Sort(topics)
	topics = slices.Compact(topics)
	if len(topics) == 0 {
		return nil, errors.New("stream: view has no topics")
	}
	view.Topics = topics

	c.Close(view.Name)

	cred, err := c.opts.Credentials.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("request credential: %w", err)
	}

	conn := newConnection(c, view, context.WithoutCancel(ctx))
	c.mu.Lock()
	if prior := c.conns[view.Name]; prior != nil {
		prior.Close()
	}
	c.conns[view.Name] = conn
	c.mu.Unlock()

	c.logger.Debug("stream opening",
		zap.String("view", view.Name),
		zap.String("conn_id", conn.id),
		zap.Strings("topics", realtime.Strings(topics)))
	go conn.run(cred)
	return conn, nil
}

// Connection returns the live connection for a view, if any.
func (c *Client) Connection(name string) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[name]
	return conn, ok
}

// Close tears down the connection of one view. Unknown names are ignored.
func (c *Client) Close(name string) {
	c.mu.Lock()
	conn := c.conns[name]
	delete(c.conns, name)
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) CloseAll() {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.conns))
	for name, conn := range c.conns {
		conns = append(conns, conn)
		delete(c.conns, name)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// MarkLocal records a resource the local user already rendered, so its echo
// from the hub is dropped once.
func (c *Client) MarkLocal(resource realtime.Resource) {
	c.local.DeleteExpired()
	c.local.Set(resource.Key(), struct{}{}, ttlcache.DefaultTTL)
}

// ParseErrors counts malformed payloads seen across all connections.
func (c *Client) ParseErrors() int64 {
	return c.parseErrors.Load()
}

func (c *Client) isLocalEcho(event realtime.Event) bool {
	if c.opts.Principal != 0 && event.Actor.ID == c.opts.Principal {
		return true
	}
	key := event.Resource.Key()
	if c.local.Get(key) != nil {
		c.local.Delete(key)
		return true
	}
	return false
}

func (c *Client) release(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[conn.view.Name] == conn {
		delete(c.conns, conn.view.Name)
	}
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.Reset()
	return b
}
