package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"parlor/internal/config"
)

// Update is a single publish request as the hub sees it.
type Update struct {
	Topic   Topic
	Data    []byte
	Private bool
}

// Notifier announces persisted writes. Implementations never report
// failures to the caller: the write has already happened.
type Notifier interface {
	PublishMessage(ctx context.Context, in MessageEvent)
	PublishPost(ctx context.Context, kind Kind, in PostEvent)
}

// NopNotifier is used when no hub is configured.
type NopNotifier struct{}

func (NopNotifier) PublishMessage(context.Context, MessageEvent) {}
func (NopNotifier) PublishPost(context.Context, Kind, PostEvent) {}

type publisherTokenSource interface {
	PublisherToken() (string, error)
}

var ErrPublishRejected = errors.New("hub rejected publish")

type Publisher struct {
	endpoint string
	tokens   publisherTokenSource
	client   *http.Client
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewPublisher(cfg config.Hub, tokens publisherTokenSource, client *http.Client, logger *zap.Logger) (*Publisher, error) {
	endpoint, err := url.JoinPath(cfg.InternalURL, "publish")
	if err != nil {
		return nil, fmt.Errorf("hub internal url: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		endpoint: endpoint,
		tokens:   tokens,
		client:   client,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// PublishMessage sends a new chat message to the chat's private topic.
func (p *Publisher) PublishMessage(ctx context.Context, in MessageEvent) {
	event, err := NewMessageEvent(in, p.now())
	if err != nil {
		p.logger.Warn("skipping message publish",
			zap.Int64("chat_id", in.ChatID),
			zap.Int64("message_id", in.MessageID),
			zap.Error(err))
		return
	}
	p.send(ctx, event)
}

// PublishPost sends a created or updated post to the public feed topic.
func (p *Publisher) PublishPost(ctx context.Context, kind Kind, in PostEvent) {
	event, err := NewPostEvent(kind, in, p.now())
	if err != nil {
		p.logger.Warn("skipping post publish",
			zap.Int64("post_id", in.PostID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	p.send(ctx, event)
}

func (p *Publisher) send(ctx context.Context, event Event) {
	data, err := event.Encode()
	if err != nil {
		p.logger.Error("encode event", zap.String("topic", event.Topic.String()), zap.Error(err))
		return
	}

	// The request may finish before the hub answers; only the timeout bounds the call.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	started := time.Now()
	err = p.Publish(publishCtx, Update{Topic: event.Topic, Data: data, Private: !event.Topic.Public()})
	if err != nil {
		p.logger.Warn("hub publish failed",
			zap.String("topic", event.Topic.String()),
			zap.String("resource", event.Resource.Key()),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return
	}
	p.logger.Debug("hub publish ok",
		zap.String("topic", event.Topic.String()),
		zap.String("resource", event.Resource.Key()),
		zap.String("kind", string(event.Kind)))
}

// Publish posts one update to the hub and reports the outcome.
func (p *Publisher) Publish(ctx context.Context, update Update) error {
	token, err := p.tokens.PublisherToken()
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("topic", update.Topic.String())
	form.Set("data", string(update.Data))
	if update.Private {
		form.Set("private", "on")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish to hub: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrPublishRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
