package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"parlor/internal/realtime"
)

// chatPageSize matches the page size of the messages listing.
const chatPageSize = 100

type author struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	Avatar      *string `json:"avatar"`
}

type chatMessage struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Author    author    `json:"author"`
}

type feedPost struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Image     *string   `json:"image"`
	CreatedAt time.Time `json:"created_at"`
	Author    author    `json:"author"`
}

// poller turns the REST listings into events, remembering the newest id
// seen per topic so each item is emitted once. Unless catchUp is set, the
// first poll of a topic only records where it currently ends.
type poller struct {
	api     *apiClient
	catchUp bool

	mu     sync.Mutex
	seen   map[realtime.Topic]int64
	primed map[realtime.Topic]bool
}

func newPoller(api *apiClient, catchUp bool) *poller {
	return &poller{
		api:     api,
		catchUp: catchUp,
		seen:    make(map[realtime.Topic]int64),
		primed:  make(map[realtime.Topic]bool),
	}
}

// fetch polls every topic. Cursors only move when all topics succeed, so a
// failed poll is retried from the same place.
func (p *poller) fetch(ctx context.Context, topics []realtime.Topic) ([]realtime.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursors := make(map[realtime.Topic]int64, len(topics))
	var events []realtime.Event
	for _, topic := range topics {
		var (
			batch  []realtime.Event
			cursor = p.seen[topic]
			err    error
		)
		if !p.catchUp && !p.primed[topic] {
			cursor, err = p.newest(ctx, topic)
		} else {
			batch, cursor, err = p.since(ctx, topic, cursor)
		}
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", topic, err)
		}
		cursors[topic] = cursor
		events = append(events, batch...)
	}

	for topic, cursor := range cursors {
		p.seen[topic] = cursor
		p.primed[topic] = true
	}
	return events, nil
}

func (p *poller) since(ctx context.Context, topic realtime.Topic, cursor int64) ([]realtime.Event, int64, error) {
	if topic == realtime.FeedTopic {
		return p.fetchFeed(ctx, cursor)
	}
	if kind, id, ok := realtime.ParseTopic(string(topic)); ok && kind == "chat" {
		return p.fetchChat(ctx, id, cursor)
	}
	return nil, cursor, nil
}

// newest returns the id of the latest item on topic without emitting it.
func (p *poller) newest(ctx context.Context, topic realtime.Topic) (int64, error) {
	if topic == realtime.FeedTopic {
		posts, err := p.feed(ctx)
		if err != nil {
			return 0, err
		}
		var last int64
		for _, post := range posts {
			last = max(last, post.ID)
		}
		return last, nil
	}
	kind, chatID, ok := realtime.ParseTopic(string(topic))
	if !ok || kind != "chat" {
		return 0, nil
	}
	var last int64
	for {
		page, err := p.chatPage(ctx, chatID, last)
		if err != nil {
			return 0, err
		}
		for _, msg := range page {
			last = max(last, msg.ID)
		}
		if len(page) < chatPageSize {
			return last, nil
		}
	}
}

func (p *poller) chatPage(ctx context.Context, chatID, after int64) ([]chatMessage, error) {
	var messages []chatMessage
	query := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if err := p.api.get(ctx, "/api/chat/"+strconv.FormatInt(chatID, 10)+"/messages", query, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *poller) feed(ctx context.Context) ([]feedPost, error) {
	var posts []feedPost
	if err := p.api.get(ctx, "/api/posts", nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (p *poller) fetchChat(ctx context.Context, chatID, cursor int64) ([]realtime.Event, int64, error) {
	messages, err := p.chatPage(ctx, chatID, cursor)
	if err != nil {
		return nil, cursor, err
	}
	events := make([]realtime.Event, 0, len(messages))
	for _, msg := range messages {
		event, err := realtime.NewMessageEvent(realtime.MessageEvent{
			ChatID:    chatID,
			MessageID: msg.ID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Author:    &realtime.Author{ID: msg.Author.ID, DisplayName: msg.Author.DisplayName, Avatar: msg.Author.Avatar},
		}, msg.CreatedAt)
		if err != nil {
			return nil, cursor, err
		}
		events = append(events, event)
		cursor = max(cursor, msg.ID)
	}
	return events, cursor, nil
}

func (p *poller) fetchFeed(ctx context.Context, cursor int64) ([]realtime.Event, int64, error) {
	posts, err := p.feed(ctx)
	if err != nil {
		return nil, cursor, err
	}
	last := cursor
	var events []realtime.Event
	// Newest first from the API; replay oldest first.
	for i := len(posts) - 1; i >= 0; i-- {
		post := posts[i]
		if post.ID <= cursor {
			continue
		}
		event, err := realtime.NewPostEvent(realtime.KindCreated, realtime.PostEvent{
			PostID:    post.ID,
			Content:   post.Content,
			Image:     post.Image,
			CreatedAt: post.CreatedAt,
			Author:    &realtime.Author{ID: post.Author.ID, DisplayName: post.Author.DisplayName, Avatar: post.Author.Avatar},
		}, post.CreatedAt)
		if err != nil {
			return nil, cursor, err
		}
		events = append(events, event)
		last = max(last, post.ID)
	}
	return events, last, nil
}
