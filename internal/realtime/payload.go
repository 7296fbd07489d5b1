package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

type ResourceType string

const (
	ResourceMessage ResourceType = "message"
	ResourcePost    ResourceType = "post"
)

var (
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrMissingAuthor  = errors.New("event has no author")
)

type Resource struct {
	Type ResourceType `json:"type"`
	ID   int64        `json:"id"`
}

// Key identifies the resource across events, e.g. "message:42".
func (r Resource) Key() string {
	return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10)
}

// Actor is the public face of an author. Anything placed here is visible to
// every subscriber of the topic.
type Actor struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	Avatar      *string `json:"avatar"`
}

type Event struct {
	Kind      Kind            `json:"kind"`
	Topic     Topic           `json:"topic"`
	Resource  Resource        `json:"resource"`
	Actor     Actor           `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type MessageData struct {
	ChatID    int64     `json:"chat_id"`
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type PostData struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	Image     *string    `json:"image"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Author is what callers know about the writer of a message or post.
type Author struct {
	ID          int64
	DisplayName string
	Avatar      *string
}

type MessageEvent struct {
	ChatID    int64
	MessageID int64
	Content   string
	CreatedAt time.Time
	Author    *Author
}

type PostEvent struct {
	PostID    int64
	Content   string
	Image     *string
	CreatedAt time.Time
	UpdatedAt *time.Time
	Author    *Author
}

// NewMessageEvent builds the payload announcing a chat message.
func NewMessageEvent(in MessageEvent, now time.Time) (Event, error) {
	if in.Author == nil {
		return Event{}, ErrMissingAuthor
	}
	data, err := json.Marshal(MessageData{
		ChatID:    in.ChatID,
		ID:        in.MessageID,
		Content:   in.Content,
		CreatedAt: in.CreatedAt.UTC(),
	})
	if err != nil {
		return Event{}, fmt.Errorf("marshal message data: %w", err)
	}
	return Event{
		Kind:      KindCreated,
		Topic:     ChatTopic(in.ChatID),
		Resource:  Resource{Type: ResourceMessage, ID: in.MessageID},
		Actor:     actorOf(in.Author),
		Timestamp: now.UTC(),
		Data:      data,
	}, nil
}

// NewPostEvent builds the payload announcing a created or updated post.
func NewPostEvent(kind Kind, in PostEvent, now time.Time) (Event, error) {
	if in.Author == nil {
		return Event{}, ErrMissingAuthor
	}
	if kind != KindCreated && kind != KindUpdated {
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	post := PostData{
		ID:        in.PostID,
		Content:   in.Content,
		Image:     in.Image,
		CreatedAt: in.CreatedAt.UTC(),
	}
	if in.UpdatedAt != nil {
		updated := in.UpdatedAt.UTC()
		post.UpdatedAt = &updated
	}
	data, err := json.Marshal(post)
	if err != nil {
		return Event{}, fmt.Errorf("marshal post data: %w", err)
	}
	return Event{
		Kind:      kind,
		Topic:     FeedTopic,
		Resource:  Resource{Type: ResourcePost, ID: in.PostID},
		Actor:     actorOf(in.Author),
		Timestamp: now.UTC(),
		Data:      data,
	}, nil
}

func actorOf(author *Author) Actor {
	return Actor{ID: author.ID, DisplayName: author.DisplayName, Avatar: author.Avatar}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and validates a payload received from the hub.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.Kind != KindCreated && event.Kind != KindUpdated {
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, event.Kind)
	}
	if event.Topic == "" {
		return Event{}, fmt.Errorf("%w: missing topic", ErrInvalidPayload)
	}
	if event.Resource.Type == "" || event.Resource.ID <= 0 {
		return Event{}, fmt.Errorf("%w: missing resource", ErrInvalidPayload)
	}
	return event, nil
}

// DecodeData unmarshals the resource specific part of the event.
func (e Event) DecodeData(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
