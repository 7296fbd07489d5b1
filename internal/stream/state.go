package stream

import (
	"context"

	"parlor/internal/realtime"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport opens one stream of frames for a set of topics.
type Transport interface {
	Subscribe(ctx context.Context, cred realtime.Credential, topics []realtime.Topic) (EventStream, error)
}

// EventStream yields frames in arrival order. Close must be safe to call
// concurrently with a blocked Next and more than once.
type EventStream interface {
	Next() (Frame, error)
	Close() error
}

// Handler renders an event that passed filtering. Calls for one connection
// never overlap.
type Handler interface {
	Handle(event realtime.Event)
}

type HandlerFunc func(event realtime.Event)

func (f HandlerFunc) Handle(event realtime.Event) { f(event) }
