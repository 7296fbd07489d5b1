package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parlor/internal/realtime"
)

// FetchFunc returns the events that appeared since the previous call. The
// function owns its own cursor.
type FetchFunc func(ctx context.Context, topics []realtime.Topic) ([]realtime.Event, error)

// PollTransport is the non-real-time variant: it asks Fetch for new events on
// a fixed interval and replays them as frames. The credential is unused.
type PollTransport struct {
	Fetch    FetchFunc
	Interval time.Duration
}

var errPollClosed = errors.New("poll stream closed")

func (t PollTransport) Subscribe(ctx context.Context, _ realtime.Credential, topics []realtime.Topic) (EventStream, error) {
	if t.Fetch == nil {
		return nil, errors.New("poll transport has no fetch function")
	}
	interval := t.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	pollCtx, cancel := context.WithCancel(ctx)
	return &pollStream{
		ctx:      pollCtx,
		cancel:   cancel,
		fetch:    t.Fetch,
		interval: interval,
		topics:   topics,
	}, nil
}

type pollStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	fetch    FetchFunc
	interval time.Duration
	topics   []realtime.Topic
	pending  []Frame
	polled   bool
}

func (s *pollStream) Next() (Frame, error) {
	for len(s.pending) == 0 {
		if s.polled {
			timer := time.NewTimer(s.interval)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return Frame{}, errPollClosed
			case <-timer.C:
			}
		}
		s.polled = true

		events, err := s.fetch(s.ctx, s.topics)
		if err != nil {
			if s.ctx.Err() != nil {
				return Frame{}, errPollClosed
			}
			return Frame{}, fmt.Errorf("poll: %w", err)
		}
		if len(events) == 0 {
			return Frame{Comment: true}, nil
		}
		for _, event := range events {
			data, err := event.Encode()
			if err != nil {
				return Frame{}, fmt.Errorf("poll encode: %w", err)
			}
			s.pending = append(s.pending, Frame{Event: "message", Data: data})
		}
	}
	frame := s.pending[0]
	s.pending = s.pending[1:]
	return frame, nil
}

func (s *pollStream) Close() error {
	s.cancel()
	return nil
}
