package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"parlor/internal/realtime"
)

// Frame is one dispatched server-sent event. Comment frames carry no data and
// only prove the stream is alive.
type Frame struct {
	ID      string
	Event   string
	Data    []byte
	Retry   time.Duration
	Comment bool
}

// MaxLineSize caps a single event-stream line. Longer lines fail the stream
// with bufio.ErrTooLong.
const MaxLineSize = 1 << 20

// Decoder splits a text/event-stream body into frames. Lines end in "\n" or
// "\r\n".
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	return newDecoderSize(r, MaxLineSize)
}

func newDecoderSize(r io.Reader, limit int) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, limit)), limit)
	return &Decoder{sc: sc}
}

// Next blocks until a full frame has been read. A partial frame at end of
// input is dropped and io.EOF returned.
func (d *Decoder) Next() (Frame, error) {
	var (
		frame      Frame
		data       bytes.Buffer
		hasData    bool
		hasField   bool
		hasComment bool
	)
	for {
		if !d.sc.Scan() {
			if err := d.sc.Err(); err != nil {
				return Frame{}, fmt.Errorf("read event stream: %w", err)
			}
			return Frame{}, io.EOF
		}
		line := d.sc.Text()

		if line == "" {
			if hasData || hasField {
				frame.Data = data.Bytes()
				return frame, nil
			}
			if hasComment {
				return Frame{Comment: true}, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			hasComment = true
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			frame.Event = value
			hasField = true
		case "id":
			frame.ID = value
			hasField = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// SSETransport subscribes to the hub over a long-lived GET.
type SSETransport struct {
	Client *http.Client
}

var ErrSubscribeRejected = errors.New("hub rejected subscription")

func (t SSETransport) Subscribe(ctx context.Context, cred realtime.Credential, topics []realtime.Topic) (EventStream, error) {
	endpoint, err := url.Parse(cred.HubURL)
	if err != nil {
		return nil, fmt.Errorf("hub url: %w", err)
	}
	query := endpoint.Query()
	for _, topic := range topics {
		query.Add("topic", topic.String())
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrSubscribeRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &sseStream{body: resp.Body, decoder: NewDecoder(resp.Body)}, nil
}

type sseStream struct {
	body    io.ReadCloser
	decoder *Decoder
	once    sync.Once
	err     error
}

func (s *sseStream) Next() (Frame, error) {
	return s.decoder.Next()
}

func (s *sseStream) Close() error {
	s.once.Do(func() {
		s.err = s.body.Close()
	})
	return s.err
}
