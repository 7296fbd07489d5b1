// Package realtime derives hub topics, builds event payloads, issues
// subscriber capability tokens and publishes updates to the hub.
package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic names a broadcast channel on the hub.
type Topic string

const (
	// FeedTopic is the single public topic every post event goes to.
	FeedTopic Topic = "feed"

	KindChat = "chat"
)

// ChatTopic derives the topic for a chat from its durable id.
func ChatTopic(chatID int64) Topic {
	return ResourceTopic(KindChat, chatID)
}

func ResourceTopic(kind string, id int64) Topic {
	return Topic(fmt.Sprintf("%s/%d", kind, id))
}

// ParseTopic splits a per-resource topic into its kind and id.
func ParseTopic(raw string) (kind string, id int64, ok bool) {
	kind, rawID, found := strings.Cut(raw, "/")
	if !found || kind == "" || strings.Contains(rawID, "/") {
		return "", 0, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return kind, id, true
}

// Public reports whether subscribers need no capability token for t.
func (t Topic) Public() bool {
	return t == FeedTopic
}

func (t Topic) String() string {
	return string(t)
}

// Strings converts topics to their wire form.
func Strings(topics []Topic) []string {
	out := make([]string, len(topics))
	for i, topic := range topics {
		out[i] = string(topic)
	}
	return out
}
