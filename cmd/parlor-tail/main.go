// Command parlor-tail follows chat and feed updates from a terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"parlor/internal/config"
	"parlor/internal/logging"
	"parlor/internal/realtime"
	"parlor/internal/stream"
)

func main() {
	var (
		apiURL    = pflag.String("api", "http://localhost:8787", "parlor API base URL")
		token     = pflag.String("token", os.Getenv("PARLOR_TOKEN"), "session token (defaults to $PARLOR_TOKEN)")
		chats     = pflag.Int64Slice("chat", nil, "chat id to follow (repeatable)")
		feed      = pflag.Bool("feed", false, "follow the public post feed")
		poll      = pflag.Duration("poll", 0, "poll the API on this interval instead of streaming from the hub")
		catchUp   = pflag.Bool("catch-up", false, "with --poll, print existing messages and posts before new ones")
		reconnect = pflag.Bool("reconnect", true, "reconnect with backoff when the stream drops")
		retries   = pflag.Int("max-retries", 0, "give up after this many reconnects (0 means never)")
		logLevel  = pflag.String("log-level", "info", "log level")
	)
	pflag.Parse()

	logger, err := logging.New(config.Log{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *token == "" {
		logger.Fatal("a session token is required (--token or PARLOR_TOKEN)")
	}

	var topics []realtime.Topic
	for _, id := range *chats {
		topics = append(topics, realtime.ChatTopic(id))
	}
	if *feed {
		topics = append(topics, realtime.FeedTopic)
	}
	if len(topics) == 0 {
		logger.Fatal("nothing to follow: pass --chat and/or --feed")
	}

	api := &apiClient{base: *apiURL, token: *token, http: &http.Client{Timeout: 10 * time.Second}}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	principal, err := api.principal(ctx)
	if err != nil {
		logger.Fatal("resolve session", zap.Error(err))
	}

	var (
		transport   stream.Transport        = stream.SSETransport{Client: &http.Client{}}
		credentials stream.CredentialSource = stream.HTTPCredentials{
			Endpoint:     api.url("/api/chat/jwt"),
			SessionToken: *token,
			Client:       api.http,
		}
	)
	if *poll > 0 {
		// Polling goes through the API with the session token; no hub credential needed.
		transport = stream.PollTransport{Fetch: newPoller(api, *catchUp).fetch, Interval: *poll}
		credentials = stream.CredentialFunc(func(context.Context) (realtime.Credential, error) {
			return realtime.Credential{}, nil
		})
	}

	client, err := stream.NewClient(stream.Options{
		Principal:   principal,
		Transport:   transport,
		Credentials: credentials,
		Reconnect:   *reconnect,
		MaxRetries:  *retries,
		Logger:      logging.Component(logger, "stream"),
	})
	if err != nil {
		logger.Fatal("stream client", zap.Error(err))
	}
	defer client.CloseAll()

	conn, err := client.Open(ctx, stream.View{
		Name:    "tail",
		Topics:  topics,
		Handler: stream.HandlerFunc(printEvent),
	})
	if err != nil {
		logger.Fatal("open stream", zap.Error(err))
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			logger.Error("stream stopped", zap.Error(err))
		}
	}
	logger.Info("stopped",
		zap.Int64("delivered", conn.Delivered()),
		zap.Int64("parse_errors", conn.ParseErrors()),
	)
}

func printEvent(event realtime.Event) {
	switch event.Resource.Type {
	case realtime.ResourceMessage:
		var data realtime.MessageData
		if err := event.DecodeData(&data); err == nil {
			fmt.Printf("[%s] %s: %s\n", event.Topic, event.Actor.DisplayName, data.Content)
			return
		}
	case realtime.ResourcePost:
		var data realtime.PostData
		if err := event.DecodeData(&data); err == nil {
			fmt.Printf("[%s] %s %s post %d: %s\n", event.Topic, event.Actor.DisplayName, event.Kind, data.ID, data.Content)
			return
		}
	}
	fmt.Printf("[%s] %s %s\n", event.Topic, event.Kind, event.Resource.Key())
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (a *apiClient) url(path string) string {
	joined, err := url.JoinPath(a.base, path)
	if err != nil {
		return a.base + path
	}
	return joined
}

func (a *apiClient) get(ctx context.Context, path string, query url.Values, target any) error {
	endpoint := a.url(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func (a *apiClient) principal(ctx context.Context) (int64, error) {
	var payload struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	if err := a.get(ctx, "/api/session", nil, &payload); err != nil {
		return 0, err
	}
	if !payload.Authenticated {
		return 0, fmt.Errorf("session token is not valid")
	}
	return payload.User.ID, nil
}
