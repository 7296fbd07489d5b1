// Command parlor-seed loads demo users, chats, messages and posts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"parlor/internal/authpw"
	"parlor/internal/config"
	"parlor/internal/logging"
	"parlor/internal/search"
	"parlor/internal/store"
)

var players = []string{
	"alex.martin@example.com",
	"sam.nguyen@example.com",
	"jo.richter@example.com",
	"kim.osei@example.com",
}

type seedMessage struct {
	author  int
	content string
}

type seedChat struct {
	a, b     int
	messages []seedMessage
}

var chats = []seedChat{
	{a: 0, b: 1, messages: []seedMessage{
		{0, "Hi! Fancy a game of tennis tomorrow?"},
		{1, "Hi! Sure, what time?"},
		{0, "Around 2pm at the central club?"},
		{1, "Perfect, see you tomorrow"},
	}},
	{a: 0, b: 2, messages: []seedMessage{
		{2, "Hey, I saw your post about the tournament"},
		{0, "Great! Do you want to join?"},
		{2, "Absolutely. How do I sign up?"},
	}},
	{a: 1, b: 3, messages: []seedMessage{
		{1, "Looking for a doubles partner?"},
		{3, "Yes! How long have you been playing?"},
		{1, "Intermediate level, does that work for you?"},
		{3, "Works for me. Match this weekend?"},
		{1, "Saturday morning it is"},
	}},
}

var posts = []struct {
	author  int
	content string
}{
	{0, "Looking for a hitting partner on weekday evenings, intermediate level."},
	{1, "Club tournament sign-ups close Friday. Who is in?"},
	{2, "New strings on my racket and the difference is huge."},
	{3, "Anyone up for doubles at the central club this Saturday?"},
	{0, "Clay court season starts next month, finally."},
	{2, "Tip of the day: split step before every return."},
}

func main() {
	defaults, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var (
		databaseURL   = pflag.String("database-url", defaults.DatabaseURL, "Postgres connection string")
		migrationsDir = pflag.String("migrations", defaults.MigrationsDir, "migrations directory")
		reset         = pflag.Bool("reset", false, "roll back and reapply all migrations first")
		password      = pflag.String("password", "password123", "password for every seeded user")
		meiliURL      = pflag.String("meili-url", defaults.MeiliURL, "Meilisearch URL to index seeded posts into (optional)")
		meiliKey      = pflag.String("meili-key", defaults.MeiliMasterKey, "Meilisearch API key")
	)
	pflag.Parse()

	logger, err := logging.New(config.Log{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	db, err := store.Open(ctx, *databaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if *reset {
		if err := store.RollbackMigrations(ctx, db, *migrationsDir); err != nil {
			logger.Fatal("rollback failed", zap.Error(err))
		}
	}
	if _, err := store.ApplyMigrations(ctx, db, *migrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	data := store.NewPostgresStore(db)
	if err := seed(ctx, data, authpw.NewService(data), *password, time.Now(), logger); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}

	if *meiliURL != "" {
		meili := search.NewMeili(*meiliURL, *meiliKey, logging.Component(logger, "meilisearch"))
		svc := search.NewService(meili, search.NewPgFTS(db), logger)
		svc.ReindexAllFromPG(ctx)
		svc.Close()
	}
}

func seed(ctx context.Context, data *store.PostgresStore, accounts *authpw.Service, password string, now time.Time, logger *zap.Logger) error {
	users := make([]store.User, 0, len(players))
	for _, email := range players {
		user, err := accounts.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password})
		if errors.Is(err, authpw.ErrEmailTaken) {
			user, err = data.GetUserByEmail(ctx, email)
		}
		if err != nil {
			return fmt.Errorf("user %s: %w", email, err)
		}
		users = append(users, user)
	}
	logger.Info("users ready", zap.Int("count", len(users)))

	for _, chat := range chats {
		chatID, created, err := data.StartDirectChat(ctx, users[chat.a].ID, users[chat.b].ID)
		if err != nil {
			return fmt.Errorf("start chat: %w", err)
		}
		if !created {
			continue
		}
		// Messages five minutes apart, starting two hours ago.
		base := now.Add(-2 * time.Hour)
		for i, msg := range chat.messages {
			if _, err := data.InsertMessage(ctx, store.Message{
				ChatID:    chatID,
				AuthorID:  users[msg.author].ID,
				Content:   msg.content,
				CreatedAt: base.Add(time.Duration(i*5) * time.Minute),
			}); err != nil {
				return fmt.Errorf("chat %d message %d: %w", chatID, i, err)
			}
		}
		logger.Info("chat seeded", zap.Int64("chat_id", chatID), zap.Int("messages", len(chat.messages)))
	}

	existing, err := data.ListRecentPosts(ctx, 1)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		logger.Info("posts already present, skipping")
		return nil
	}
	for _, post := range posts {
		if _, err := data.InsertPost(ctx, store.Post{AuthorID: users[post.author].ID, Content: post.content}); err != nil {
			return fmt.Errorf("post: %w", err)
		}
	}
	logger.Info("posts seeded", zap.Int("count", len(posts)))
	return nil
}
