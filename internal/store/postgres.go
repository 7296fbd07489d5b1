package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrEmailTaken = errors.New("email already registered")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.Role == "" {
		user.Role = "user"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, display_name, avatar, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, strings.ToLower(user.Email), user.DisplayName, user.Avatar, user.PasswordHash, user.Role).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.Email = strings.ToLower(user.Email)
	return user, nil
}

const userColumns = `id, email, display_name, avatar, password_hash, role, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.Avatar, &user.PasswordHash, &user.Role, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(email)))
}

// SearchUsersByEmail matches a case-insensitive substring of the email.
func (s *PostgresStore) SearchUsersByEmail(ctx context.Context, term string, excludeID int64, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email ILIKE '%' || $1 || '%' ESCAPE '\'
			AND id <> $2
		ORDER BY email
		LIMIT $3
	`, escapeLike(term), excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

// PairKey identifies the direct chat between two users regardless of order.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// StartDirectChat returns the chat between a and b, creating it if needed.
// Concurrent callers converge on one row through the unique pair key.
func (s *PostgresStore) StartDirectChat(ctx context.Context, a, b int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin start chat tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		chatID  int64
		created bool
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chats (pair_key)
		VALUES ($1)
		ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
		RETURNING id, (xmax = 0) AS created
	`, PairKey(a, b)).Scan(&chatID, &created)
	if err != nil {
		return 0, false, fmt.Errorf("upsert chat: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_participants (chat_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, chatID, a, b); err != nil {
		return 0, false, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit start chat: %w", err)
	}
	return chatID, created, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, `SELECT id, created_at, last_message_at FROM chats WHERE id=$1`, chatID).
		Scan(&chat.ID, &chat.CreatedAt, &chat.LastMessageAt)
	return chat, err
}

func (s *PostgresStore) IsChatParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id=$1 AND user_id=$2)
	`, chatID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListChatIDsByParticipant(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM chat_participants WHERE user_id=$1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListChatsByParticipant returns the user's chats, most recently active first.
func (s *PostgresStore) ListChatsByParticipant(ctx context.Context, userID int64) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.last_message_at,
			u.id, u.email, u.display_name, u.avatar,
			(SELECT m.content FROM messages m WHERE m.chat_id = c.id ORDER BY m.id DESC LIMIT 1)
		FROM chat_participants me
		JOIN chats c ON c.id = me.chat_id
		JOIN chat_participants other ON other.chat_id = c.id AND other.user_id <> me.user_id
		JOIN users u ON u.id = other.user_id
		WHERE me.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]ChatSummary, 0)
	for rows.Next() {
		var item ChatSummary
		if err := rows.Scan(
			&item.ID, &item.CreatedAt, &item.LastMessageAt,
			&item.Peer.ID, &item.Peer.Email, &item.Peer.DisplayName, &item.Peer.Avatar,
			&item.LastMessage,
		); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, item)
	}
	return chats, rows.Err()
}

// InsertMessage persists a message and bumps the chat's activity timestamp in
// one transaction. A zero CreatedAt means now.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt *time.Time
	if !msg.CreatedAt.IsZero() {
		createdAt = &msg.CreatedAt
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, author_id, content, created_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))
		RETURNING id, created_at
	`, msg.ChatID, msg.AuthorID, msg.Content, createdAt).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chats
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1
	`, msg.ChatID, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("touch chat: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT display_name, avatar FROM users WHERE id=$1`, msg.AuthorID).
		Scan(&msg.AuthorName, &msg.AuthorAvatar); err != nil {
		return Message{}, fmt.Errorf("load message author: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

// ListMessages returns messages with id greater than afterID, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.author_id, u.display_name, u.avatar, m.content, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.chat_id = $1 AND m.id > $2
		ORDER BY m.id ASC
		LIMIT $3
	`, chatID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.AuthorID, &msg.AuthorName, &msg.AuthorAvatar, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

const postSelect = `
	SELECT p.id, p.author_id, u.display_name, u.avatar, p.content, p.image, p.created_at, p.updated_at
	FROM posts p
	JOIN users u ON u.id = p.author_id
`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var post Post
	err := row.Scan(&post.ID, &post.AuthorID, &post.AuthorName, &post.AuthorAvatar, &post.Content, &post.Image, &post.CreatedAt, &post.UpdatedAt)
	return post, err
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) (Post, error) {
	var createdAt *time.Time
	if !post.CreatedAt.IsZero() {
		createdAt = &post.CreatedAt
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (author_id, content, image, created_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))
		RETURNING id
	`, post.AuthorID, post.Content, post.Image, createdAt).Scan(&id)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return s.GetPost(ctx, id)
}

func (s *PostgresStore) UpdatePost(ctx context.Context, postID int64, content string, image *string) (Post, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET content=$2, image=$3, updated_at=NOW() WHERE id=$1
	`, postID, content, image)
	if err != nil {
		return Post{}, fmt.Errorf("update post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Post{}, sql.ErrNoRows
	}
	return s.GetPost(ctx, postID)
}

func (s *PostgresStore) GetPost(ctx context.Context, postID int64) (Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, postSelect+` WHERE p.id=$1`, postID))
}

func (s *PostgresStore) ListRecentPosts(ctx context.Context, limit int) ([]Post, error) {
	return s.queryPosts(ctx, postSelect+` ORDER BY p.created_at DESC, p.id DESC LIMIT $1`, clampLimit(limit))
}

func (s *PostgresStore) ListPostsByAuthor(ctx context.Context, authorID int64, limit int) ([]Post, error) {
	return s.queryPosts(ctx, postSelect+` WHERE p.author_id=$1 ORDER BY p.created_at DESC, p.id DESC LIMIT $2`, authorID, clampLimit(limit))
}

// ListPostsByIDs keeps the order of ids; unknown ids are skipped.
func (s *PostgresStore) ListPostsByIDs(ctx context.Context, ids []int64) ([]Post, error) {
	if len(ids) == 0 {
		return []Post{}, nil
	}
	args := make([]any, len(ids))
	holders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		holders[i] = "$" + strconv.Itoa(i+1)
	}
	posts, err := s.queryPosts(ctx, postSelect+` WHERE p.id IN (`+strings.Join(holders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Post, len(posts))
	for _, post := range posts {
		byID[post.ID] = post
	}
	ordered := make([]Post, 0, len(posts))
	for _, id := range ids {
		if post, ok := byID[id]; ok {
			ordered = append(ordered, post)
		}
	}
	return ordered, nil
}

func (s *PostgresStore) queryPosts(ctx context.Context, query string, args ...any) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}

func (s *PostgresStore) SaveSession(ctx context.Context, jti string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (jti, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, jti, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, jti string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name, u.avatar, u.password_hash, u.role, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.jti = $1
			AND s.revoked_at IS NULL
			AND s.expires_at > NOW()
	`, jti))
}

func (s *PostgresStore) RevokeSession(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=NOW() WHERE jti=$1`, jti)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
