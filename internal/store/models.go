package store

import "time"

type User struct {
	ID           int64
	Email        string
	DisplayName  string
	Avatar       *string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Chat struct {
	ID            int64
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

// ChatSummary is a chat as seen by one participant: the other side and the
// latest message, if any.
type ChatSummary struct {
	Chat
	Peer        User
	LastMessage *string
}

type Message struct {
	ID           int64
	ChatID       int64
	AuthorID     int64
	AuthorName   string
	AuthorAvatar *string
	Content      string
	// CreatedAt is set by the database unless a caller supplies one (fixtures).
	CreatedAt time.Time
}

type Post struct {
	ID           int64
	AuthorID     int64
	AuthorName   string
	AuthorAvatar *string
	Content      string
	Image        *string
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}
