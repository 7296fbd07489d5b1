package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"parlor/internal/auth"
	"parlor/internal/authpw"
	"parlor/internal/config"
	"parlor/internal/rbac"
	"parlor/internal/realtime"
	"parlor/internal/search"
	"parlor/internal/session"
	"parlor/internal/store"
)

// Principal is the authenticated user behind a request.
type Principal struct {
	ID          int64
	Email       string
	DisplayName string
	Avatar      *string
	Role        string
	JTI         string
	ExpiresAt   time.Time
}

// Session is a freshly issued access session.
type Session struct {
	Token     string
	User      store.User
	ExpiresAt time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	SearchUsersByEmail(context.Context, string, int64, int) ([]store.User, error)
	StartDirectChat(context.Context, int64, int64) (int64, bool, error)
	GetChat(context.Context, int64) (store.Chat, error)
	IsChatParticipant(context.Context, int64, int64) (bool, error)
	ListChatsByParticipant(context.Context, int64) ([]store.ChatSummary, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, int64, int64, int) ([]store.Message, error)
	InsertPost(context.Context, store.Post) (store.Post, error)
	UpdatePost(context.Context, int64, string, *string) (store.Post, error)
	GetPost(context.Context, int64) (store.Post, error)
	ListRecentPosts(context.Context, int) ([]store.Post, error)
	ListPostsByAuthor(context.Context, int64, int) ([]store.Post, error)
	ListPostsByIDs(context.Context, []int64) ([]store.Post, error)
	Ping(ctx context.Context) error
}

type credentialIssuer interface {
	Issue(ctx context.Context, principalID int64) (realtime.Credential, error)
}

type postSearcher interface {
	SearchPosts(ctx context.Context, q search.Query) ([]int64, int)
	IndexPost(post search.PostRecord)
}

// Deps are the collaborators a Service is built from. Issuer and Search are
// optional.
type Deps struct {
	Store    *store.PostgresStore
	Sessions session.Store
	Issuer   *realtime.Issuer
	Notifier realtime.Notifier
	Search   *search.Service
	Logger   *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  session.Store
	passwords *authpw.Service
	issuer    credentialIssuer
	notifier  realtime.Notifier
	search    postSearcher
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		passwords: authpw.NewService(deps.Store),
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if deps.Sessions == nil {
		svc.sessions = deps.Store
	}
	if deps.Issuer != nil {
		svc.issuer = deps.Issuer
	}
	if deps.Search != nil {
		svc.search = deps.Search
	}
	if svc.notifier == nil {
		svc.notifier = realtime.NopNotifier{}
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

const (
	maxMessageLength = 5000
	minPostLength    = 3
	maxPostLength    = 5000
	maxImageLength   = 255
	messagePageSize  = 100
	userSearchLimit  = 20
)

// Accounts and sessions

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		var verr *authpw.ValidationError
		switch {
		case errors.As(err, &verr):
			return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, nil)
		case errors.Is(err, authpw.ErrEmailTaken):
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, err
	}
	s.logger.Info("user signed up", zap.Int64("user_id", user.ID))
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		var verr *authpw.ValidationError
		if errors.As(err, &verr) {
			return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, nil)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	claims := auth.NewClaims(user.ID, user.DisplayName, user.Email, user.Role, s.cfg.AccessTTL, s.now())
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), claims)
	if err != nil {
		return Session{}, err
	}
	expiresAt := claims.ExpiresAt.Time
	if err := s.sessions.SaveSession(ctx, claims.ID, user, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	user.PasswordHash = ""
	return Session{Token: token, User: user, ExpiresAt: expiresAt}, nil
}

// PrincipalFromToken verifies a bearer token and resolves its live session.
func (s *Service) PrincipalFromToken(ctx context.Context, token string) (Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Principal{}, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, err
	}
	user, err := s.sessions.LookupSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return Principal{}, auth.ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("lookup session: %w", err)
	}
	if user.ID != userID {
		return Principal{}, auth.ErrInvalidToken
	}
	return Principal{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Avatar:      user.Avatar,
		Role:        user.Role,
		JTI:         claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, principal Principal) error {
	if principal.JTI == "" {
		return nil
	}
	return s.sessions.RevokeSession(ctx, principal.JTI)
}

// Chats and messages

// StartChat returns the two-party chat between the principal and the
// participant, creating it on first use.
func (s *Service) StartChat(ctx context.Context, principal Principal, participantID int64) (map[string]any, error) {
	if participantID <= 0 {
		return nil, validationError("participant_id is required")
	}
	if participantID == principal.ID {
		return nil, validationError("cannot start a chat with yourself")
	}
	if _, err := s.store.GetUserByID(ctx, participantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user")
		}
		return nil, err
	}

	chatID, created, err := s.store.StartDirectChat(ctx, principal.ID, participantID)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("chat created",
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", principal.ID),
			zap.Int64("participant_id", participantID),
		)
	}
	return map[string]any{"chat_id": chatID}, nil
}

func (s *Service) ListChats(ctx context.Context, principal Principal) ([]map[string]any, error) {
	chats, err := s.store.ListChatsByParticipant(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		items = append(items, map[string]any{
			"chat_id":         chat.ID,
			"peer":            formatUser(chat.Peer),
			"last_message":    chat.LastMessage,
			"last_message_at": chat.LastMessageAt,
			"topic":           realtime.ChatTopic(chat.ID),
		})
	}
	return items, nil
}

// requireParticipant loads the chat and checks the principal belongs to it.
func (s *Service) requireParticipant(ctx context.Context, principal Principal, chatID int64) error {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("chat")
		}
		return err
	}
	ok, err := s.store.IsChatParticipant(ctx, chatID, principal.ID)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden()
	}
	return nil
}

func (s *Service) ListMessages(ctx context.Context, principal Principal, chatID, afterID int64) ([]map[string]any, error) {
	if err := s.requireParticipant(ctx, principal, chatID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, chatID, afterID, messagePageSize)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		items = append(items, formatMessage(msg, principal.ID))
	}
	return items, nil
}

// SendMessage persists a message and then announces it on the chat topic.
// A failed announcement never fails the send.
func (s *Service) SendMessage(ctx context.Context, principal Principal, chatID int64, content string) (map[string]any, error) {
	if err := s.requireParticipant(ctx, principal, chatID); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, validationError("message cannot be empty")
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return nil, validationError("message cannot exceed %d characters", maxMessageLength)
	}

	msg, err := s.store.InsertMessage(ctx, store.Message{
		ChatID:   chatID,
		AuthorID: principal.ID,
		Content:  content,
	})
	if err != nil {
		return nil, err
	}

	s.notifier.PublishMessage(ctx, realtime.MessageEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		Author:    authorOf(msg.AuthorID, msg.AuthorName, msg.AuthorAvatar),
	})
	return formatMessage(msg, principal.ID), nil
}

// IssueCredential returns a fresh hub capability for the principal's chats.
func (s *Service) IssueCredential(ctx context.Context, principal Principal) (realtime.Credential, error) {
	if s.issuer == nil {
		return realtime.Credential{}, domainError(http.StatusServiceUnavailable, "HUB_UNAVAILABLE", "Real-time hub not configured", nil)
	}
	cred, err := s.issuer.Issue(ctx, principal.ID)
	if err != nil {
		return realtime.Credential{}, err
	}
	if cred.Topics == nil {
		cred.Topics = []realtime.Topic{}
	}
	return cred, nil
}

func (s *Service) SearchUsers(ctx context.Context, principal Principal, query string) ([]map[string]any, error) {
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return []map[string]any{}, nil
	}
	users, err := s.store.SearchUsersByEmail(ctx, query, principal.ID, userSearchLimit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, formatUser(user))
	}
	return items, nil
}

// Posts

type PostInput struct {
	Content string  `json:"content"`
	Image   *string `json:"image"`
}

func validatePost(in PostInput) (PostInput, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return PostInput{}, validationError("content cannot be blank")
	}
	length := utf8.RuneCountInString(content)
	if length < minPostLength || length > maxPostLength {
		return PostInput{}, validationError("content must be between %d and %d characters", minPostLength, maxPostLength)
	}
	if strings.ContainsAny(content, "<>{}") {
		return PostInput{}, validationError("content contains forbidden characters")
	}
	var image *string
	if in.Image != nil {
		trimmed := strings.TrimSpace(*in.Image)
		if len(trimmed) > maxImageLength {
			return PostInput{}, validationError("image name cannot exceed %d characters", maxImageLength)
		}
		if trimmed != "" {
			image = &trimmed
		}
	}
	return PostInput{Content: content, Image: image}, nil
}

func (s *Service) CreatePost(ctx context.Context, principal Principal, in PostInput) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(principal.Role), rbac.ActionPost) {
		return nil, forbidden()
	}
	valid, err := validatePost(in)
	if err != nil {
		return nil, err
	}
	post, err := s.store.InsertPost(ctx, store.Post{
		AuthorID: principal.ID,
		Content:  valid.Content,
		Image:    valid.Image,
	})
	if err != nil {
		return nil, err
	}
	s.announcePost(ctx, realtime.KindCreated, post)
	return formatPost(post), nil
}

func (s *Service) UpdatePost(ctx context.Context, principal Principal, postID int64, in PostInput) (map[string]any, error) {
	existing, err := s.store.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("post")
		}
		return nil, err
	}
	if !rbac.CanEditPost(rbac.Normalize(principal.Role), principal.ID, existing.AuthorID) {
		return nil, forbidden()
	}
	valid, err := validatePost(in)
	if err != nil {
		return nil, err
	}
	post, err := s.store.UpdatePost(ctx, postID, valid.Content, valid.Image)
	if err != nil {
		return nil, err
	}
	s.announcePost(ctx, realtime.KindUpdated, post)
	return formatPost(post), nil
}

func (s *Service) announcePost(ctx context.Context, kind realtime.Kind, post store.Post) {
	s.notifier.PublishPost(ctx, kind, realtime.PostEvent{
		PostID:    post.ID,
		Content:   post.Content,
		Image:     post.Image,
		CreatedAt: post.CreatedAt,
		UpdatedAt: post.UpdatedAt,
		Author:    authorOf(post.AuthorID, post.AuthorName, post.AuthorAvatar),
	})
	if s.search != nil {
		s.search.IndexPost(search.PostRecord{
			ID:         post.ID,
			Content:    post.Content,
			AuthorID:   post.AuthorID,
			AuthorName: post.AuthorName,
			CreatedAt:  post.CreatedAt.Unix(),
		})
	}
}

func (s *Service) RecentPosts(ctx context.Context, limit int) ([]map[string]any, error) {
	posts, err := s.store.ListRecentPosts(ctx, limit)
	if err != nil {
		return nil, err
	}
	return formatPosts(posts), nil
}

func (s *Service) PostsByAuthor(ctx context.Context, authorID int64, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetUserByID(ctx, authorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user")
		}
		return nil, err
	}
	posts, err := s.store.ListPostsByAuthor(ctx, authorID, limit)
	if err != nil {
		return nil, err
	}
	return formatPosts(posts), nil
}

func (s *Service) SearchPosts(ctx context.Context, query string, limit int) (map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" || s.search == nil {
		return map[string]any{"results": []map[string]any{}, "total": 0, "query": query}, nil
	}
	ids, total := s.search.SearchPosts(ctx, search.Query{Text: query, Limit: limit})
	posts, err := s.store.ListPostsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": formatPosts(posts), "total": total, "query": query}, nil
}

func authorOf(id int64, name string, avatar *string) *realtime.Author {
	if id == 0 {
		return nil
	}
	return &realtime.Author{ID: id, DisplayName: name, Avatar: avatar}
}

func formatUser(user store.User) map[string]any {
	return map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"avatar":       user.Avatar,
	}
}

func formatMessage(msg store.Message, principalID int64) map[string]any {
	return map[string]any{
		"id":         msg.ID,
		"chat_id":    msg.ChatID,
		"content":    msg.Content,
		"created_at": msg.CreatedAt,
		"author": map[string]any{
			"id":           msg.AuthorID,
			"display_name": msg.AuthorName,
			"avatar":       msg.AuthorAvatar,
		},
		"is_mine": msg.AuthorID == principalID,
	}
}

func formatPost(post store.Post) map[string]any {
	return map[string]any{
		"id":         post.ID,
		"content":    post.Content,
		"image":      post.Image,
		"created_at": post.CreatedAt,
		"updated_at": post.UpdatedAt,
		"author": map[string]any{
			"id":           post.AuthorID,
			"display_name": post.AuthorName,
			"avatar":       post.AuthorAvatar,
		},
	}
}

func formatPosts(posts []store.Post) []map[string]any {
	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		items = append(items, formatPost(post))
	}
	return items
}
