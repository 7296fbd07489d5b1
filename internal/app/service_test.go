package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parlor/internal/authpw"
	"parlor/internal/config"
	"parlor/internal/realtime"
	"parlor/internal/search"
	"parlor/internal/session"
	"parlor/internal/store"
)

type fakeStore struct {
	createUserFn             func(context.Context, store.User) (store.User, error)
	getUserByIDFn            func(context.Context, int64) (store.User, error)
	getUserByEmailFn         func(context.Context, string) (store.User, error)
	searchUsersByEmailFn     func(context.Context, string, int64, int) ([]store.User, error)
	startDirectChatFn        func(context.Context, int64, int64) (int64, bool, error)
	getChatFn                func(context.Context, int64) (store.Chat, error)
	isChatParticipantFn      func(context.Context, int64, int64) (bool, error)
	listChatsByParticipantFn func(context.Context, int64) ([]store.ChatSummary, error)
	insertMessageFn          func(context.Context, store.Message) (store.Message, error)
	listMessagesFn           func(context.Context, int64, int64, int) ([]store.Message, error)
	insertPostFn             func(context.Context, store.Post) (store.Post, error)
	updatePostFn             func(context.Context, int64, string, *string) (store.Post, error)
	getPostFn                func(context.Context, int64) (store.Post, error)
	listRecentPostsFn        func(context.Context, int) ([]store.Post, error)
	listPostsByAuthorFn      func(context.Context, int64, int) ([]store.Post, error)
	listPostsByIDsFn         func(context.Context, []int64) ([]store.Post, error)
	pingFn                   func(context.Context) error
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	user.ID = 1
	return user, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) SearchUsersByEmail(ctx context.Context, term string, excludeID int64, limit int) ([]store.User, error) {
	if f.searchUsersByEmailFn != nil {
		return f.searchUsersByEmailFn(ctx, term, excludeID, limit)
	}
	return nil, nil
}
func (f *fakeStore) StartDirectChat(ctx context.Context, a, b int64) (int64, bool, error) {
	if f.startDirectChatFn != nil {
		return f.startDirectChatFn(ctx, a, b)
	}
	return 0, false, errors.New("unexpected StartDirectChat")
}
func (f *fakeStore) GetChat(ctx context.Context, chatID int64) (store.Chat, error) {
	if f.getChatFn != nil {
		return f.getChatFn(ctx, chatID)
	}
	return store.Chat{}, sql.ErrNoRows
}
func (f *fakeStore) IsChatParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	if f.isChatParticipantFn != nil {
		return f.isChatParticipantFn(ctx, chatID, userID)
	}
	return false, nil
}
func (f *fakeStore) ListChatsByParticipant(ctx context.Context, userID int64) ([]store.ChatSummary, error) {
	if f.listChatsByParticipantFn != nil {
		return f.listChatsByParticipantFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, msg)
	}
	return store.Message{}, errors.New("unexpected InsertMessage")
}
func (f *fakeStore) ListMessages(ctx context.Context, chatID, afterID int64, limit int) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, chatID, afterID, limit)
	}
	return nil, nil
}
func (f *fakeStore) InsertPost(ctx context.Context, post store.Post) (store.Post, error) {
	if f.insertPostFn != nil {
		return f.insertPostFn(ctx, post)
	}
	return store.Post{}, errors.New("unexpected InsertPost")
}
func (f *fakeStore) UpdatePost(ctx context.Context, postID int64, content string, image *string) (store.Post, error) {
	if f.updatePostFn != nil {
		return f.updatePostFn(ctx, postID, content, image)
	}
	return store.Post{}, errors.New("unexpected UpdatePost")
}
func (f *fakeStore) GetPost(ctx context.Context, postID int64) (store.Post, error) {
	if f.getPostFn != nil {
		return f.getPostFn(ctx, postID)
	}
	return store.Post{}, sql.ErrNoRows
}
func (f *fakeStore) ListRecentPosts(ctx context.Context, limit int) ([]store.Post, error) {
	if f.listRecentPostsFn != nil {
		return f.listRecentPostsFn(ctx, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListPostsByAuthor(ctx context.Context, authorID int64, limit int) ([]store.Post, error) {
	if f.listPostsByAuthorFn != nil {
		return f.listPostsByAuthorFn(ctx, authorID, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListPostsByIDs(ctx context.Context, ids []int64) ([]store.Post, error) {
	if f.listPostsByIDsFn != nil {
		return f.listPostsByIDsFn(ctx, ids)
	}
	return nil, nil
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// memorySessions is an in-process session.Store.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: make(map[string]store.User)}
}

func (m *memorySessions) SaveSession(_ context.Context, jti string, user store.User, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[jti] = user
	return nil
}

func (m *memorySessions) LookupSession(_ context.Context, jti string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.sessions[jti]
	if !ok {
		return store.User{}, session.ErrNotFound
	}
	return user, nil
}

func (m *memorySessions) RevokeSession(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, jti)
	return nil
}

type publishedPost struct {
	kind  realtime.Kind
	event realtime.PostEvent
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []realtime.MessageEvent
	posts    []publishedPost
}

func (f *fakeNotifier) PublishMessage(_ context.Context, in realtime.MessageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, in)
}

func (f *fakeNotifier) PublishPost(_ context.Context, kind realtime.Kind, in realtime.PostEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, publishedPost{kind: kind, event: in})
}

type fakeIssuer struct {
	issueFn func(context.Context, int64) (realtime.Credential, error)
}

func (f *fakeIssuer) Issue(ctx context.Context, principalID int64) (realtime.Credential, error) {
	return f.issueFn(ctx, principalID)
}

type fakeSearch struct {
	ids     []int64
	total   int
	queries []search.Query
	indexed []search.PostRecord
}

func (f *fakeSearch) SearchPosts(_ context.Context, q search.Query) ([]int64, int) {
	f.queries = append(f.queries, q)
	return f.ids, f.total
}

func (f *fakeSearch) IndexPost(post search.PostRecord) {
	f.indexed = append(f.indexed, post)
}

func newTestService(t *testing.T, fs *fakeStore) (*Service, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	return &Service{
		cfg: config.Config{
			SessionSecret: "test-session-secret",
			AccessTTL:     time.Hour,
		},
		store:     fs,
		sessions:  newMemorySessions(),
		passwords: authpw.NewService(fs),
		notifier:  notifier,
		logger:    zaptest.NewLogger(t),
		now:       time.Now,
	}, notifier
}

var (
	ada = Principal{ID: 1, Email: "ada@example.com", DisplayName: "ada", Role: "user"}
	bob = store.User{ID: 2, Email: "bob@example.com", DisplayName: "bob", Role: "user"}
)

func requireDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	require.Equal(t, status, domainErr.Status, domainErr.Message)
}

func participantStore(chatID int64, members ...int64) *fakeStore {
	return &fakeStore{
		getChatFn: func(_ context.Context, id int64) (store.Chat, error) {
			if id != chatID {
				return store.Chat{}, sql.ErrNoRows
			}
			return store.Chat{ID: id}, nil
		},
		isChatParticipantFn: func(_ context.Context, _ int64, userID int64) (bool, error) {
			for _, m := range members {
				if m == userID {
					return true, nil
				}
			}
			return false, nil
		},
	}
}

func TestStartChatReusesExistingChat(t *testing.T) {
	calls := 0
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id int64) (store.User, error) {
			if id == bob.ID {
				return bob, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		startDirectChatFn: func(_ context.Context, a, b int64) (int64, bool, error) {
			calls++
			require.Equal(t, ada.ID, a)
			require.Equal(t, bob.ID, b)
			return 7, calls == 1, nil
		},
	}
	svc, _ := newTestService(t, fs)

	for i := 0; i < 2; i++ {
		payload, err := svc.StartChat(context.Background(), ada, bob.ID)
		require.NoError(t, err)
		require.Equal(t, int64(7), payload["chat_id"])
	}
	require.Equal(t, 2, calls)
}

func TestStartChatValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})

	_, err := svc.StartChat(context.Background(), ada, 0)
	requireDomainStatus(t, err, http.StatusBadRequest)

	_, err = svc.StartChat(context.Background(), ada, ada.ID)
	requireDomainStatus(t, err, http.StatusBadRequest)
	require.Contains(t, err.Error(), "yourself")

	_, err = svc.StartChat(context.Background(), ada, 404)
	requireDomainStatus(t, err, http.StatusNotFound)
}

func TestListMessagesMarksOwnMessages(t *testing.T) {
	fs := participantStore(7, ada.ID, bob.ID)
	var gotAfter int64
	fs.listMessagesFn = func(_ context.Context, chatID, afterID int64, _ int) ([]store.Message, error) {
		gotAfter = afterID
		return []store.Message{
			{ID: 11, ChatID: chatID, AuthorID: ada.ID, AuthorName: "ada", Content: "hi"},
			{ID: 12, ChatID: chatID, AuthorID: bob.ID, AuthorName: "bob", Content: "hello"},
		}, nil
	}
	svc, _ := newTestService(t, fs)

	messages, err := svc.ListMessages(context.Background(), ada, 7, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), gotAfter)
	require.Len(t, messages, 2)
	require.Equal(t, true, messages[0]["is_mine"])
	require.Equal(t, false, messages[1]["is_mine"])
}

func TestListMessagesAccess(t *testing.T) {
	svc, _ := newTestService(t, participantStore(7, bob.ID, 3))

	_, err := svc.ListMessages(context.Background(), ada, 7, 0)
	requireDomainStatus(t, err, http.StatusForbidden)

	_, err = svc.ListMessages(context.Background(), ada, 8, 0)
	requireDomainStatus(t, err, http.StatusNotFound)
}

func TestSendMessagePersistsThenPublishes(t *testing.T) {
	fs := participantStore(7, ada.ID, bob.ID)
	created := time.Date(2025, 6, 25, 8, 13, 34, 0, time.UTC)
	fs.insertMessageFn = func(_ context.Context, msg store.Message) (store.Message, error) {
		require.Equal(t, "hello there", msg.Content, "content is trimmed")
		msg.ID = 42
		msg.AuthorName = "ada"
		msg.CreatedAt = created
		return msg, nil
	}
	svc, notifier := newTestService(t, fs)

	payload, err := svc.SendMessage(context.Background(), ada, 7, "  hello there \n")
	require.NoError(t, err)
	require.Equal(t, int64(42), payload["id"])
	require.Equal(t, true, payload["is_mine"])

	require.Len(t, notifier.messages, 1)
	event := notifier.messages[0]
	require.Equal(t, int64(7), event.ChatID)
	require.Equal(t, int64(42), event.MessageID)
	require.NotNil(t, event.Author)
	require.Equal(t, ada.ID, event.Author.ID)
	require.True(t, event.CreatedAt.Equal(created))
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	fs := participantStore(7, ada.ID, bob.ID)
	svc, notifier := newTestService(t, fs)

	_, err := svc.SendMessage(context.Background(), ada, 7, "   \t\n")
	requireDomainStatus(t, err, http.StatusBadRequest)
	require.Empty(t, notifier.messages, "blank message must not be published")
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	fs := participantStore(7, bob.ID, 3)
	svc, notifier := newTestService(t, fs)

	_, err := svc.SendMessage(context.Background(), ada, 7, "let me in")
	requireDomainStatus(t, err, http.StatusForbidden)
	require.Empty(t, notifier.messages, "forbidden message must not be published")
}

func TestSendMessageSurvivesStoreFailureWithoutPublishing(t *testing.T) {
	fs := participantStore(7, ada.ID)
	fs.insertMessageFn = func(context.Context, store.Message) (store.Message, error) {
		return store.Message{}, errors.New("disk full")
	}
	svc, notifier := newTestService(t, fs)

	_, err := svc.SendMessage(context.Background(), ada, 7, "hi")
	require.Error(t, err)
	require.Empty(t, notifier.messages, "nothing persisted, nothing published")
}

func TestIssueCredential(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})

	_, err := svc.IssueCredential(context.Background(), ada)
	requireDomainStatus(t, err, http.StatusServiceUnavailable)

	svc.issuer = &fakeIssuer{issueFn: func(_ context.Context, id int64) (realtime.Credential, error) {
		require.Equal(t, ada.ID, id)
		return realtime.Credential{Token: "jwt", HubURL: "http://hub/subscribe"}, nil
	}}
	cred, err := svc.IssueCredential(context.Background(), ada)
	require.NoError(t, err)
	require.NotNil(t, cred.Topics)
	require.Empty(t, cred.Topics)
}

func TestSearchUsers(t *testing.T) {
	var gotExclude int64
	fs := &fakeStore{
		searchUsersByEmailFn: func(_ context.Context, term string, excludeID int64, _ int) ([]store.User, error) {
			gotExclude = excludeID
			return []store.User{bob}, nil
		},
	}
	svc, _ := newTestService(t, fs)

	short, err := svc.SearchUsers(context.Background(), ada, "b")
	require.NoError(t, err)
	require.NotNil(t, short)
	require.Empty(t, short)

	users, err := svc.SearchUsers(context.Background(), ada, "bo")
	require.NoError(t, err)
	require.Equal(t, ada.ID, gotExclude)
	require.Len(t, users, 1)
	require.Equal(t, bob.Email, users[0]["email"])
	require.NotContains(t, users[0], "password_hash")
}

func TestCreatePostValidation(t *testing.T) {
	svc, notifier := newTestService(t, &fakeStore{})
	long := strings.Repeat("a", 256)
	cases := []struct {
		name string
		in   PostInput
	}{
		{name: "blank", in: PostInput{Content: "   "}},
		{name: "too short", in: PostInput{Content: "hi"}},
		{name: "too long", in: PostInput{Content: strings.Repeat("x", 5001)}},
		{name: "markup", in: PostInput{Content: "<script>alert(1)</script>"}},
		{name: "braces", in: PostInput{Content: "hello {{name}}"}},
		{name: "long image", in: PostInput{Content: "nice view", Image: &long}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePost(context.Background(), ada, tc.in)
			requireDomainStatus(t, err, http.StatusBadRequest)
		})
	}
	require.Empty(t, notifier.posts, "invalid posts must not be published")
}

func TestCreatePostPublishesAndIndexes(t *testing.T) {
	created := time.Now().UTC()
	fs := &fakeStore{
		insertPostFn: func(_ context.Context, post store.Post) (store.Post, error) {
			post.ID = 5
			post.AuthorName = "ada"
			post.CreatedAt = created
			return post, nil
		},
	}
	svc, notifier := newTestService(t, fs)
	index := &fakeSearch{}
	svc.search = index

	image := "  lake.png "
	payload, err := svc.CreatePost(context.Background(), ada, PostInput{Content: " Morning swim ", Image: &image})
	require.NoError(t, err)
	require.Equal(t, "Morning swim", payload["content"])

	require.Len(t, notifier.posts, 1)
	require.Equal(t, realtime.KindCreated, notifier.posts[0].kind)
	require.Equal(t, int64(5), notifier.posts[0].event.PostID)
	require.NotNil(t, notifier.posts[0].event.Image)
	require.Equal(t, "lake.png", *notifier.posts[0].event.Image)

	require.Len(t, index.indexed, 1)
	require.Equal(t, "ada", index.indexed[0].AuthorName)
}

func TestUpdatePostPermissions(t *testing.T) {
	fs := &fakeStore{
		getPostFn: func(_ context.Context, id int64) (store.Post, error) {
			return store.Post{ID: id, AuthorID: bob.ID, AuthorName: "bob", Content: "original"}, nil
		},
		updatePostFn: func(_ context.Context, id int64, content string, image *string) (store.Post, error) {
			now := time.Now()
			return store.Post{ID: id, AuthorID: bob.ID, AuthorName: "bob", Content: content, Image: image, UpdatedAt: &now}, nil
		},
	}
	svc, notifier := newTestService(t, fs)

	_, err := svc.UpdatePost(context.Background(), ada, 3, PostInput{Content: "edited by ada"})
	requireDomainStatus(t, err, http.StatusForbidden)

	author := Principal{ID: bob.ID, Role: "user"}
	_, err = svc.UpdatePost(context.Background(), author, 3, PostInput{Content: "edited by bob"})
	require.NoError(t, err)

	admin := Principal{ID: 99, Role: "admin"}
	_, err = svc.UpdatePost(context.Background(), admin, 3, PostInput{Content: "edited by admin"})
	require.NoError(t, err)

	require.Len(t, notifier.posts, 2)
	require.Equal(t, realtime.KindUpdated, notifier.posts[0].kind)
	require.NotNil(t, notifier.posts[1].event.Author)
	require.Equal(t, bob.ID, notifier.posts[1].event.Author.ID, "update events carry the post author, not the editor")
}

func TestUpdatePostNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	_, err := svc.UpdatePost(context.Background(), ada, 3, PostInput{Content: "anything"})
	requireDomainStatus(t, err, http.StatusNotFound)
}

func TestSearchPostsKeepsRankOrder(t *testing.T) {
	var gotIDs []int64
	fs := &fakeStore{
		listPostsByIDsFn: func(_ context.Context, ids []int64) ([]store.Post, error) {
			gotIDs = ids
			posts := make([]store.Post, 0, len(ids))
			for _, id := range ids {
				posts = append(posts, store.Post{ID: id, Content: "kayak"})
			}
			return posts, nil
		},
	}
	svc, _ := newTestService(t, fs)
	svc.search = &fakeSearch{ids: []int64{9, 4}, total: 2}

	payload, err := svc.SearchPosts(context.Background(), "kayak", 10)
	require.NoError(t, err)
	require.Equal(t, []int64{9, 4}, gotIDs)
	require.Equal(t, 2, payload["total"])
}

func TestPrincipalFromTokenRequiresLiveSession(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	user := store.User{ID: 1, Email: "ada@example.com", DisplayName: "ada", Role: "user", PasswordHash: "secret"}

	sess, err := svc.issueSession(context.Background(), user)
	require.NoError(t, err)
	require.Empty(t, sess.User.PasswordHash, "session user must not carry the password hash")

	principal, err := svc.PrincipalFromToken(context.Background(), sess.Token)
	require.NoError(t, err)
	require.Equal(t, int64(1), principal.ID)
	require.NotEmpty(t, principal.JTI)

	require.NoError(t, svc.Logout(context.Background(), principal))
	_, err = svc.PrincipalFromToken(context.Background(), sess.Token)
	require.Error(t, err, "revoked session must not authenticate")
}
