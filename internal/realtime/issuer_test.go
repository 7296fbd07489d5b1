package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parlor/internal/config"
)

type fakeMembers map[int64][]int64

func (f fakeMembers) ListChatIDsByParticipant(_ context.Context, userID int64) ([]int64, error) {
	return f[userID], nil
}

type failingMembers struct{}

func (failingMembers) ListChatIDsByParticipant(context.Context, int64) ([]int64, error) {
	return nil, errors.New("db down")
}

func testHub() config.Hub {
	return config.Hub{
		SigningSecret: "test-secret",
		PublicURL:     "https://hub.example/.well-known/mercure",
		InternalURL:   "http://hub:3000/.well-known/mercure",
	}
}

func TestIssueScopesTokenToMemberships(t *testing.T) {
	issuer, err := NewIssuer(testHub(), fakeMembers{1: {9, 7}, 2: {7}})
	require.NoError(t, err)

	cred, err := issuer.Issue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []Topic{"chat/7", "chat/9"}, cred.Topics)
	require.Equal(t, "https://hub.example/.well-known/mercure/subscribe", cred.HubURL)

	claims, err := ParseCapability([]byte("test-secret"), cred.Token)
	require.NoError(t, err)
	require.Equal(t, []string{"chat/7", "chat/9"}, claims.Mercure.Subscribe)
	require.Empty(t, claims.Mercure.Publish)
	require.Equal(t, "1", claims.Subject)
	require.Nil(t, claims.ExpiresAt, "tokens are time-unscoped by default")
}

func TestIssueGrantsTopicIffParticipant(t *testing.T) {
	members := fakeMembers{1: {3, 5}, 2: {5, 8}}
	issuer, err := NewIssuer(testHub(), members)
	require.NoError(t, err)

	for principal, chats := range members {
		cred, err := issuer.Issue(context.Background(), principal)
		require.NoError(t, err)
		claims, err := ParseCapability([]byte("test-secret"), cred.Token)
		require.NoError(t, err)
		for _, chatID := range []int64{3, 5, 8} {
			member := false
			for _, c := range chats {
				member = member || c == chatID
			}
			require.Equal(t, member, claims.Allows(ChatTopic(chatID)), "principal %d chat %d", principal, chatID)
		}
	}
}

func TestIssueWithoutMembershipsYieldsEmptyTopicSet(t *testing.T) {
	issuer, err := NewIssuer(testHub(), fakeMembers{})
	require.NoError(t, err)
	cred, err := issuer.Issue(context.Background(), 42)
	require.NoError(t, err)
	require.Empty(t, cred.Topics)

	claims, err := ParseCapability([]byte("test-secret"), cred.Token)
	require.NoError(t, err)
	require.False(t, claims.Allows(ChatTopic(1)))
	require.True(t, claims.Allows(FeedTopic))
}

func TestIssueHonoursTokenTTL(t *testing.T) {
	hub := testHub()
	hub.TokenTTL = time.Hour
	issuer, err := NewIssuer(hub, fakeMembers{1: {7}})
	require.NoError(t, err)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	cred, err := issuer.Issue(context.Background(), 1)
	require.NoError(t, err)
	claims, err := ParseCapability([]byte("test-secret"), cred.Token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	require.Equal(t, fixed.Add(time.Hour), claims.ExpiresAt.Time.UTC())
}

func TestIssueSurfacesMembershipFailure(t *testing.T) {
	issuer, err := NewIssuer(testHub(), failingMembers{})
	require.NoError(t, err)
	_, err = issuer.Issue(context.Background(), 1)
	require.ErrorContains(t, err, "resolve memberships")
}

func TestParseCapabilityRejectsForeignSecret(t *testing.T) {
	issuer, err := NewIssuer(testHub(), fakeMembers{1: {7}})
	require.NoError(t, err)
	cred, err := issuer.Issue(context.Background(), 1)
	require.NoError(t, err)

	_, err = ParseCapability([]byte("other-secret"), cred.Token)
	require.ErrorIs(t, err, ErrInvalidCapability)
}

func TestPublisherTokenGrantsPublish(t *testing.T) {
	issuer, err := NewIssuer(testHub(), fakeMembers{})
	require.NoError(t, err)
	token, err := issuer.PublisherToken()
	require.NoError(t, err)
	claims, err := ParseCapability([]byte("test-secret"), token)
	require.NoError(t, err)
	require.Equal(t, []string{"*"}, claims.Mercure.Publish)
	require.Empty(t, claims.Mercure.Subscribe)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	hub := testHub()
	hub.SigningSecret = ""
	_, err := NewIssuer(hub, fakeMembers{})
	require.Error(t, err)
}
