package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"parlor/internal/store"
)

var _ Store = (*RedisStore)(nil)
var _ Store = (*store.PostgresStore)(nil)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	require.NoError(t, rs.Ping(context.Background()))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("not a url")
	require.Error(t, err)
}

func TestSaveAndLookupSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	avatar := "ada.png"
	user := store.User{ID: 42, Email: "ada@example.com", DisplayName: "ada", Avatar: &avatar, Role: "admin"}

	require.NoError(t, rs.SaveSession(ctx, "jti-1", user, time.Now().Add(time.Hour)))

	got, err := rs.LookupSession(ctx, "jti-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.ID)
	require.Equal(t, "ada", got.DisplayName)
	require.Equal(t, "admin", got.Role)
	require.NotNil(t, got.Avatar)
	require.Equal(t, avatar, *got.Avatar)
	require.Empty(t, got.PasswordHash, "password hash must never be cached")
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rs.SaveSession(ctx, "jti-short", store.User{ID: 1}, time.Now().Add(time.Second)))
	s.FastForward(2 * time.Second)

	_, err := rs.LookupSession(ctx, "jti-short")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSessionRejectsPastExpiry(t *testing.T) {
	rs, _ := setupTestRedis(t)
	err := rs.SaveSession(context.Background(), "jti-old", store.User{ID: 1}, time.Now().Add(-time.Minute))
	require.Error(t, err)
}

func TestRevokeSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rs.SaveSession(ctx, "jti-revoke", store.User{ID: 7}, time.Now().Add(time.Hour)))
	require.NoError(t, rs.RevokeSession(ctx, "jti-revoke"))

	_, err := rs.LookupSession(ctx, "jti-revoke")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, rs.RevokeSession(ctx, "never-existed"))
}

func TestSessionIsolation(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	require.NoError(t, rs.SaveSession(ctx, "jti-a", store.User{ID: 1}, expiresAt))
	require.NoError(t, rs.SaveSession(ctx, "jti-b", store.User{ID: 2}, expiresAt))
	require.NoError(t, rs.RevokeSession(ctx, "jti-a"))

	_, err := rs.LookupSession(ctx, "jti-a")
	require.Error(t, err, "revoked session should be gone")

	got, err := rs.LookupSession(ctx, "jti-b")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.ID)
}
