package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

var zazie = store.User{Username: "zazie", Groups: []string{"ICON_EDITOR"}}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	sessions, err := NewRedisStore(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })
	return sessions, s
}

func TestNewRedisStore(t *testing.T) {
	sessions, _ := setupTestRedis(t)
	assert.NoError(t, sessions.Ping(context.Background()))

	_, err := NewRedisStore(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, sessions.SaveRefreshSession(ctx, "hash", zazie, time.Now().Add(24*time.Hour)))

	user, err := sessions.LookupRefreshSession(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, zazie, user)
}

func TestLookupExpiredSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, sessions.SaveRefreshSession(ctx, "expired", zazie, time.Now().Add(time.Second)))
	s.FastForward(2 * time.Second)

	_, err := sessions.LookupRefreshSession(ctx, "expired")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSaveWithPastExpiryUsesDefaultTTL(t *testing.T) {
	sessions, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, sessions.SaveRefreshSession(ctx, "stale", zazie, time.Now().Add(-time.Hour)))
	assert.Equal(t, defaultTTL, s.TTL("iconrepo:refresh:stale"))
}

func TestRevokeRefreshSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, sessions.SaveRefreshSession(ctx, "token-1", zazie, time.Now().Add(time.Hour)))
	require.NoError(t, sessions.SaveRefreshSession(ctx, "token-2", store.User{Username: "joe"}, time.Now().Add(time.Hour)))

	require.NoError(t, sessions.RevokeRefreshSession(ctx, "token-1"))
	_, err := sessions.LookupRefreshSession(ctx, "token-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	user, err := sessions.LookupRefreshSession(ctx, "token-2")
	require.NoError(t, err)
	assert.Equal(t, "joe", user.Username)

	assert.NoError(t, sessions.RevokeRefreshSession(ctx, "non-existent"))
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*store.SessionStore)(nil)
)
