package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

func newCacheRepo(t *testing.T) (*CacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheRepository(client, "asknon:", nil), mr
}

func TestCacheRoundTripWithPrefixAndTTL(t *testing.T) {
	repo, mr := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "join:ABC234", map[string]string{"session_id": "s1"}, time.Minute))
	assert.True(t, mr.Exists("asknon:join:ABC234"))

	var got map[string]string
	require.NoError(t, repo.Get(ctx, "join:ABC234", &got))
	assert.Equal(t, "s1", got["session_id"])

	mr.FastForward(2 * time.Minute)
	err := repo.Get(ctx, "join:ABC234", &got)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestCacheDelete(t *testing.T) {
	repo, mr := newCacheRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, "join:A", "s1", 0))
	require.NoError(t, repo.Set(ctx, "join:B", "s2", 0))
	require.NoError(t, repo.Set(ctx, "other", "x", 0))

	require.NoError(t, repo.Delete(ctx, "join:A"))
	assert.False(t, mr.Exists("asknon:join:A"))

	require.NoError(t, repo.DeleteByPattern(ctx, "join:*"))
	assert.False(t, mr.Exists("asknon:join:B"))
	assert.True(t, mr.Exists("asknon:other"))
}

func TestCacheWithoutClientMisses(t *testing.T) {
	repo := NewCacheRepository(nil, "", nil)
	var dest string
	assert.ErrorIs(t, repo.Get(context.Background(), "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "k", "v", time.Second))
	assert.NoError(t, repo.Delete(context.Background(), "k"))
}
