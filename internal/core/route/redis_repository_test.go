package route

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRepository(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRepository(client, "test:routes"), mr
}

func TestRedisRepository_SaveAndList(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRedisRepository(t)

	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a", URI: "http://a"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{
		ID:      "b",
		URI:     "lb://svc",
		Filters: []FilterDefinition{ParseFilterDefinition("AddRequestHeader=X-B,1")},
	}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "c", URI: "http://c"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a", URI: "http://a2"}))

	defs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(defs))
	assert.Equal(t, "http://a2", defs[0].URI)
	require.Len(t, defs[1].Filters, 1)
	assert.Equal(t, []string{"_genkey_0", "_genkey_1"}, defs[1].Filters[0].Args.Keys())
}

func TestRedisRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRedisRepository(t)

	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "b"}))
	require.NoError(t, repo.Delete(ctx, "a"))

	order, err := mr.List("test:routes:order")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, order)

	err = repo.Delete(ctx, "a")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestRedisRepository_EmptyIDAndEmptyList(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRedisRepository(t)

	defs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)

	err = repo.Save(ctx, RouteDefinition{URI: "http://x"})
	assert.True(t, gwerr.Is(err, gwerr.KindInvalidArgument))
}

func TestRedisRepository_SkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRedisRepository(t)

	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a"}))
	mr.HSet("test:routes:defs", "broken", "{not json")
	_, err := mr.Push("test:routes:order", "broken")
	require.NoError(t, err)

	defs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(defs))
}
