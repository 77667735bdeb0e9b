package route

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(defs []RouteDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}

func TestInMemoryRepository_SaveKeepsPosition(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a", URI: "http://a"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "b", URI: "http://b"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "c", URI: "http://c"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "b", URI: "http://b2"}))

	defs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(defs))
	assert.Equal(t, "http://b2", defs[1].URI)
}

func TestInMemoryRepository_SaveEmptyID(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	err := repo.Save(ctx, RouteDefinition{URI: "http://a"})
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindInvalidArgument))

	defs, _ := repo.List(ctx)
	assert.Empty(t, defs)
}

func TestInMemoryRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a"}))
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "b"}))

	require.NoError(t, repo.Delete(ctx, "a"))
	defs, _ := repo.List(ctx)
	assert.Equal(t, []string{"b"}, ids(defs))

	err := repo.Delete(ctx, "missing")
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
	assert.Equal(t, http.StatusNotFound, gwerr.StatusOf(err))
	assert.Contains(t, err.Error(), "RouteDefinition not found: missing")

	defs, _ = repo.List(ctx)
	assert.Equal(t, []string{"b"}, ids(defs))
}

func TestInMemoryRepository_StoresCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	def := RouteDefinition{ID: "a", Filters: []FilterDefinition{ParseFilterDefinition("X=1")}}
	require.NoError(t, repo.Save(ctx, def))

	def.Filters[0].Args.Put("_genkey_0", "mutated")

	defs, _ := repo.List(ctx)
	v, _ := defs[0].Filters[0].Args.Get("_genkey_0")
	assert.Equal(t, "1", v)
}

func TestInMemoryRepository_ListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	require.NoError(t, repo.Save(ctx, RouteDefinition{
		ID:       "a",
		Filters:  []FilterDefinition{ParseFilterDefinition("X=1")},
		Metadata: map[string]any{"team": "orders"},
	}))

	first, _ := repo.List(ctx)
	first[0].Filters[0].Args.Put("_genkey_0", "mutated")
	first[0].Metadata["team"] = "payments"

	second, _ := repo.List(ctx)
	v, _ := second[0].Filters[0].Args.Get("_genkey_0")
	assert.Equal(t, "1", v)
	assert.Equal(t, "orders", second[0].Metadata["team"])
}

func TestInMemoryRepository_ListIsSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "a"}))

	snapshot, _ := repo.List(ctx)
	require.NoError(t, repo.Save(ctx, RouteDefinition{ID: "b"}))
	require.NoError(t, repo.Delete(ctx, "a"))

	assert.Equal(t, []string{"a"}, ids(snapshot))
}

func TestInMemoryRepository_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = repo.Save(ctx, RouteDefinition{ID: fmt.Sprintf("r-%d-%d", w, i)})
				_, _ = repo.List(ctx)
			}
		}(w)
	}
	wg.Wait()

	defs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 400)

	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		assert.False(t, seen[d.ID], "duplicate id %s", d.ID)
		seen[d.ID] = true
	}
}
