package analysis

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	want := fixedResult(model.KindThemes)
	require.NoError(t, store.Set(ctx, "k1", want, time.Hour))

	got, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Items, got.Items)
	assert.Equal(t, want.SourceCount, got.SourceCount)
}

func TestSQLiteStoreOverwrite(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	first := fixedResult(model.KindThemes)
	require.NoError(t, store.Set(ctx, "k1", first, time.Hour))

	second := fixedResult(model.KindThemes)
	second.Items = []model.AnalysisItem{{Label: "refunds", Count: 7}}
	require.NoError(t, store.Set(ctx, "k1", second, time.Hour))

	got, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refunds", got.Items[0].Label)
}

func TestSQLiteStoreExpiry(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", fixedResult(model.KindThemes), -time.Second))

	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", fixedResult(model.KindThemes), time.Hour))
	require.NoError(t, store.Set(ctx, "k2", fixedResult(model.KindThemes), time.Hour))
	require.NoError(t, store.Delete(ctx, "k1"))

	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok)
}
