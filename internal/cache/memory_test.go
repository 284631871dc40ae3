package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))

	value, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)

	require.NoError(t, store.Delete(ctx, "k1"))

	_, ok, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.timeNow = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), 30*time.Second))
	require.NoError(t, store.Set(ctx, "forever", []byte("v2"), 0))

	now = now.Add(29 * time.Second)
	_, ok, _ := store.Get(ctx, "k1")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = store.Get(ctx, "k1")
	require.False(t, ok)

	_, ok, _ = store.Get(ctx, "forever")
	require.True(t, ok)
}

func TestMemoryStore_Purge(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.timeNow = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, store.Set(ctx, "long", []byte("b"), time.Hour))

	now = now.Add(time.Minute)
	require.Equal(t, 1, store.Purge())
	require.Equal(t, 1, store.Len())
}
