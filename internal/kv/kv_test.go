package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Put(ctx, "k", "v", PutOptions{}))
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Put(ctx, "k", "v", PutOptions{ExpirationTTL: time.Millisecond}))
	time.Sleep(5 * time.Millisecond)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestListAll_FollowsCursorsToCompletion(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("proofs:%03d", i), "v", PutOptions{}))
	}

	keys, err := ListAll(ctx, s, "proofs:", 10)
	require.NoError(t, err)
	require.Len(t, keys, 25)
}

func TestDeleteKeys_Parallel(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var keys []string
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("proofs:%d", i)
		keys = append(keys, k)
		require.NoError(t, s.Put(ctx, k, "v", PutOptions{}))
	}

	require.NoError(t, DeleteKeys(ctx, s, keys))

	remaining, err := ListAll(ctx, s, "proofs:", 100)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestList_PrefixFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Put(ctx, "metrics:2026-07-30:1", "a", PutOptions{}))
	require.NoError(t, s.Put(ctx, "token_error:2026-07-30:1", "b", PutOptions{}))

	keys, err := ListAll(ctx, s, "metrics:", 100)
	require.NoError(t, err)
	require.Equal(t, []string{"metrics:2026-07-30:1"}, keys)
}
