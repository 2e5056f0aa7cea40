package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedfanout/internal/testutil"
)

func TestFollowAssignsIncreasingSequence(t *testing.T) {
	repo := NewFollowRepository(testutil.NewDB(t))
	ctx := context.Background()

	e1, err := repo.Follow(ctx, "u1", "g1")
	require.NoError(t, err)
	e2, err := repo.Follow(ctx, "u2", "g1")
	require.NoError(t, err)
	other, err := repo.Follow(ctx, "u1", "g2")
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.SequenceNumber)
	assert.Equal(t, int64(2), e2.SequenceNumber)
	assert.Equal(t, int64(1), other.SequenceNumber, "sequence is per group")

	_, err = repo.Follow(ctx, "u1", "g1")
	assert.ErrorIs(t, err, ErrAlreadyFollowing)
}

func TestSequenceNotReusedAfterUnfollow(t *testing.T) {
	repo := NewFollowRepository(testutil.NewDB(t))
	ctx := context.Background()

	_, err := repo.Follow(ctx, "u1", "g1")
	require.NoError(t, err)
	existed, err := repo.Unfollow(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.True(t, existed)

	e, err := repo.Follow(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.SequenceNumber)

	existed, err = repo.Unfollow(ctx, "nobody", "g1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestConcurrentFollowsGetDistinctSequences(t *testing.T) {
	repo := NewFollowRepository(testutil.NewDB(t))
	ctx := context.Background()

	const n = 20
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := repo.Follow(ctx, fmt.Sprintf("u%02d", i), "g1")
			if assert.NoError(t, err) {
				seqs <- e.SequenceNumber
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

func TestListFollowersResumesFromSequence(t *testing.T) {
	repo := NewFollowRepository(testutil.NewDB(t))
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		_, err := repo.Follow(ctx, u, "g1")
		require.NoError(t, err)
	}
	_, err := repo.Unfollow(ctx, "b", "g1")
	require.NoError(t, err)

	ids, next, err := repo.ListFollowers(ctx, "g1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.Equal(t, int64(3), next)

	// 游标之后新增的关注者仍会被看到
	_, err = repo.Follow(ctx, "f", "g1")
	require.NoError(t, err)

	ids, next, err = repo.ListFollowers(ctx, "g1", next, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e", "f"}, ids)
	assert.Equal(t, int64(6), next)

	ids, same, err := repo.ListFollowers(ctx, "g1", next, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, next, same)
}

func TestFollowLookups(t *testing.T) {
	repo := NewFollowRepository(testutil.NewDB(t))
	ctx := context.Background()
	for _, p := range [][2]string{{"u1", "g1"}, {"u1", "g2"}, {"u2", "g2"}, {"u3", "g3"}} {
		_, err := repo.Follow(ctx, p[0], p[1])
		require.NoError(t, err)
	}

	ok, err := repo.IsFollowing(ctx, "u1", "g2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IsFollowing(ctx, "u2", "g1")
	require.NoError(t, err)
	assert.False(t, ok)

	followers, err := repo.FollowersOf(ctx, []string{"g1", "g2"}, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, followers)

	among, err := repo.FollowedAmong(ctx, "u1", []string{"g2", "g3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, among)

	edges, err := repo.ListFollowings(ctx, "u1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}
