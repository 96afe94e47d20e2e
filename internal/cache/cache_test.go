package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"gopherchat/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redisv9.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestHistoryCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	c := NewHistoryCache(client, time.Minute, time.Second)

	_, hit, err := c.GetHistory(ctx, 1)
	require.NoError(t, err)
	require.False(t, hit)

	messages := []model.Message{
		{ID: 1, CollectionID: 1, Role: model.RoleUser, Content: model.TextContent("hello"), Sequence: 0, Status: model.StatusComplete},
		{ID: 2, CollectionID: 1, Role: model.RoleModel, Content: model.MessageContent{Text: "hi", Images: []string{}}, Sequence: 1, Status: model.StatusComplete},
	}
	require.NoError(t, c.SetHistory(ctx, 1, messages))

	got, hit, err := c.GetHistory(ctx, 1)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, got, 2)
	require.Equal(t, "hi", got[1].Content.Text)
	require.Equal(t, 1, got[1].Sequence)
}

func TestHistoryCache_InvalidateMarksDirty(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewHistoryCache(client, time.Minute, 5*time.Second)

	require.NoError(t, c.SetHistory(ctx, 9, []model.Message{{ID: 1}}))
	require.NoError(t, c.Invalidate(ctx, 9))

	_, hit, err := c.GetHistory(ctx, 9)
	require.NoError(t, err)
	require.False(t, hit)

	dirty, err := c.IsDirty(ctx, 9)
	require.NoError(t, err)
	require.True(t, dirty)

	mr.FastForward(6 * time.Second)
	dirty, err = c.IsDirty(ctx, 9)
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestTurnLock_ExclusivePerCollection(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	lock := NewTurnLock(client, time.Minute)

	release, err := lock.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, 1)
	require.ErrorIs(t, err, ErrLockHeld)

	other, err := lock.Acquire(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	again, err := lock.Acquire(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestTurnLock_StaleReleaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	lock := NewTurnLock(client, time.Second)

	stale, err := lock.Acquire(ctx, 5)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := lock.Acquire(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	_, err = lock.Acquire(ctx, 5)
	require.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, current(ctx))
}
