package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/cache"
	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/testutil"
)

type nopHandler struct{}

func (*nopHandler) Handle(context.Context, event.Event) error { return nil }

func TestQueueConfig(t *testing.T) {
	cfg := &config.Config{Queue: config.QueueConfig{
		PollInterval: time.Second,
		JobTimeout:   10 * time.Second,
		LeaseTimeout: time.Minute,
		MaxAttempts:  7,
		BackoffBase:  2 * time.Second,
		BackoffMax:   time.Hour,
	}}
	assert.Equal(t, queue.Config{
		PollInterval: time.Second,
		JobTimeout:   10 * time.Second,
		LeaseTimeout: time.Minute,
		MaxAttempts:  7,
		BackoffBase:  2 * time.Second,
		BackoffMax:   time.Hour,
	}, QueueConfig(cfg))
}

func TestOptionalDependencies(t *testing.T) {
	ctx := context.Background()

	rdb, err := ConnectRedis(ctx, config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.IsType(t, &queue.LocalLimiter{}, Limiter(nil))

	nc, err := ConnectNATS(ctx, config.NATSConfig{}, "test")
	require.NoError(t, err)
	assert.Nil(t, nc)

	h := &nopHandler{}
	assert.Same(t, h, Events(h, nil, "newsfeed.events"))
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := ConnectRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	assert.IsType(t, &queue.RedisLimiter{}, Limiter(rdb))
}

func TestMembershipBackend(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	cfg := &config.Config{Fanout: config.FanoutConfig{MembershipBackend: "sql", MemberCacheTTL: time.Minute}}

	members, closeFn, err := Membership(ctx, cfg, db, nil)
	require.NoError(t, err)
	require.NoError(t, closeFn(ctx))
	_, cached := members.(*cache.MembershipCache)
	assert.False(t, cached, "no redis, no cache")

	mr := miniredis.RunT(t)
	rdb, err := ConnectRedis(ctx, config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	members, _, err = Membership(ctx, cfg, db, rdb)
	require.NoError(t, err)
	require.IsType(t, &cache.MembershipCache{}, members)

	require.NoError(t, members.AddMembers(ctx, "g1", []string{"u1", "u2"}))
	ids, next, err := members.ListGroupMembers(ctx, "g1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
	assert.Empty(t, next)

	cfg.Fanout.MemberCacheTTL = 0
	members, _, err = Membership(ctx, cfg, db, rdb)
	require.NoError(t, err)
	_, cached = members.(*cache.MembershipCache)
	assert.False(t, cached, "zero ttl disables the cache")
}
