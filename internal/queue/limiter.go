package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// GroupLimiter 为分组发放并发槽位。槽位带 TTL，持有者崩溃后自动回收。
type GroupLimiter interface {
	// Acquire 尝试以 token 占用 key 的一个槽位；已持有时续期并返回 true
	Acquire(ctx context.Context, key string, limit int, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

func slotKey(queue, group string) string {
	return "feedfanout:slots:" + queue + ":" + group
}

// LocalLimiter 进程内实现
type LocalLimiter struct {
	mu    sync.Mutex
	slots map[string]map[string]time.Time
	now   func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		slots: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

func (l *LocalLimiter) Acquire(_ context.Context, key string, limit int, token string, ttl time.Duration) (bool, error) {
	if limit <= 0 {
		limit = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	holders := l.slots[key]
	if holders == nil {
		holders = make(map[string]time.Time)
		l.slots[key] = holders
	}
	for t, exp := range holders {
		if !exp.After(now) {
			delete(holders, t)
		}
	}
	if _, ok := holders[token]; ok || len(holders) < limit {
		holders[token] = now.Add(ttl)
		return true, nil
	}
	return false, nil
}

func (l *LocalLimiter) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holders := l.slots[key]; holders != nil {
		delete(holders, token)
		if len(holders) == 0 {
			delete(l.slots, key)
		}
	}
	return nil
}

// acquireScript: KEYS[1]=slot zset, ARGV = now_ms, expire_at_ms, limit, token, ttl_ms
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) or redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  return 1
end
return 0
`)

// RedisLimiter 基于 Redis ZSET 的跨进程分组槽位，score 为到期时间（毫秒）
type RedisLimiter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisLimiter(rdb redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string, limit int, token string, ttl time.Duration) (bool, error) {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	res, err := acquireScript.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), limit, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot %s: %w", key, err)
	}
	return res == 1, nil
}

func (l *RedisLimiter) Release(ctx context.Context, key, token string) error {
	if err := l.rdb.ZRem(ctx, key, token).Err(); err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}
