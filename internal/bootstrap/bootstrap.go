// Package bootstrap holds the process wiring shared by the binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/cache"
	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// dialTimeout 启动时等待依赖就绪的上限
const dialTimeout = time.Minute

func dialBackoff() retry.Backoff {
	return retry.WithMaxDuration(dialTimeout, retry.WithCappedDuration(5*time.Second, retry.NewFibonacci(500*time.Millisecond)))
}

// QueueConfig 从配置构造队列参数
func QueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.JobTimeout,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffMax:   cfg.Queue.BackoffMax,
	}
}

// ConnectRedis Addr 为空时返回 nil（单实例部署使用进程内分组限流）
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	err := retry.Do(ctx, dialBackoff(), func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not ready", zap.String("addr", cfg.Addr), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	return rdb, nil
}

// ConnectNATS URL 为空时返回 nil，此时不订阅入口事件也不对外广播
func ConnectNATS(ctx context.Context, cfg config.NATSConfig, name string) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	var nc *nats.Conn
	err := retry.Do(ctx, dialBackoff(), func(ctx context.Context) error {
		c, err := nats.Connect(cfg.URL, nats.Name(name), nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("nats not ready", zap.String("url", cfg.URL), zap.Error(err))
			return retry.RetryableError(err)
		}
		nc = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	logger.Info("connected to nats", zap.String("url", cfg.URL))
	return nc, nil
}

// Limiter 有 redis 时跨进程限流，否则进程内
func Limiter(rdb redis.UniversalClient) queue.GroupLimiter {
	if rdb == nil {
		return queue.NewLocalLimiter()
	}
	return queue.NewRedisLimiter(rdb)
}

// Events 主处理器之后追加 NATS 广播（通知、搜索等下游订阅）
func Events(primary event.Handler, nc *nats.Conn, prefix string) event.Handler {
	if nc == nil {
		return primary
	}
	return event.Chain(primary, event.NewNATSPublisher(nc, prefix))
}

// Membership 按 fanout.membership_backend 选择分组成员来源；有 redis 且
// fanout.member_cache_ttl > 0 时外层套成员分页缓存
func Membership(ctx context.Context, cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient) (repository.MembershipRepository, func(context.Context) error, error) {
	members, closeFn, err := membershipBackend(ctx, cfg, db)
	if err != nil {
		return nil, nil, err
	}
	if rdb != nil && cfg.Fanout.MemberCacheTTL > 0 {
		members = cache.NewMembershipCache(members, rdb, cfg.Fanout.MemberCacheTTL)
	}
	return members, closeFn, nil
}

func membershipBackend(ctx context.Context, cfg *config.Config, db *gorm.DB) (repository.MembershipRepository, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Fanout.MembershipBackend != "neo4j" {
		return repository.NewMembershipRepository(db), noop, nil
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.Username, cfg.Neo4j.Password, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	err = retry.Do(ctx, dialBackoff(), func(ctx context.Context) error {
		if err := driver.VerifyConnectivity(ctx); err != nil {
			logger.Warn("neo4j not ready", zap.String("uri", cfg.Neo4j.URI), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = driver.Close(ctx)
		return nil, nil, fmt.Errorf("connect neo4j %s: %w", cfg.Neo4j.URI, err)
	}

	m := repository.NewNeo4jMembership(driver)
	if err := m.EnsureSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, nil, err
	}
	logger.Info("group membership backed by neo4j", zap.String("uri", cfg.Neo4j.URI))
	return m, driver.Close, nil
}
