// Package cache 提供 fanout 热路径上的 redis 读缓存。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// MembershipCache 缓存 ListGroupMembers 的分页结果。
// 同一分组的每次发布都会从头翻一遍成员页，命中后不再访问成员服务。
// 每个分组一个 hash（field = cursor|limit），成员变更时整体删除；
// 其余读接口直接透传。redis 故障时退化为直接读底层。
type MembershipCache struct {
	repository.MembershipRepository
	rdb redis.UniversalClient
	ttl time.Duration

	pageLoads atomic.Int64
}

var _ repository.MembershipRepository = (*MembershipCache)(nil)

func NewMembershipCache(next repository.MembershipRepository, rdb redis.UniversalClient, ttl time.Duration) *MembershipCache {
	return &MembershipCache{MembershipRepository: next, rdb: rdb, ttl: ttl}
}

type memberPage struct {
	IDs  []string `json:"ids"`
	Next string   `json:"next,omitempty"`
}

func pagesKey(groupID string) string { return "members:pages:" + groupID }

func pageField(cursor string, limit int) string { return cursor + "|" + strconv.Itoa(limit) }

func (c *MembershipCache) ListGroupMembers(ctx context.Context, groupID, cursor string, limit int) ([]string, string, error) {
	key, field := pagesKey(groupID), pageField(cursor, limit)

	data, err := c.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var p memberPage
		if uErr := json.Unmarshal(data, &p); uErr == nil {
			return p.IDs, p.Next, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logger.Warn("member page cache read failed", zap.String("group_id", groupID), zap.Error(err))
	}

	c.pageLoads.Add(1)
	ids, next, err := c.MembershipRepository.ListGroupMembers(ctx, groupID, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	payload, err := json.Marshal(memberPage{IDs: ids, Next: next})
	if err != nil {
		return ids, next, nil
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, payload)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		logger.Warn("member page cache write failed", zap.String("group_id", groupID), zap.Error(err))
	}
	return ids, next, nil
}

func (c *MembershipCache) AddMembers(ctx context.Context, groupID string, userIDs []string) error {
	if err := c.MembershipRepository.AddMembers(ctx, groupID, userIDs); err != nil {
		return err
	}
	return c.Invalidate(ctx, groupID)
}

func (c *MembershipCache) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := c.MembershipRepository.RemoveMember(ctx, groupID, userID); err != nil {
		return err
	}
	return c.Invalidate(ctx, groupID)
}

// Invalidate 丢弃分组的全部缓存页
func (c *MembershipCache) Invalidate(ctx context.Context, groupID string) error {
	if err := c.rdb.Del(ctx, pagesKey(groupID)).Err(); err != nil {
		return fmt.Errorf("invalidate member pages %s: %w", groupID, err)
	}
	return nil
}

// PageLoads 回源次数
func (c *MembershipCache) PageLoads() int64 { return c.pageLoads.Load() }
