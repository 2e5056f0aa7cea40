package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/cursor"
)

// FeedPage 一页时间线
type FeedPage struct {
	Entries    []*model.NewsfeedEntry `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// NewsfeedService 读 API：按 (published_at DESC, content_id DESC) keyset 翻页
type NewsfeedService struct {
	store        repository.NewsfeedRepository
	defaultLimit int
	maxLimit     int
	// 首页短 TTL 缓存，fanout 结果最终一致即可
	heads *expirable.LRU[string, FeedPage]
}

func NewNewsfeedService(store repository.NewsfeedRepository, defaultLimit, maxLimit, cacheSize int, cacheTTL time.Duration) *NewsfeedService {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	if maxLimit < defaultLimit {
		maxLimit = 100
	}
	s := &NewsfeedService{store: store, defaultLimit: defaultLimit, maxLimit: maxLimit}
	if cacheSize > 0 && cacheTTL > 0 {
		s.heads = expirable.NewLRU[string, FeedPage](cacheSize, nil, cacheTTL)
	}
	return s
}

// GetNewsfeed token 为空时从最新开始；返回的 NextCursor 为空表示没有更多
func (s *NewsfeedService) GetNewsfeed(ctx context.Context, userID, token string, limit int) (FeedPage, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	var after *repository.FeedCursor
	var fc repository.FeedCursor
	ok, err := cursor.Decode(token, &fc)
	if err != nil {
		return FeedPage{}, err
	}
	if ok {
		after = &fc
	}

	cacheKey := fmt.Sprintf("%s:%d", userID, limit)
	if after == nil && s.heads != nil {
		if p, hit := s.heads.Get(cacheKey); hit {
			return p, nil
		}
	}

	rows, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return FeedPage{}, err
	}
	page := FeedPage{Entries: rows}
	if len(rows) > limit {
		page.Entries = rows[:limit]
		last := page.Entries[limit-1]
		if page.NextCursor, err = cursor.Encode(repository.FeedCursor{PublishedAt: last.PublishedAt, ContentID: last.ContentID}); err != nil {
			return FeedPage{}, err
		}
	}
	if page.Entries == nil {
		page.Entries = []*model.NewsfeedEntry{}
	}

	if after == nil && s.heads != nil {
		s.heads.Add(cacheKey, page)
	}
	return page, nil
}
