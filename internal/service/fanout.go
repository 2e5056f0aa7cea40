package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// FanoutWorker 消费 fanout 任务：解析一页受众，幂等写入/删除 newsfeed 条目，未完则续派下一页
type FanoutWorker struct {
	content  ContentService
	audience *AudienceResolver
	store    repository.NewsfeedRepository
	queue    queue.Enqueuer
}

func NewFanoutWorker(content ContentService, audience *AudienceResolver, store repository.NewsfeedRepository, q queue.Enqueuer) *FanoutWorker {
	return &FanoutWorker{content: content, audience: audience, store: store, queue: q}
}

// Handle 处理一个 FanoutJob。存储错误直接返回，游标不前进，重试会重放同一页。
func (w *FanoutWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	var job FanoutJob
	if err := d.Decode(&job); err != nil {
		return queue.Permanent(err)
	}

	c, err := w.content.GetContent(ctx, job.ContentID)
	if err != nil && !errors.Is(err, repository.ErrContentNotFound) {
		return err
	}

	var page AudiencePage
	switch job.Direction {
	case Attach:
		// 内容已下线或已离开该分组时本页不写
		if c == nil || c.State != model.ContentStatePublished || !slices.Contains(c.GroupIDs, job.GroupID) {
			logger.Info("skip stale attach",
				zap.String("content_id", job.ContentID),
				zap.String("group_id", job.GroupID),
				zap.Uint64("job_id", d.ID))
			return nil
		}
		page, err = w.audience.ResolveAddedAudience(ctx, job.ContentID, job.GroupID, job.Cursor)
		if err != nil {
			return err
		}
		entries := make([]*model.NewsfeedEntry, len(page.UserIDs))
		for i, u := range page.UserIDs {
			entries[i] = repository.EntryFor(u, c)
		}
		n, err := w.store.Attach(ctx, entries)
		if err != nil {
			return fmt.Errorf("attach %s: %w", job.ContentID, err)
		}
		logger.Debug("fanout attach page",
			zap.String("content_id", job.ContentID),
			zap.String("group_id", job.GroupID),
			zap.Int("users", len(page.UserIDs)),
			zap.Int64("inserted", n))

	case Detach:
		var retained []string
		if c != nil && c.State != model.ContentStateDeleted {
			// 已重新挂回该分组，交给后续的 attach
			if slices.Contains(c.GroupIDs, job.GroupID) {
				logger.Info("skip stale detach",
					zap.String("content_id", job.ContentID),
					zap.String("group_id", job.GroupID),
					zap.Uint64("job_id", d.ID))
				return nil
			}
			retained = c.GroupIDs
		}
		page, err = w.audience.ResolveRemovedAudience(ctx, job.ContentID, job.GroupID, retained, job.Cursor)
		if err != nil {
			return err
		}
		n, err := w.store.Detach(ctx, job.ContentID, page.UserIDs)
		if err != nil {
			return fmt.Errorf("detach %s: %w", job.ContentID, err)
		}
		logger.Debug("fanout detach page",
			zap.String("content_id", job.ContentID),
			zap.String("group_id", job.GroupID),
			zap.Int("users", len(page.UserIDs)),
			zap.Int64("deleted", n))

	default:
		return queue.Permanent(fmt.Errorf("unknown direction %q", job.Direction))
	}

	if page.Done {
		return nil
	}
	next := FanoutJob{ContentID: job.ContentID, GroupID: job.GroupID, Direction: job.Direction, Cursor: page.Next}
	if _, err := w.queue.Enqueue(ctx, QueueFanout, next,
		queue.Options{GroupKey: job.GroupID, IdempotencyKey: next.IdempotencyKey()}); err != nil {
		return fmt.Errorf("enqueue next fanout page: %w", err)
	}
	return nil
}

// RefreshWorker 内容编辑后重写冗余字段
type RefreshWorker struct {
	content ContentService
	store   repository.NewsfeedRepository
}

func NewRefreshWorker(content ContentService, store repository.NewsfeedRepository) *RefreshWorker {
	return &RefreshWorker{content: content, store: store}
}

func (w *RefreshWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	var job RefreshJob
	if err := d.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	c, err := w.content.GetContent(ctx, job.ContentID)
	if errors.Is(err, repository.ErrContentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	n, err := w.store.Refresh(ctx, c)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", job.ContentID, err)
	}
	logger.Debug("newsfeed entries refreshed", zap.String("content_id", job.ContentID), zap.Int64("rows", n))
	return nil
}
