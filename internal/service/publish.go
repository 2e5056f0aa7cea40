package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// PublishWorker 执行定时发布：状态迁移成功后发出 Published 事件
type PublishWorker struct {
	content ContentService
	events  event.Handler
}

func NewPublishWorker(content ContentService, events event.Handler) *PublishWorker {
	return &PublishWorker{content: content, events: events}
}

func (w *PublishWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	var job ScheduledPublishJob
	if err := d.Decode(&job); err != nil {
		return queue.Permanent(err)
	}

	c, err := w.content.GetContent(ctx, job.ContentID)
	if errors.Is(err, repository.ErrContentNotFound) {
		logger.Info("scheduled content gone", zap.String("content_id", job.ContentID))
		return nil
	}
	if err != nil {
		return err
	}

	switch c.State {
	case model.ContentStateWaitingSchedule:
		if err := w.content.TransitionToPublished(ctx, c.ID); err != nil {
			return fmt.Errorf("publish %s: %w", c.ID, err)
		}
		logger.Info("scheduled content published", zap.String("content_id", c.ID), zap.String("owner_id", job.OwnerID))
		return w.emit(ctx, c.ID)

	case model.ContentStatePublished:
		// 上次迁移成功但事件未发出，重试时补发
		if d.Attempt > 1 {
			logger.Info("resume fanout for published content", zap.String("content_id", c.ID), zap.Int("attempt", d.Attempt))
			return w.emit(ctx, c.ID)
		}
		return nil

	default:
		logger.Info("skip scheduled publish", zap.String("content_id", c.ID), zap.String("state", string(c.State)))
		return nil
	}
}

func (w *PublishWorker) emit(ctx context.Context, contentID string) error {
	if err := w.events.Handle(ctx, event.Published(contentID, nil)); err != nil {
		return fmt.Errorf("emit published %s: %w", contentID, err)
	}
	return nil
}

// OnDeadLetter 重试耗尽后把内容标记为 SCHEDULE_FAILED
func (w *PublishWorker) OnDeadLetter(ctx context.Context, d *queue.Delivery, cause error) error {
	var job ScheduledPublishJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	if err := w.content.MarkScheduleFailed(ctx, job.ContentID); err != nil {
		return fmt.Errorf("mark schedule failed %s: %w", job.ContentID, err)
	}
	logger.Error("scheduled publish failed permanently",
		zap.String("content_id", job.ContentID),
		zap.String("owner_id", job.OwnerID),
		zap.Error(cause))
	return nil
}
