package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// PublishScheduler 周期扫描到期的定时内容并以内容 ID 为幂等键入队。
// 不在两次 tick 之间保存状态，多实例同时运行也不会重复发布。
type PublishScheduler struct {
	content  ContentService
	queue    queue.Enqueuer
	interval time.Duration
	pageSize int
	now      func() time.Time
}

func NewPublishScheduler(content ContentService, q queue.Enqueuer, interval time.Duration, pageSize int) *PublishScheduler {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	return &PublishScheduler{
		content:  content,
		queue:    q,
		interval: interval,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run 立即执行一次，之后每个 interval 执行；单次失败只记录日志，下次 tick 从同一查询重来
func (s *PublishScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("scheduled publish tick failed", zap.Int("enqueued", n), zap.Error(err))
		} else if n > 0 {
			logger.Info("scheduled publish jobs enqueued", zap.Int("enqueued", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick 按 ID 翻页扫描到期内容，返回本次新入队的任务数
func (s *PublishScheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	after := ""
	total := 0
	for {
		due, err := s.content.ListDueScheduled(ctx, now, after, s.pageSize)
		if err != nil {
			return total, fmt.Errorf("list due content after %q: %w", after, err)
		}
		if len(due) == 0 {
			return total, nil
		}

		msgs := make([]queue.Message, len(due))
		for i, c := range due {
			msgs[i] = queue.Message{
				Payload: ScheduledPublishJob{ContentID: c.ID, OwnerID: c.AuthorID},
				Options: queue.Options{IdempotencyKey: c.ID},
			}
		}
		n, err := s.queue.EnqueueBulk(ctx, QueuePublish, msgs)
		if err != nil {
			return total, err
		}
		total += n

		if len(due) < s.pageSize {
			return total, nil
		}
		after = due[len(due)-1].ID
	}
}
