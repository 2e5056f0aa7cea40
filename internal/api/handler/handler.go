package handler

import (
	"context"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/internal/service"
)

// NewsfeedReader 读时间线
type NewsfeedReader interface {
	GetNewsfeed(ctx context.Context, userID, token string, limit int) (service.FeedPage, error)
}

// DeadLetterAdmin 死信查看与重放，由 queue.Queue 实现
type DeadLetterAdmin interface {
	DeadLetters(ctx context.Context, queue string, limit int) ([]*model.Job, error)
	Requeue(ctx context.Context, id uint64) error
}

// JobStats 任务统计
type JobStats interface {
	Stats(ctx context.Context) ([]repository.JobStat, error)
}

type Handler struct {
	relService service.RelationshipService
	feed       NewsfeedReader
	events     event.Handler
	jobs       DeadLetterAdmin
	stats      JobStats
}

func New(relService service.RelationshipService, feed NewsfeedReader, events event.Handler, jobs DeadLetterAdmin, stats JobStats) *Handler {
	return &Handler{relService: relService, feed: feed, events: events, jobs: jobs, stats: stats}
}
