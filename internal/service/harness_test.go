package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/internal/testutil"
)

type harness struct {
	db         *gorm.DB
	content    repository.ContentRepository
	members    repository.MembershipRepository
	follows    repository.FollowRepository
	feed       repository.NewsfeedRepository
	jobs       repository.JobRepository
	q          *queue.Queue
	dispatcher *Dispatcher
	publisher  *PublishWorker
	scheduler  *PublishScheduler
	relations  RelationshipService
	routes     queue.Routes
}

type harnessOptions struct {
	pageSize    int
	maxAttempts int
	feed        func(repository.NewsfeedRepository) repository.NewsfeedRepository
	content     func(repository.ContentRepository) ContentService
	events      func(event.Handler) event.Handler
	// members 包装 worker 读到的成员服务；h.members 始终是底层存储
	members func(repository.MembershipRepository) repository.MembershipRepository
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.pageSize == 0 {
		opts.pageSize = 2
	}
	db := testutil.NewDB(t)
	h := &harness{
		db:      db,
		content: repository.NewContentRepository(db),
		members: repository.NewMembershipRepository(db),
		follows: repository.NewFollowRepository(db),
		feed:    repository.NewNewsfeedRepository(db),
		jobs:    repository.NewJobRepository(db),
	}
	h.q = queue.New(h.jobs, nil, queue.Config{
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  opts.maxAttempts,
		BackoffBase:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
	})

	var content ContentService = h.content
	if opts.content != nil {
		content = opts.content(h.content)
	}
	feed := h.feed
	if opts.feed != nil {
		feed = opts.feed(h.feed)
	}
	var members repository.MembershipRepository = h.members
	if opts.members != nil {
		members = opts.members(h.members)
	}

	h.dispatcher = NewDispatcher(h.content, h.q)
	var events event.Handler = h.dispatcher
	if opts.events != nil {
		events = opts.events(h.dispatcher)
	}

	audience := NewAudienceResolver(members, h.follows, opts.pageSize)
	h.publisher = NewPublishWorker(content, events)
	h.scheduler = NewPublishScheduler(h.content, h.q, time.Hour, opts.pageSize)
	h.relations = NewRelationshipService(h.follows, h.dispatcher)
	h.routes = Workers{
		Fanout:     NewFanoutWorker(content, audience, feed, h.q),
		FollowSync: NewFollowSyncWorker(content, members, h.follows, feed, h.q, opts.pageSize),
		Refresh:    NewRefreshWorker(content, feed),
		Publish:    h.publisher,
	}.Routes(4, 1)
	return h
}

// drain 执行到没有未完成任务为止（包括退避中的重试）
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		if _, err := h.q.Drain(ctx, h.routes); err != nil {
			return false
		}
		var open int64
		if err := h.db.Model(&model.Job{}).
			Where("status IN ?", []model.JobStatus{model.JobStatusPending, model.JobStatusRunning}).
			Count(&open).Error; err != nil {
			return false
		}
		return open == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) addMembers(t *testing.T, groupID string, userIDs ...string) {
	t.Helper()
	require.NoError(t, h.members.AddMembers(context.Background(), groupID, userIDs))
}

func (h *harness) follow(t *testing.T, groupID string, userIDs ...string) {
	t.Helper()
	for _, u := range userIDs {
		_, err := h.follows.Follow(context.Background(), u, groupID)
		require.NoError(t, err)
	}
}

func (h *harness) publish(t *testing.T, groups ...string) *model.Content {
	t.Helper()
	c := &model.Content{
		AuthorID: "author",
		Type:     model.ContentTypePost,
		State:    model.ContentStatePublished,
		GroupIDs: groups,
	}
	require.NoError(t, h.content.Create(context.Background(), c))
	require.NoError(t, h.dispatcher.Handle(context.Background(), event.Published(c.ID, nil)))
	return c
}

func (h *harness) audienceOf(t *testing.T, contentID string) []string {
	t.Helper()
	ids, err := h.feed.ListUsersByContent(context.Background(), contentID)
	require.NoError(t, err)
	return ids
}

func (h *harness) jobsIn(t *testing.T, name string) []model.Job {
	t.Helper()
	var jobs []model.Job
	require.NoError(t, h.db.Where("queue = ?", name).Order("id").Find(&jobs).Error)
	return jobs
}

func users(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i+1)
	}
	return out
}

