package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/internal/testutil"
)

type enqueued struct {
	queue string
	msg   queue.Message
}

// recordingQueue 记录入队消息，不做持久化
type recordingQueue struct {
	msgs []enqueued
	err  error
}

func (r *recordingQueue) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (bool, error) {
	n, err := r.EnqueueBulk(ctx, name, []queue.Message{{Payload: payload, Options: opts}})
	return n == 1, err
}

func (r *recordingQueue) EnqueueBulk(_ context.Context, name string, msgs []queue.Message) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for _, m := range msgs {
		r.msgs = append(r.msgs, enqueued{queue: name, msg: m})
	}
	return len(msgs), nil
}

func (r *recordingQueue) fanoutJobs() []FanoutJob {
	var out []FanoutJob
	for _, m := range r.msgs {
		if m.queue == QueueFanout {
			out = append(out, m.msg.Payload.(FanoutJob))
		}
	}
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingQueue) {
	t.Helper()
	rq := &recordingQueue{}
	return NewDispatcher(repository.NewContentRepository(testutil.NewDB(t)), rq), rq
}

func TestDispatchPublishedWithExplicitGroups(t *testing.T) {
	d, rq := newTestDispatcher(t)

	require.NoError(t, d.Handle(context.Background(), event.Published("c1", []string{"g2", "g1", "g2", ""})))

	assert.Equal(t, []FanoutJob{
		{ContentID: "c1", GroupID: "g1", Direction: Attach},
		{ContentID: "c1", GroupID: "g2", Direction: Attach},
	}, rq.fanoutJobs())
	for _, m := range rq.msgs {
		j := m.msg.Payload.(FanoutJob)
		assert.Equal(t, j.GroupID, m.msg.Options.GroupKey)
		assert.Equal(t, j.IdempotencyKey(), m.msg.Options.IdempotencyKey)
	}
}

func TestDispatchUpdatedWithExplicitDelta(t *testing.T) {
	d, rq := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.content.(repository.ContentRepository).Create(ctx, &model.Content{
		ID: "c1", AuthorID: "a", Type: model.ContentTypePost, State: model.ContentStatePublished,
	}))
	c, err := d.content.GetContent(ctx, "c1")
	require.NoError(t, err)

	// g2 同时出现在两侧时互相抵消
	require.NoError(t, d.Handle(ctx, event.Updated("c1", []string{"g3", "g2"}, []string{"g1", "g2"})))

	assert.Equal(t, []FanoutJob{
		{ContentID: "c1", GroupID: "g3", Direction: Attach},
		{ContentID: "c1", GroupID: "g1", Direction: Detach},
	}, rq.fanoutJobs())

	last := rq.msgs[len(rq.msgs)-1]
	assert.Equal(t, QueueRefresh, last.queue)
	assert.Equal(t, RefreshJob{ContentID: "c1"}, last.msg.Payload)
	assert.Equal(t, RefreshJob{ContentID: "c1"}.IdempotencyKey(c.UpdatedAt), last.msg.Options.IdempotencyKey)
	assert.Equal(t, "c1", last.msg.Options.GroupKey)
}

func TestDispatchUpdatedSkipsRefreshForMissingContent(t *testing.T) {
	d, rq := newTestDispatcher(t)

	require.NoError(t, d.Handle(context.Background(), event.Updated("gone", []string{"g1"}, nil)))
	require.Len(t, rq.msgs, 1)
	assert.Equal(t, QueueFanout, rq.msgs[0].queue)
}

func TestDispatchDeletedUsesExplicitGroups(t *testing.T) {
	d, rq := newTestDispatcher(t)
	e := event.Deleted("c1")
	e.GroupIDs = []string{"g1"}

	require.NoError(t, d.Handle(context.Background(), e))
	assert.Equal(t, []FanoutJob{{ContentID: "c1", GroupID: "g1", Direction: Detach}}, rq.fanoutJobs())
}

func TestDispatchFollowEvents(t *testing.T) {
	d, rq := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, event.Followed("u1", "g1")))
	require.NoError(t, d.Handle(ctx, event.Unfollowed("u1", "g1")))

	require.Len(t, rq.msgs, 2)
	for i, dir := range []Direction{Attach, Detach} {
		m := rq.msgs[i]
		assert.Equal(t, QueueFollowSync, m.queue)
		assert.Equal(t, FollowSyncJob{UserID: "u1", GroupID: "g1", Direction: dir}, m.msg.Payload)
		assert.Equal(t, "g1", m.msg.Options.GroupKey)
	}
}

func TestDispatchRejectsInvalidEvents(t *testing.T) {
	d, rq := newTestDispatcher(t)
	ctx := context.Background()

	for _, e := range []event.Event{
		{Kind: "content.archived", ContentID: "c1"},
		{Kind: event.KindPublished},
		{Kind: event.KindFollowed, UserID: "u1"},
	} {
		assert.ErrorIs(t, d.Handle(ctx, e), event.ErrInvalidEvent)
	}
	assert.Empty(t, rq.msgs)
}

func TestDispatchPropagatesEnqueueFailure(t *testing.T) {
	d, rq := newTestDispatcher(t)
	rq.err = errors.New("db down")

	err := d.Handle(context.Background(), event.Published("c1", []string{"g1"}))
	assert.ErrorContains(t, err, "db down")
}

func TestNetDelta(t *testing.T) {
	added, removed := netDelta([]string{"b", "a", "a"}, []string{"a", "c"})
	assert.Equal(t, []string{"b"}, added)
	assert.Equal(t, []string{"c"}, removed)

	added, removed = netDelta(nil, nil)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestFanoutJobIdempotencyKeyIncludesCursor(t *testing.T) {
	a := FanoutJob{ContentID: "c", GroupID: "g", Direction: Attach}
	b := a
	b.Cursor = "next"
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), FanoutJob{ContentID: "c", GroupID: "g", Direction: Detach}.IdempotencyKey())
}
