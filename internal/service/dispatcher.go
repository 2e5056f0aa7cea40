package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// Dispatcher 把生命周期事件翻译为按分组切分的任务，只入队、不写 newsfeed
type Dispatcher struct {
	content ContentService
	queue   queue.Enqueuer
}

func NewDispatcher(content ContentService, q queue.Enqueuer) *Dispatcher {
	return &Dispatcher{content: content, queue: q}
}

var _ event.Handler = (*Dispatcher)(nil)

func (d *Dispatcher) Handle(ctx context.Context, e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	switch e.Kind {
	case event.KindPublished:
		groups := e.GroupIDs
		if groups == nil {
			var err error
			if groups, err = d.content.GetGroupIds(ctx, e.ContentID); err != nil {
				return fmt.Errorf("dispatch %s: load groups: %w", e.Kind, err)
			}
		}
		return d.enqueueFanout(ctx, e, uniq(groups), nil)

	case event.KindUpdated:
		added, removed := e.AddedGroupIDs, e.RemovedGroupIDs
		if added == nil && removed == nil {
			cur, err := d.content.GetGroupIds(ctx, e.ContentID)
			if err != nil {
				return fmt.Errorf("dispatch %s: load groups: %w", e.Kind, err)
			}
			prev, err := d.content.GetPreviousGroupSnapshot(ctx, e.ContentID)
			if err != nil {
				return fmt.Errorf("dispatch %s: load snapshot: %w", e.Kind, err)
			}
			added, removed = repository.Diff(prev, cur)
		} else {
			added, removed = netDelta(added, removed)
		}
		if err := d.enqueueFanout(ctx, e, added, removed); err != nil {
			return err
		}
		return d.enqueueRefresh(ctx, e)

	case event.KindDeleted:
		groups := e.GroupIDs
		if groups == nil {
			var err error
			if groups, err = d.content.GetGroupIds(ctx, e.ContentID); err != nil {
				return fmt.Errorf("dispatch %s: load groups: %w", e.Kind, err)
			}
		}
		return d.enqueueFanout(ctx, e, nil, uniq(groups))

	case event.KindFollowed, event.KindUnfollowed:
		dir := Attach
		if e.Kind == event.KindUnfollowed {
			dir = Detach
		}
		job := FollowSyncJob{UserID: e.UserID, GroupID: e.GroupID, Direction: dir}
		if _, err := d.queue.Enqueue(ctx, QueueFollowSync, job,
			queue.Options{GroupKey: e.GroupID, IdempotencyKey: job.IdempotencyKey()}); err != nil {
			return fmt.Errorf("dispatch %s: %w", e.Kind, err)
		}
		logger.Debug("follow sync enqueued",
			zap.String("user_id", e.UserID),
			zap.String("group_id", e.GroupID),
			zap.String("direction", string(dir)))
		return nil
	}
	return fmt.Errorf("%w: unhandled kind %q", event.ErrInvalidEvent, e.Kind)
}

func (d *Dispatcher) enqueueFanout(ctx context.Context, e event.Event, added, removed []string) error {
	msgs := make([]queue.Message, 0, len(added)+len(removed))
	for _, g := range added {
		msgs = append(msgs, fanoutMessage(FanoutJob{ContentID: e.ContentID, GroupID: g, Direction: Attach}))
	}
	for _, g := range removed {
		msgs = append(msgs, fanoutMessage(FanoutJob{ContentID: e.ContentID, GroupID: g, Direction: Detach}))
	}
	if len(msgs) == 0 {
		return nil
	}
	n, err := d.queue.EnqueueBulk(ctx, QueueFanout, msgs)
	if err != nil {
		return fmt.Errorf("dispatch %s: enqueue fanout: %w", e.Kind, err)
	}
	logger.Info("fanout dispatched",
		zap.String("kind", string(e.Kind)),
		zap.String("content_id", e.ContentID),
		zap.Strings("attach", added),
		zap.Strings("detach", removed),
		zap.Int("enqueued", n))
	return nil
}

// enqueueRefresh 幂等键带上内容版本：同一版本只刷一次，
// 新版本即使旧刷新正在执行也会再入队；同一内容的刷新按 GroupKey 串行
func (d *Dispatcher) enqueueRefresh(ctx context.Context, e event.Event) error {
	c, err := d.content.GetContent(ctx, e.ContentID)
	if errors.Is(err, repository.ErrContentNotFound) {
		logger.Debug("refresh skipped, content gone", zap.String("content_id", e.ContentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch %s: load content: %w", e.Kind, err)
	}
	job := RefreshJob{ContentID: e.ContentID}
	if _, err := d.queue.Enqueue(ctx, QueueRefresh, job,
		queue.Options{GroupKey: e.ContentID, IdempotencyKey: job.IdempotencyKey(c.UpdatedAt)}); err != nil {
		return fmt.Errorf("dispatch %s: enqueue refresh: %w", e.Kind, err)
	}
	return nil
}

func fanoutMessage(j FanoutJob) queue.Message {
	return queue.Message{
		Payload: j,
		Options: queue.Options{GroupKey: j.GroupID, IdempotencyKey: j.IdempotencyKey()},
	}
}

// netDelta 去重并抵消同时出现在两侧的分组
func netDelta(added, removed []string) ([]string, []string) {
	a, r := uniq(added), uniq(removed)
	inA := make(map[string]bool, len(a))
	for _, g := range a {
		inA[g] = true
	}
	inR := make(map[string]bool, len(r))
	for _, g := range r {
		inR[g] = true
	}
	outA := a[:0:0]
	for _, g := range a {
		if !inR[g] {
			outA = append(outA, g)
		}
	}
	outR := r[:0:0]
	for _, g := range r {
		if !inA[g] {
			outR = append(outR, g)
		}
	}
	return outA, outR
}

func uniq(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
