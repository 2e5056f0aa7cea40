package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/cursor"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

type followSyncCursor struct {
	After string `json:"a"`
}

// FollowSyncWorker 关注后回填分组已有内容，取关后清理不再可见的内容
type FollowSyncWorker struct {
	content  ContentService
	members  GroupMembershipService
	ledger   FollowLedger
	store    repository.NewsfeedRepository
	queue    queue.Enqueuer
	pageSize int
}

func NewFollowSyncWorker(content ContentService, members GroupMembershipService, ledger FollowLedger,
	store repository.NewsfeedRepository, q queue.Enqueuer, pageSize int) *FollowSyncWorker {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &FollowSyncWorker{content: content, members: members, ledger: ledger, store: store, queue: q, pageSize: pageSize}
}

func (w *FollowSyncWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	var job FollowSyncJob
	if err := d.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	var cur followSyncCursor
	if _, err := cursor.Decode(job.Cursor, &cur); err != nil {
		return queue.Permanent(err)
	}

	following, err := w.ledger.IsFollowing(ctx, job.UserID, job.GroupID)
	if err != nil {
		return err
	}

	switch job.Direction {
	case Attach:
		if !following {
			logger.Info("skip backfill, user no longer follows",
				zap.String("user_id", job.UserID), zap.String("group_id", job.GroupID))
			return nil
		}
	case Detach:
		if following {
			logger.Info("skip cleanup, user follows again",
				zap.String("user_id", job.UserID), zap.String("group_id", job.GroupID))
			return nil
		}
		member, err := w.members.MemberGroups(ctx, job.UserID, []string{job.GroupID})
		if err != nil {
			return err
		}
		if len(member) > 0 {
			return nil
		}
	default:
		return queue.Permanent(fmt.Errorf("unknown direction %q", job.Direction))
	}

	contents, err := w.content.ListGroupContent(ctx, job.GroupID, cur.After, w.pageSize)
	if err != nil {
		return fmt.Errorf("list content of group %s: %w", job.GroupID, err)
	}

	if job.Direction == Attach {
		if err := w.backfill(ctx, job, contents); err != nil {
			return err
		}
	} else {
		if err := w.cleanup(ctx, job, contents); err != nil {
			return err
		}
	}

	if len(contents) < w.pageSize {
		return nil
	}
	tok, err := cursor.Encode(followSyncCursor{After: contents[len(contents)-1].ID})
	if err != nil {
		return err
	}
	next := FollowSyncJob{UserID: job.UserID, GroupID: job.GroupID, Direction: job.Direction, Cursor: tok}
	if _, err := w.queue.Enqueue(ctx, QueueFollowSync, next,
		queue.Options{GroupKey: job.GroupID, IdempotencyKey: next.IdempotencyKey()}); err != nil {
		return fmt.Errorf("enqueue next follow sync page: %w", err)
	}
	return nil
}

func (w *FollowSyncWorker) backfill(ctx context.Context, job FollowSyncJob, contents []*model.Content) error {
	entries := make([]*model.NewsfeedEntry, 0, len(contents))
	for _, c := range contents {
		if c.State != model.ContentStatePublished {
			continue
		}
		entries = append(entries, repository.EntryFor(job.UserID, c))
	}
	n, err := w.store.Attach(ctx, entries)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", job.UserID, err)
	}
	logger.Debug("follow backfill page",
		zap.String("user_id", job.UserID),
		zap.String("group_id", job.GroupID),
		zap.Int64("inserted", n))
	return nil
}

// cleanup 只删除用户无法再通过其它分组（成员或关注）看到的内容
func (w *FollowSyncWorker) cleanup(ctx context.Context, job FollowSyncJob, contents []*model.Content) error {
	if len(contents) == 0 {
		return nil
	}
	ids := make([]string, len(contents))
	for i, c := range contents {
		ids[i] = c.ID
	}
	groupsOf, err := w.content.GroupsOf(ctx, ids)
	if err != nil {
		return err
	}

	var others []string
	for _, gs := range groupsOf {
		for _, g := range gs {
			if g != job.GroupID {
				others = append(others, g)
			}
		}
	}
	others = uniq(others)

	reachable := make(map[string]bool)
	if len(others) > 0 {
		viaMember, err := w.members.MemberGroups(ctx, job.UserID, others)
		if err != nil {
			return err
		}
		viaFollow, err := w.ledger.FollowedAmong(ctx, job.UserID, others)
		if err != nil {
			return err
		}
		for _, g := range viaMember {
			reachable[g] = true
		}
		for _, g := range viaFollow {
			reachable[g] = true
		}
	}

	remove := make([]string, 0, len(ids))
	for _, id := range ids {
		keep := false
		for _, g := range groupsOf[id] {
			if reachable[g] {
				keep = true
				break
			}
		}
		if !keep {
			remove = append(remove, id)
		}
	}
	n, err := w.store.DetachForUser(ctx, job.UserID, remove)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", job.UserID, err)
	}
	logger.Debug("follow cleanup page",
		zap.String("user_id", job.UserID),
		zap.String("group_id", job.GroupID),
		zap.Int64("deleted", n))
	return nil
}
