package service

import (
	"context"
	"time"

	"github.com/d60-Lab/feedfanout/internal/model"
)

// ContentService 内容服务（外部协作者）。内容不存在时返回包装了 repository.ErrContentNotFound 的错误。
type ContentService interface {
	GetContent(ctx context.Context, contentID string) (*model.Content, error)
	GetGroupIds(ctx context.Context, contentID string) ([]string, error)
	GetPreviousGroupSnapshot(ctx context.Context, contentID string) ([]string, error)
	GroupsOf(ctx context.Context, contentIDs []string) (map[string][]string, error)
	TransitionToPublished(ctx context.Context, contentID string) error
	MarkScheduleFailed(ctx context.Context, contentID string) error
	ListDueScheduled(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Content, error)
	ListGroupContent(ctx context.Context, groupID, afterID string, limit int) ([]*model.Content, error)
}

// GroupMembershipService 分组成员关系（外部协作者）
type GroupMembershipService interface {
	ListGroupMembers(ctx context.Context, groupID, cursor string, limit int) ([]string, string, error)
	MembersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error)
	MemberGroups(ctx context.Context, userID string, groupIDs []string) ([]string, error)
}

// FollowLedger Audience Resolver 与 follow-sync 需要的关注读接口
type FollowLedger interface {
	IsFollowing(ctx context.Context, userID, groupID string) (bool, error)
	ListFollowers(ctx context.Context, groupID string, afterSeq int64, limit int) ([]string, int64, error)
	FollowersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error)
	FollowedAmong(ctx context.Context, userID string, groupIDs []string) ([]string, error)
}
