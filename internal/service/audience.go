package service

import (
	"context"
	"fmt"

	"github.com/d60-Lab/feedfanout/pkg/cursor"
)

const (
	phaseMembers   = 0
	phaseFollowers = 1
)

// audienceCursor 受众枚举位置：先按 user_id 翻成员，再按 sequence_number 翻关注者
type audienceCursor struct {
	Phase  int    `json:"ph"`
	Member string `json:"m,omitempty"`
	Seq    int64  `json:"s,omitempty"`
}

// AudiencePage 一页受众
type AudiencePage struct {
	UserIDs []string
	// Next 下一页游标，Done 为 true 时为空
	Next string
	Done bool
}

// AudienceResolver 计算某分组下应看到内容的用户：成员 ∪ 关注者。
// 两个阶段之间不去重，同一用户可能出现在两页里。
type AudienceResolver struct {
	members  GroupMembershipService
	ledger   FollowLedger
	pageSize int
}

func NewAudienceResolver(members GroupMembershipService, ledger FollowLedger, pageSize int) *AudienceResolver {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &AudienceResolver{members: members, ledger: ledger, pageSize: pageSize}
}

// ResolveAddedAudience 新挂到 groupID 的内容的下一页受众
func (r *AudienceResolver) ResolveAddedAudience(ctx context.Context, contentID, groupID, token string) (AudiencePage, error) {
	page, err := r.next(ctx, groupID, token)
	if err != nil {
		return AudiencePage{}, fmt.Errorf("resolve added audience of %s in %s: %w", contentID, groupID, err)
	}
	return page, nil
}

// ResolveRemovedAudience 从 groupID 摘下内容时的下一页受众，
// 剔除仍可通过 retained 分组（成员或关注）看到该内容的用户
func (r *AudienceResolver) ResolveRemovedAudience(ctx context.Context, contentID, groupID string, retained []string, token string) (AudiencePage, error) {
	page, err := r.next(ctx, groupID, token)
	if err != nil {
		return AudiencePage{}, fmt.Errorf("resolve removed audience of %s in %s: %w", contentID, groupID, err)
	}
	if len(retained) == 0 || len(page.UserIDs) == 0 {
		return page, nil
	}

	viaMember, err := r.members.MembersOf(ctx, retained, page.UserIDs)
	if err != nil {
		return AudiencePage{}, err
	}
	viaFollow, err := r.ledger.FollowersOf(ctx, retained, page.UserIDs)
	if err != nil {
		return AudiencePage{}, err
	}
	kept := page.UserIDs[:0:0]
	for _, u := range page.UserIDs {
		if !viaMember[u] && !viaFollow[u] {
			kept = append(kept, u)
		}
	}
	page.UserIDs = kept
	return page, nil
}

func (r *AudienceResolver) next(ctx context.Context, groupID, token string) (AudiencePage, error) {
	var c audienceCursor
	if _, err := cursor.Decode(token, &c); err != nil {
		return AudiencePage{}, err
	}

	switch c.Phase {
	case phaseMembers:
		ids, nextMember, err := r.members.ListGroupMembers(ctx, groupID, c.Member, r.pageSize)
		if err != nil {
			return AudiencePage{}, err
		}
		next := audienceCursor{Phase: phaseMembers, Member: nextMember}
		if nextMember == "" {
			next = audienceCursor{Phase: phaseFollowers}
		}
		tok, err := cursor.Encode(next)
		if err != nil {
			return AudiencePage{}, err
		}
		return AudiencePage{UserIDs: ids, Next: tok}, nil

	case phaseFollowers:
		ids, seq, err := r.ledger.ListFollowers(ctx, groupID, c.Seq, r.pageSize)
		if err != nil {
			return AudiencePage{}, err
		}
		// 同时是成员的关注者会再出现一次，写入和删除都是幂等的
		if len(ids) < r.pageSize {
			return AudiencePage{UserIDs: ids, Done: true}, nil
		}
		tok, err := cursor.Encode(audienceCursor{Phase: phaseFollowers, Seq: seq})
		if err != nil {
			return AudiencePage{}, err
		}
		return AudiencePage{UserIDs: ids, Next: tok}, nil

	default:
		return AudiencePage{}, fmt.Errorf("%w: unknown phase %d", cursor.ErrInvalid, c.Phase)
	}
}
