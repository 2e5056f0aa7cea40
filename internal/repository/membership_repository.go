package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedfanout/internal/model"
)

const defaultPageSize = 500

// MembershipRepository 分组成员关系（SQL 实现），游标为上一页最后一个 user_id
type MembershipRepository interface {
	ListGroupMembers(ctx context.Context, groupID, cursor string, limit int) ([]string, string, error)
	MembersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error)
	MemberGroups(ctx context.Context, userID string, groupIDs []string) ([]string, error)
	AddMembers(ctx context.Context, groupID string, userIDs []string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
}

type membershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &membershipRepository{db: db}
}

func (r *membershipRepository) ListGroupMembers(ctx context.Context, groupID, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&model.GroupMember{}).
		Where("group_id = ? AND user_id > ?", groupID, cursor).
		Order("user_id").
		Limit(limit+1).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, "", err
	}
	if len(ids) > limit {
		ids = ids[:limit]
		return ids, ids[limit-1], nil
	}
	return ids, "", nil
}

func (r *membershipRepository) MembersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(groupIDs) == 0 || len(userIDs) == 0 {
		return out, nil
	}
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&model.GroupMember{}).
		Distinct("user_id").
		Where("group_id IN ? AND user_id IN ?", groupIDs, userIDs).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (r *membershipRepository) MemberGroups(ctx context.Context, userID string, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.GroupMember{}).
		Where("user_id = ? AND group_id IN ?", userID, groupIDs).
		Pluck("group_id", &ids).Error
	return ids, err
}

func (r *membershipRepository) AddMembers(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]model.GroupMember, len(userIDs))
	for i, u := range userIDs {
		rows[i] = model.GroupMember{GroupID: groupID, UserID: u, CreatedAt: now}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 500).Error
}

func (r *membershipRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	return r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&model.GroupMember{}).Error
}
