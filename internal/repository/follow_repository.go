package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedfanout/internal/model"
)

var ErrAlreadyFollowing = errors.New("already following")

// maxSeqCASRetries 同一 group 并发关注时 CAS 的重试上限
const maxSeqCASRetries = 16

// FollowRepository 是 Follow Ledger：(user, group) 关注边及组内单调序号
type FollowRepository interface {
	Follow(ctx context.Context, userID, groupID string) (*model.FollowEdge, error)
	// Unfollow 幂等删除，返回边是否存在过
	Unfollow(ctx context.Context, userID, groupID string) (bool, error)
	IsFollowing(ctx context.Context, userID, groupID string) (bool, error)
	// ListFollowers 按 sequence_number 升序翻页；nextSeq 为本页最大序号，空页时等于 afterSeq
	ListFollowers(ctx context.Context, groupID string, afterSeq int64, limit int) (userIDs []string, nextSeq int64, err error)
	// FollowersOf 返回 userIDs 中关注了 groupIDs 任意一个的用户
	FollowersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error)
	// FollowedAmong 返回 groupIDs 中该用户关注的分组
	FollowedAmong(ctx context.Context, userID string, groupIDs []string) ([]string, error)
	ListFollowings(ctx context.Context, userID string, offset, limit int) ([]*model.FollowEdge, error)
}

type followRepository struct {
	db *gorm.DB
}

func NewFollowRepository(db *gorm.DB) FollowRepository { return &followRepository{db: db} }

func (r *followRepository) Follow(ctx context.Context, userID, groupID string) (*model.FollowEdge, error) {
	var edge *model.FollowEdge
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cnt int64
		if err := tx.Model(&model.FollowEdge{}).
			Where("user_id = ? AND group_id = ?", userID, groupID).
			Count(&cnt).Error; err != nil {
			return err
		}
		if cnt > 0 {
			return ErrAlreadyFollowing
		}

		seq, err := nextSequence(tx, groupID)
		if err != nil {
			return err
		}

		e := &model.FollowEdge{UserID: userID, GroupID: groupID, SequenceNumber: seq, CreatedAt: time.Now().UTC()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(e)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 并发的同一用户关注抢先写入
			return ErrAlreadyFollowing
		}
		edge = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// nextSequence 对每组计数行做 CAS 自增，保证组内序号不重复、不复用
func nextSequence(tx *gorm.DB, groupID string) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.GroupFollowCounter{GroupID: groupID, UpdatedAt: time.Now().UTC()}).Error; err != nil {
		return 0, err
	}
	for i := 0; i < maxSeqCASRetries; i++ {
		var c model.GroupFollowCounter
		if err := tx.Where("group_id = ?", groupID).Take(&c).Error; err != nil {
			return 0, err
		}
		res := tx.Model(&model.GroupFollowCounter{}).
			Where("group_id = ? AND last_seq = ?", groupID, c.LastSeq).
			Updates(map[string]any{"last_seq": c.LastSeq + 1, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 1 {
			return c.LastSeq + 1, nil
		}
	}
	return 0, fmt.Errorf("allocate follow sequence for group %s: too much contention", groupID)
}

func (r *followRepository) Unfollow(ctx context.Context, userID, groupID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Delete(&model.FollowEdge{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *followRepository) IsFollowing(ctx context.Context, userID, groupID string) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).
		Model(&model.FollowEdge{}).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (r *followRepository) ListFollowers(ctx context.Context, groupID string, afterSeq int64, limit int) ([]string, int64, error) {
	var edges []model.FollowEdge
	if err := r.db.WithContext(ctx).
		Select("user_id", "sequence_number").
		Where("group_id = ? AND sequence_number > ?", groupID, afterSeq).
		Order("sequence_number").
		Limit(limit).
		Find(&edges).Error; err != nil {
		return nil, afterSeq, err
	}
	ids := make([]string, len(edges))
	next := afterSeq
	for i, e := range edges {
		ids[i] = e.UserID
		next = e.SequenceNumber
	}
	return ids, next, nil
}

func (r *followRepository) FollowersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(groupIDs) == 0 || len(userIDs) == 0 {
		return out, nil
	}
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&model.FollowEdge{}).
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

func (r *followRepository) FollowedAmong(ctx context.Context, userID string, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.FollowEdge{}).
		Where("user_id = ? AND group_id IN ?", userID, groupIDs).
		Pluck("group_id", &ids).Error
	return ids, err
}

func (r *followRepository) ListFollowings(ctx context.Context, userID string, offset, limit int) ([]*model.FollowEdge, error) {
	var res []*model.FollowEdge
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&res).Error
	return res, err
}
