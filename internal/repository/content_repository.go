package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedfanout/internal/model"
)

var (
	ErrContentNotFound   = errors.New("content not found")
	ErrInvalidTransition = errors.New("invalid content state transition")
)

// ContentRepository 内容服务的 SQL 适配：内容主体、当前分组与上一次分组快照
type ContentRepository interface {
	Create(ctx context.Context, c *model.Content) error
	GetContent(ctx context.Context, id string) (*model.Content, error)
	GetGroupIds(ctx context.Context, id string) ([]string, error)
	GetPreviousGroupSnapshot(ctx context.Context, id string) ([]string, error)
	GroupsOf(ctx context.Context, ids []string) (map[string][]string, error)
	// ReplaceGroups 在同一事务里把当前分组写入快照并替换为新集合，返回差集
	ReplaceGroups(ctx context.Context, id string, groupIDs []string) (added, removed []string, err error)
	// UpdateMetadata 修改非分组字段，并把快照对齐到当前分组
	UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error
	TransitionToPublished(ctx context.Context, id string) error
	MarkScheduleFailed(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
	ListDueScheduled(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Content, error)
	ListGroupContent(ctx context.Context, groupID, afterID string, limit int) ([]*model.Content, error)
}

// MetadataPatch 内容的非分组字段修改，nil 字段不变
type MetadataPatch struct {
	Type        *model.ContentType
	IsImportant *bool
}

type contentRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewContentRepository(db *gorm.DB) ContentRepository {
	return &contentRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *contentRepository) Create(ctx context.Context, c *model.Content) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.State == model.ContentStatePublished && c.PublishedAt == nil {
		at := r.now()
		c.PublishedAt = &at
	}
	if c.ScheduledAt != nil {
		at := c.ScheduledAt.UTC()
		c.ScheduledAt = &at
	}
	if c.PublishedAt != nil {
		at := c.PublishedAt.UTC()
		c.PublishedAt = &at
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if err := insertGroups(tx, c.ID, c.GroupIDs); err != nil {
			return err
		}
		// 初始分组即快照，之后不改分组的编辑算不出 delta
		return replaceSnapshot(tx, c.ID, c.GroupIDs)
	})
}

// replaceSnapshot 把快照整体替换为 groupIDs
func replaceSnapshot(tx *gorm.DB, contentID string, groupIDs []string) error {
	if err := tx.Where("content_id = ?", contentID).Delete(&model.ContentGroupSnapshot{}).Error; err != nil {
		return err
	}
	if len(groupIDs) == 0 {
		return nil
	}
	rows := make([]model.ContentGroupSnapshot, len(groupIDs))
	for i, g := range groupIDs {
		rows[i] = model.ContentGroupSnapshot{ContentID: contentID, GroupID: g}
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func insertGroups(tx *gorm.DB, contentID string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]model.ContentGroup, 0, len(groupIDs))
	for _, g := range groupIDs {
		rows = append(rows, model.ContentGroup{ContentID: contentID, GroupID: g, CreatedAt: now})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *contentRepository) GetContent(ctx context.Context, id string) (*model.Content, error) {
	var c model.Content
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, id)
		}
		return nil, err
	}
	groups, err := r.GetGroupIds(ctx, id)
	if err != nil {
		return nil, err
	}
	c.GroupIDs = groups
	return &c, nil
}

func (r *contentRepository) GetGroupIds(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ContentGroup{}).
		Where("content_id = ?", id).Order("group_id").Pluck("group_id", &ids).Error
	return ids, err
}

func (r *contentRepository) GetPreviousGroupSnapshot(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ContentGroupSnapshot{}).
		Where("content_id = ?", id).Order("group_id").Pluck("group_id", &ids).Error
	return ids, err
}

func (r *contentRepository) GroupsOf(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []model.ContentGroup
	if err := r.db.WithContext(ctx).Where("content_id IN ?", ids).Order("content_id, group_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ContentID] = append(out[row.ContentID], row.GroupID)
	}
	return out, nil
}

func (r *contentRepository) ReplaceGroups(ctx context.Context, id string, groupIDs []string) ([]string, []string, error) {
	var added, removed []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cnt int64
		if err := tx.Model(&model.Content{}).Where("id = ?", id).Count(&cnt).Error; err != nil {
			return err
		}
		if cnt == 0 {
			return fmt.Errorf("%w: %s", ErrContentNotFound, id)
		}

		var current []string
		if err := tx.Model(&model.ContentGroup{}).Where("content_id = ?", id).Pluck("group_id", &current).Error; err != nil {
			return err
		}

		if err := replaceSnapshot(tx, id, current); err != nil {
			return err
		}

		if err := tx.Where("content_id = ?", id).Delete(&model.ContentGroup{}).Error; err != nil {
			return err
		}
		if err := insertGroups(tx, id, groupIDs); err != nil {
			return err
		}
		added, removed = Diff(current, groupIDs)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

func (r *contentRepository) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	fields := map[string]any{"updated_at": r.now()}
	if patch.Type != nil {
		fields["type"] = *patch.Type
	}
	if patch.IsImportant != nil {
		fields["is_important"] = *patch.IsImportant
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Content{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrContentNotFound, id)
		}
		var current []string
		if err := tx.Model(&model.ContentGroup{}).Where("content_id = ?", id).Pluck("group_id", &current).Error; err != nil {
			return err
		}
		return replaceSnapshot(tx, id, current)
	})
}

// Diff 返回 next-prev 与 prev-next，结果有序
func Diff(prev, next []string) (added, removed []string) {
	p := make(map[string]struct{}, len(prev))
	for _, g := range prev {
		p[g] = struct{}{}
	}
	n := make(map[string]struct{}, len(next))
	for _, g := range next {
		n[g] = struct{}{}
		if _, ok := p[g]; !ok {
			added = append(added, g)
		}
	}
	for g := range p {
		if _, ok := n[g]; !ok {
			removed = append(removed, g)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return dedupSorted(added), removed
}

func dedupSorted(s []string) []string {
	if len(s) < 2 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func (r *contentRepository) TransitionToPublished(ctx context.Context, id string) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.Content{}).
		Where("id = ? AND state = ?", id, model.ContentStateWaitingSchedule).
		Updates(map[string]any{
			"state":        model.ContentStatePublished,
			"published_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	c, err := r.GetContent(ctx, id)
	if err != nil {
		return err
	}
	if c.State == model.ContentStatePublished {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, c.State)
}

func (r *contentRepository) MarkScheduleFailed(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Content{}).
		Where("id = ? AND state = ?", id, model.ContentStateWaitingSchedule).
		Updates(map[string]any{"state": model.ContentStateScheduleFailed, "updated_at": r.now()}).Error
}

func (r *contentRepository) MarkDeleted(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.Content{}).
		Where("id = ?", id).
		Updates(map[string]any{"state": model.ContentStateDeleted, "updated_at": r.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrContentNotFound, id)
	}
	return nil
}

func (r *contentRepository) ListDueScheduled(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Content, error) {
	var res []*model.Content
	err := r.db.WithContext(ctx).
		Where("state = ? AND scheduled_at <= ? AND id > ?", model.ContentStateWaitingSchedule, now.UTC(), afterID).
		Order("id").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *contentRepository) ListGroupContent(ctx context.Context, groupID, afterID string, limit int) ([]*model.Content, error) {
	var res []*model.Content
	err := r.db.WithContext(ctx).
		Joins("JOIN content_groups ON content_groups.content_id = contents.id").
		Where("content_groups.group_id = ? AND contents.id > ?", groupID, afterID).
		Order("contents.id").
		Limit(limit).
		Find(&res).Error
	return res, err
}
