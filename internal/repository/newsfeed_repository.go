package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedfanout/internal/model"
)

// FeedCursor 时间线 keyset 位置 (published_at DESC, content_id DESC)
type FeedCursor struct {
	PublishedAt time.Time `json:"p"`
	ContentID   string    `json:"c"`
}

// NewsfeedRepository 是 Newsfeed Store，(user_id, content_id) 成员表的唯一写入方
type NewsfeedRepository interface {
	// Attach insert-or-ignore，返回新写入行数
	Attach(ctx context.Context, entries []*model.NewsfeedEntry) (int64, error)
	// Detach 删除某内容在这些用户下的条目，不存在则忽略
	Detach(ctx context.Context, contentID string, userIDs []string) (int64, error)
	// DetachForUser 删除某用户下的若干内容
	DetachForUser(ctx context.Context, userID string, contentIDs []string) (int64, error)
	// Refresh 用内容最新元数据重写冗余字段
	Refresh(ctx context.Context, c *model.Content) (int64, error)
	ListByUser(ctx context.Context, userID string, after *FeedCursor, limit int) ([]*model.NewsfeedEntry, error)
	CountByContent(ctx context.Context, contentID string) (int64, error)
	ListUsersByContent(ctx context.Context, contentID string) ([]string, error)
}

type newsfeedRepository struct {
	db        *gorm.DB
	batchSize int
}

func NewNewsfeedRepository(db *gorm.DB) NewsfeedRepository {
	return &newsfeedRepository{db: db, batchSize: 500}
}

// EntryFor 由内容元数据构造某用户的条目
func EntryFor(userID string, c *model.Content) *model.NewsfeedEntry {
	var published time.Time
	if c.PublishedAt != nil {
		published = c.PublishedAt.UTC()
	}
	return &model.NewsfeedEntry{
		UserID:      userID,
		ContentID:   c.ID,
		ContentType: c.Type,
		PublishedAt: published,
		IsImportant: c.IsImportant,
		AuthorID:    c.AuthorID,
	}
}

func (r *newsfeedRepository) Attach(ctx context.Context, entries []*model.NewsfeedEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for _, e := range entries {
		e.PublishedAt = e.PublishedAt.UTC()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entries, r.batchSize)
	return res.RowsAffected, res.Error
}

func (r *newsfeedRepository) Detach(ctx context.Context, contentID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("content_id = ? AND user_id IN ?", contentID, userIDs).
		Delete(&model.NewsfeedEntry{})
	return res.RowsAffected, res.Error
}

func (r *newsfeedRepository) DetachForUser(ctx context.Context, userID string, contentIDs []string) (int64, error) {
	if len(contentIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND content_id IN ?", userID, contentIDs).
		Delete(&model.NewsfeedEntry{})
	return res.RowsAffected, res.Error
}

func (r *newsfeedRepository) Refresh(ctx context.Context, c *model.Content) (int64, error) {
	updates := map[string]any{
		"content_type": c.Type,
		"is_important": c.IsImportant,
		"author_id":    c.AuthorID,
	}
	if c.PublishedAt != nil {
		updates["published_at"] = c.PublishedAt.UTC()
	}
	res := r.db.WithContext(ctx).
		Model(&model.NewsfeedEntry{}).
		Where("content_id = ?", c.ID).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *newsfeedRepository) ListByUser(ctx context.Context, userID string, after *FeedCursor, limit int) ([]*model.NewsfeedEntry, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if after != nil {
		p := after.PublishedAt.UTC()
		q = q.Where("(published_at < ? OR (published_at = ? AND content_id < ?))", p, p, after.ContentID)
	}
	var res []*model.NewsfeedEntry
	err := q.Order("published_at DESC").Order("content_id DESC").Limit(limit).Find(&res).Error
	return res, err
}

func (r *newsfeedRepository) CountByContent(ctx context.Context, contentID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.NewsfeedEntry{}).Where("content_id = ?", contentID).Count(&n).Error
	return n, err
}

func (r *newsfeedRepository) ListUsersByContent(ctx context.Context, contentID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.NewsfeedEntry{}).
		Where("content_id = ?", contentID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}
