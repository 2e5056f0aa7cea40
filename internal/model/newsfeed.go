package model

import "time"

// ContentType 内容类型
type ContentType string

const (
	ContentTypePost    ContentType = "post"
	ContentTypeArticle ContentType = "article"
	ContentTypeSeries  ContentType = "series"
)

// NewsfeedEntry 用户 newsfeed 中的一条可见性记录（按 user_id 切分）
type NewsfeedEntry struct {
	// 复合主键 (user_id, content_id)，同一对最多一行
	UserID    string `gorm:"primaryKey;type:varchar(36);index:idx_feed_user_published,priority:1"`
	ContentID string `gorm:"primaryKey;type:varchar(36);index:idx_feed_content"`

	// 以下为时间线渲染所需的冗余字段
	ContentType ContentType `gorm:"type:varchar(16);not null"`
	PublishedAt time.Time   `gorm:"not null;index:idx_feed_user_published,priority:2"`
	IsImportant bool        `gorm:"not null;default:false"`
	AuthorID    string      `gorm:"type:varchar(36);not null"`
	CreatedAt   time.Time
}

func (NewsfeedEntry) TableName() string { return "newsfeed_entries" }
