package model

import "time"

// ContentState 内容发布状态
type ContentState string

const (
	ContentStateDraft           ContentState = "DRAFT"
	ContentStateWaitingSchedule ContentState = "WAITING_SCHEDULE"
	ContentStatePublished       ContentState = "PUBLISHED"
	ContentStateScheduleFailed  ContentState = "SCHEDULE_FAILED"
	ContentStateDeleted         ContentState = "DELETED"
)

// Content 内容主体（仅 fanout 与定时发布所需字段）
type Content struct {
	ID          string       `gorm:"primaryKey;type:varchar(36)"`
	AuthorID    string       `gorm:"type:varchar(36);not null;index:idx_content_author"`
	Type        ContentType  `gorm:"type:varchar(16);not null"`
	State       ContentState `gorm:"type:varchar(24);not null;index:idx_content_due,priority:1"`
	ScheduledAt *time.Time   `gorm:"index:idx_content_due,priority:2"`
	PublishedAt *time.Time
	IsImportant bool `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	GroupIDs []string `gorm:"-"`
}

func (Content) TableName() string { return "contents" }

// ContentGroup 内容当前挂载的分组
type ContentGroup struct {
	ContentID string `gorm:"primaryKey;type:varchar(36)"`
	GroupID   string `gorm:"primaryKey;type:varchar(36);index:idx_content_group_group"`
	CreatedAt time.Time
}

func (ContentGroup) TableName() string { return "content_groups" }

// ContentGroupSnapshot 最近一次变更前的分组集合，用于计算 delta
type ContentGroupSnapshot struct {
	ContentID string `gorm:"primaryKey;type:varchar(36)"`
	GroupID   string `gorm:"primaryKey;type:varchar(36)"`
}

func (ContentGroupSnapshot) TableName() string { return "content_group_snapshots" }

// GroupMember 分组成员关系（归 Group Membership Service 所有）
type GroupMember struct {
	GroupID   string `gorm:"primaryKey;type:varchar(36)"`
	UserID    string `gorm:"primaryKey;type:varchar(36);index:idx_member_user"`
	CreatedAt time.Time
}

func (GroupMember) TableName() string { return "group_members" }
