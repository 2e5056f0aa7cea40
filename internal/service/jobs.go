package service

import (
	"fmt"
	"time"
)

// 队列名
const (
	QueueFanout     = "newsfeed.fanout"
	QueueFollowSync = "newsfeed.follow-sync"
	QueueRefresh    = "newsfeed.refresh"
	QueuePublish    = "content.scheduled-publish"
)

// Direction attach 或 detach
type Direction string

const (
	Attach Direction = "attach"
	Detach Direction = "detach"
)

// FanoutJob 单个 (content, group) 的一段 fanout，分组键为 GroupID
type FanoutJob struct {
	ContentID string    `json:"content_id"`
	GroupID   string    `json:"group_id"`
	Direction Direction `json:"direction"`
	Cursor    string    `json:"cursor,omitempty"`
}

func (j FanoutJob) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", j.Direction, j.ContentID, j.GroupID, j.Cursor)
}

// FollowSyncJob 关注/取关后补齐或清理用户 newsfeed，分组键为 GroupID
type FollowSyncJob struct {
	UserID    string    `json:"user_id"`
	GroupID   string    `json:"group_id"`
	Direction Direction `json:"direction"`
	Cursor    string    `json:"cursor,omitempty"`
}

func (j FollowSyncJob) IdempotencyKey() string {
	return fmt.Sprintf("follow:%s:%s:%s:%s", j.Direction, j.UserID, j.GroupID, j.Cursor)
}

// RefreshJob 重写某内容在所有 newsfeed 条目里的冗余字段，分组键为 ContentID
type RefreshJob struct {
	ContentID string `json:"content_id"`
}

// IdempotencyKey version 为触发刷新时内容的 updated_at
func (j RefreshJob) IdempotencyKey(version time.Time) string {
	return fmt.Sprintf("refresh:%s@%d", j.ContentID, version.UnixNano())
}

// ScheduledPublishJob 定时发布，幂等键为 ContentID
type ScheduledPublishJob struct {
	ContentID string `json:"content_id"`
	OwnerID   string `json:"owner_id"`
}
