package model

import (
	"time"
)

// FollowEdge 用户关注分组（user 订阅 group 的内容流）
type FollowEdge struct {
	UserID  string `gorm:"primaryKey;type:varchar(36)"`
	GroupID string `gorm:"primaryKey;type:varchar(36);uniqueIndex:ux_follow_group_seq,priority:1"`
	// 组内单调递增，取消关注后不复用，用作可恢复游标
	SequenceNumber int64 `gorm:"not null;uniqueIndex:ux_follow_group_seq,priority:2"`
	CreatedAt      time.Time
}

func (FollowEdge) TableName() string { return "follow_edges" }

// GroupFollowCounter 每个 group 一行，分配 sequence_number 时做 CAS
type GroupFollowCounter struct {
	GroupID   string `gorm:"primaryKey;type:varchar(36)"`
	LastSeq   int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (GroupFollowCounter) TableName() string { return "group_follow_counters" }
