// Package event 定义引擎接受的内容生命周期事件（封闭集合）及其处理链。
package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/pkg/logger"
)

var ErrInvalidEvent = errors.New("invalid event")

// Kind 事件类型
type Kind string

const (
	KindPublished  Kind = "content.published"
	KindUpdated    Kind = "content.updated"
	KindDeleted    Kind = "content.deleted"
	KindFollowed   Kind = "group.followed"
	KindUnfollowed Kind = "group.unfollowed"
)

// Kinds 全部合法事件类型
var Kinds = []Kind{KindPublished, KindUpdated, KindDeleted, KindFollowed, KindUnfollowed}

// Valid 是否为已知类型
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event 生命周期事件。按 Kind 使用不同字段：
//
//	content.published  ContentID, GroupIDs（nil 表示由内容服务查询）
//	content.updated    ContentID, AddedGroupIDs, RemovedGroupIDs（均为 nil 表示按快照计算差集）
//	content.deleted    ContentID, GroupIDs（nil 表示由内容服务查询）
//	group.followed     UserID, GroupID
//	group.unfollowed   UserID, GroupID
type Event struct {
	Kind            Kind      `json:"kind" binding:"required,event_kind"`
	ContentID       string    `json:"content_id,omitempty" binding:"max=64"`
	GroupIDs        []string  `json:"group_ids,omitempty" binding:"omitempty,dive,required,max=64"`
	AddedGroupIDs   []string  `json:"added_group_ids,omitempty" binding:"omitempty,dive,required,max=64"`
	RemovedGroupIDs []string  `json:"removed_group_ids,omitempty" binding:"omitempty,dive,required,max=64"`
	UserID          string    `json:"user_id,omitempty" binding:"max=64"`
	GroupID         string    `json:"group_id,omitempty" binding:"max=64"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func Published(contentID string, groupIDs []string) Event {
	return Event{Kind: KindPublished, ContentID: contentID, GroupIDs: groupIDs, OccurredAt: time.Now().UTC()}
}

func Updated(contentID string, added, removed []string) Event {
	return Event{Kind: KindUpdated, ContentID: contentID, AddedGroupIDs: added, RemovedGroupIDs: removed, OccurredAt: time.Now().UTC()}
}

func Deleted(contentID string) Event {
	return Event{Kind: KindDeleted, ContentID: contentID, OccurredAt: time.Now().UTC()}
}

func Followed(userID, groupID string) Event {
	return Event{Kind: KindFollowed, UserID: userID, GroupID: groupID, OccurredAt: time.Now().UTC()}
}

func Unfollowed(userID, groupID string) Event {
	return Event{Kind: KindUnfollowed, UserID: userID, GroupID: groupID, OccurredAt: time.Now().UTC()}
}

// Validate 校验各类型的必填字段
func (e Event) Validate() error {
	switch e.Kind {
	case KindPublished, KindUpdated, KindDeleted:
		if e.ContentID == "" {
			return fmt.Errorf("%w: %s requires content_id", ErrInvalidEvent, e.Kind)
		}
	case KindFollowed, KindUnfollowed:
		if e.UserID == "" || e.GroupID == "" {
			return fmt.Errorf("%w: %s requires user_id and group_id", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Handler 消费生命周期事件
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Chain 先交给 primary（其错误决定结果），成功后再通知旁路消费者（如通知、搜索）。
// 旁路消费者失败只记录日志。
func Chain(primary Handler, observers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, e Event) error {
		if err := primary.Handle(ctx, e); err != nil {
			return err
		}
		for _, o := range observers {
			if o == nil {
				continue
			}
			if err := o.Handle(ctx, e); err != nil {
				logger.Warn("event observer failed",
					zap.String("kind", string(e.Kind)),
					zap.String("content_id", e.ContentID),
					zap.Error(err))
			}
		}
		return nil
	})
}
