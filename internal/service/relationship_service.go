package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// RelationshipService 用户关注分组
type RelationshipService interface {
	// Follow 返回是否新建了关注边；已关注视为成功
	Follow(ctx context.Context, userID, groupID string) (bool, error)
	// Unfollow 返回关注边是否存在过；不存在视为成功
	Unfollow(ctx context.Context, userID, groupID string) (bool, error)
	ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error)
}

type relationshipService struct {
	followRepo repository.FollowRepository
	events     event.Handler
}

func NewRelationshipService(followRepo repository.FollowRepository, events event.Handler) RelationshipService {
	return &relationshipService{followRepo: followRepo, events: events}
}

func (s *relationshipService) Follow(ctx context.Context, userID, groupID string) (bool, error) {
	created := true
	if _, err := s.followRepo.Follow(ctx, userID, groupID); err != nil {
		if !errors.Is(err, repository.ErrAlreadyFollowing) {
			return false, err
		}
		created = false
	}
	// 已关注也重新发事件：上次写边成功但入队失败时由重试补齐回填
	if err := s.events.Handle(ctx, event.Followed(userID, groupID)); err != nil {
		return created, err
	}
	logger.Debug("group followed", zap.String("user_id", userID), zap.String("group_id", groupID), zap.Bool("created", created))
	return created, nil
}

func (s *relationshipService) Unfollow(ctx context.Context, userID, groupID string) (bool, error) {
	existed, err := s.followRepo.Unfollow(ctx, userID, groupID)
	if err != nil {
		return false, err
	}
	if err := s.events.Handle(ctx, event.Unfollowed(userID, groupID)); err != nil {
		return existed, err
	}
	return existed, nil
}

func (s *relationshipService) ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize
	items, err := s.followRepo.ListFollowings(ctx, userID, offset, pageSize)
	if err != nil {
		return nil, err
	}
	res := make([]string, len(items))
	for i, it := range items {
		res[i] = it.GroupID
	}
	return res, nil
}
