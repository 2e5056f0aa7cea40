package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedfanout/pkg/response"
)

type followRequest struct {
	UserID string `json:"user_id" binding:"required,max=64"`
}

// Follow 关注分组（回填异步进行）
// @Summary 关注分组
// @Tags 关系链
// @Accept json
// @Produce json
// @Param group_id path string true "分组ID"
// @Param request body followRequest true "关注者"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/groups/{group_id}/follow [post]
func (h *Handler) Follow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	created, err := h.relService.Follow(c.Request.Context(), req.UserID, c.Param("group_id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"created": created})
}

// Unfollow 取消关注（清理异步进行）
// @Summary 取消关注分组
// @Tags 关系链
// @Accept json
// @Produce json
// @Param group_id path string true "分组ID"
// @Param request body followRequest true "关注者"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/groups/{group_id}/unfollow [post]
func (h *Handler) Unfollow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	existed, err := h.relService.Unfollow(c.Request.Context(), req.UserID, c.Param("group_id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"existed": existed})
}

// ListFollowing 查询某用户关注的分组
// @Summary 查询关注列表
// @Tags 关系链
// @Param user_id path string true "用户ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/users/{user_id}/following [get]
func (h *Handler) ListFollowing(c *gin.Context) {
	userID := c.Param("user_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	list, err := h.relService.ListFollowing(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}
