package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedfanout/pkg/cursor"
	"github.com/d60-Lab/feedfanout/pkg/response"
)

// GetNewsfeed 按发布时间倒序翻页
// @Summary 用户时间线
// @Tags newsfeed
// @Param user_id path string true "用户ID"
// @Param cursor query string false "上一页返回的 next_cursor"
// @Param limit query int false "每页数量"
// @Success 200 {object} response.Response{data=service.FeedPage}
// @Failure 400 {object} response.Response
// @Router /api/v1/newsfeed/{user_id} [get]
func (h *Handler) GetNewsfeed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.feed.GetNewsfeed(c.Request.Context(), c.Param("user_id"), c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, cursor.ErrInvalid) {
			response.BadRequest(c, "invalid cursor")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, page)
}
