package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/pkg/response"
)

// IngestEvent 接收内容/关注生命周期事件，只负责入队
// @Summary 投递生命周期事件
// @Tags events
// @Accept json
// @Produce json
// @Param request body event.Event true "事件"
// @Success 202 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/events [post]
func (h *Handler) IngestEvent(c *gin.Context) {
	var e event.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.events.Handle(c.Request.Context(), e); err != nil {
		if errors.Is(err, event.ErrInvalidEvent) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Accepted(c, gin.H{"kind": e.Kind})
}
