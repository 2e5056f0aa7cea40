package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/pkg/logger"
	"github.com/d60-Lab/feedfanout/pkg/response"
)

// ListDeadLetters 死信任务
// @Summary 死信列表
// @Tags admin
// @Param queue query string false "队列名，空为全部"
// @Param limit query int false "数量" default(50)
// @Success 200 {object} response.Response
// @Router /admin/jobs/dead [get]
func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.jobs.DeadLetters(c.Request.Context(), c.Query("queue"), limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"list": jobs})
}

// RequeueJob 重放死信任务，保留原游标
// @Summary 重放死信
// @Tags admin
// @Param id path int true "任务ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /admin/jobs/{id}/requeue [post]
func (h *Handler) RequeueJob(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}
	if err := h.jobs.Requeue(c.Request.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotDead) {
			response.NotFound(c, "no dead job with this id")
			return
		}
		if errors.Is(err, repository.ErrDuplicatePending) {
			response.Conflict(c, "a job with the same idempotency key is still pending")
			return
		}
		response.InternalError(c, err)
		return
	}
	logger.Info("dead job requeued", zap.Uint64("job_id", id), zap.String("by", c.GetString("subject")))
	response.Success(c, gin.H{"id": id})
}

// JobStats 各队列各状态任务数
// @Summary 任务统计
// @Tags admin
// @Success 200 {object} response.Response
// @Router /admin/jobs/stats [get]
func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"list": stats})
}
