// Package api assembles the HTTP surface: read API, follow API, event ingestion
// and dead-letter admin.
package api

import (
	"net/http"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/api/handler"
	"github.com/d60-Lab/feedfanout/internal/api/middleware"
	"github.com/d60-Lab/feedfanout/internal/event"
)

// NewRouter 构建 gin 引擎
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	registerValidators()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	r.Use(middleware.RequestLogger())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/newsfeed/:user_id", h.GetNewsfeed)
		v1.POST("/groups/:group_id/follow", h.Follow)
		v1.POST("/groups/:group_id/unfollow", h.Unfollow)
		v1.GET("/users/:user_id/following", h.ListFollowing)
		v1.POST("/events", h.IngestEvent)
	}

	admin := r.Group("/admin", middleware.JWTAuth(cfg.Auth.JWTSecret))
	{
		admin.GET("/jobs/dead", h.ListDeadLetters)
		admin.GET("/jobs/stats", h.JobStats)
		admin.POST("/jobs/:id/requeue", h.RequeueJob)
	}
	return r
}

func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("event_kind", func(fl validator.FieldLevel) bool {
		return event.Kind(fl.Field().String()).Valid()
	})
}
