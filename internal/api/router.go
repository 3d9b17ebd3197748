package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/api/handler"
	"github.com/d60-Lab/inbox-autopilot/internal/api/middleware"
)

// NewRouter 组装路由。webhook 走签名鉴权，其余管理面走 WorkerAuth。
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(otelgin.Middleware("inbox-autopilot"))

	registerValidations()

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.Health)

		// Fanvue 没有 JWT，靠每租户 webhook secret 验签
		v1.GET("/webhooks/fanvue", h.WebhookPing)
		v1.POST("/webhooks/fanvue", h.Webhook)

		admin := v1.Group("")
		admin.Use(middleware.WorkerAuth(cfg.Auth.WorkerSecret, cfg.Auth.JWTSecret))
		{
			admin.POST("/worker/tick", h.WorkerTick)
			admin.POST("/worker/cron", h.CronTick)

			admin.POST("/broadcasts", h.EnqueueBroadcast)
			admin.POST("/broadcasts/generate", h.GenerateBroadcast)

			admin.GET("/creators/:id/lists", h.CreatorLists)
			admin.GET("/creators/:id/connection", h.ConnectionHealth)
			admin.GET("/jobs/failed", h.FailedJobs)
		}
	}

	return r
}

func registerValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// 群发受众类型只认这两种，其余一律打回
		_ = v.RegisterValidation("audience_kind", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "smart" || s == "custom"
		})
	}
}
