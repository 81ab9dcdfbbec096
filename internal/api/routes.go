package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvboard/internal/api/middleware"
	"cvboard/internal/auth"
	"cvboard/internal/config"
	"cvboard/internal/storage"
)

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(
	router *gin.Engine,
	db *gorm.DB,
	asynqClient *asynq.Client,
	authService *auth.AuthService,
	redisClient *redis.Client,
	logger *slog.Logger,
	storageClient *storage.Client,
	cfg *config.Config,
) {
	jobHandler := NewJobHandler(
		db,
		asynqClient,
		storageClient,
		redisClient,
		logger,
		cfg.Upload.MaxBytes,
		cfg.Upload.MaxJobsPerDay,
		cfg.Upload.ClamdAddr,
	)
	wsHandler := NewWsHandler(redisClient, authService, logger, cfg.API.Origins(), cfg.Notify.HeartbeatInterval())
	authMiddleware := middleware.AuthMiddleware(authService)

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		resumeGroup := v1.Group("/resumes")
		resumeGroup.Use(authMiddleware)
		{
			resumeGroup.POST("/parse", jobHandler.CreateParseJob)
		}

		jobGroup := v1.Group("/jobs")
		jobGroup.Use(authMiddleware)
		{
			jobGroup.GET("/:id", jobHandler.GetJob)
		}
	}
}
