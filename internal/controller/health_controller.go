package controller

import (
	"context"
	"lms_backend/internal/util"
	"lms_backend/pkg/queue"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// QueueStatsProvider 证书任务队列积压情况
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

type HealthController struct {
	DB    *gorm.DB
	Redis *redis.Client
	Queue QueueStatsProvider
}

func NewHealthController(db *gorm.DB, rdb *redis.Client, q QueueStatsProvider) *HealthController {
	return &HealthController{DB: db, Redis: rdb, Queue: q}
}

// @Summary 健康检查
// @Description 检查服务状态（数据库、Redis）
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Failure 503 {object} util.Response
// @Router /api/health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	// 检查数据库连接
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	components := gin.H{"database": "up"}
	if c.Redis != nil {
		// Redis 只影响队列签发，不可用时降级为同步签发
		if err := c.Redis.Ping(pingCtx).Err(); err != nil {
			components["redis"] = "down"
		} else {
			components["redis"] = "up"
		}
	}

	data := gin.H{
		"status":     "ok",
		"components": components,
	}
	if c.Queue != nil && components["redis"] == "up" {
		if stats, err := c.Queue.Stats(pingCtx); err == nil {
			data["certificateQueue"] = stats
		}
	}

	util.Success(ctx, data)
}
