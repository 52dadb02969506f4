package app

import (
	"lms_backend/docs"
	"lms_backend/internal/config"
	"lms_backend/internal/middleware"
	"lms_backend/pkg/monitoring"
	"lms_backend/pkg/security"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c, cfg)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		a.registerLearnerRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)

		// 证书校验对外公开，单独限流防止枚举
		verifyLimiter := security.RateLimiter(cfg.RateLimit.VerifyMaxRequests, time.Minute)
		public.GET("/certificates/verify/:serialHash", verifyLimiter, c.certificate.Verify)
	}
}

func (a *App) registerLearnerRoutes(group *gin.RouterGroup, c *controllers) {
	// 选课与进度
	group.POST("/courses/:courseId/enroll", c.enrollment.Enroll)
	group.GET("/courses/:courseId/progress", c.enrollment.GetCourseProgress)
	group.GET("/enrollments", c.enrollment.ListMine)

	// 课时完成
	group.POST("/lessons/:lessonId/complete", c.lessonProgress.MarkComplete)
	group.DELETE("/lessons/:lessonId/complete", c.lessonProgress.MarkIncomplete)

	// 证书
	group.POST("/enrollments/:enrollmentId/certificate", c.certificate.Trigger)
	group.GET("/enrollments/:enrollmentId/certificate", c.certificate.GetByEnrollment)
	group.GET("/certificates", c.certificate.List)
}
