package app

import (
	"context"
	"errors"
	"lms_backend/internal/config"
	"lms_backend/internal/controller"
	"lms_backend/internal/repository"
	"lms_backend/internal/service"
	"lms_backend/internal/worker"
	"lms_backend/pkg/configwatcher"
	"lms_backend/pkg/database"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"
	"lms_backend/pkg/queue"
	"lms_backend/pkg/security"
	"lms_backend/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configDir = "configs"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	configCallbacks []func(*config.Config)
	tracer          *sdktrace.TracerProvider
}

type repositories struct {
	user           *repository.UserRepository
	course         *repository.CourseRepository
	enrollment     *repository.EnrollmentRepository
	lessonProgress *repository.LessonProgressRepository
	certificate    *repository.CertificateRepository
}

type services struct {
	storage        *service.StorageService
	document       *service.CertificateDocumentService
	enrollment     *service.EnrollmentService
	lessonProgress *service.LessonProgressService
	certificate    *service.CertificateService

	jobQueue   *queue.RedisQueue
	worker     *worker.CertificateWorker
	reconciler *worker.Reconciler
}

type controllers struct {
	enrollment     *controller.EnrollmentController
	lessonProgress *controller.LessonProgressController
	certificate    *controller.CertificateController
	health         *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:           repository.NewUserRepository(db),
		course:         repository.NewCourseRepository(db),
		enrollment:     repository.NewEnrollmentRepository(db),
		lessonProgress: repository.NewLessonProgressRepository(db),
		certificate:    repository.NewCertificateRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)

	var publisher service.CertificatePublisher
	if cfg.Certificate.DocumentEnabled {
		s.document = service.NewCertificateDocumentService(s.storage)
		publisher = s.document
	}

	var jobQueue service.CertificateJobQueue
	if rdb != nil {
		s.jobQueue = queue.New(rdb, cfg.Queue.Name, queue.Options{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     cfg.Queue.Backoff,
			PollTimeout: cfg.Queue.PollTimeout,
			Consumer:    QueueConsumer(cfg),
		})
		jobQueue = worker.NewCertificateQueue(s.jobQueue)
	}

	s.enrollment = service.NewEnrollmentService(repos.enrollment, repos.lessonProgress, repos.course, repos.user, db)
	s.certificate = service.NewCertificateService(repos.certificate, repos.enrollment, jobQueue, publisher, &cfg.Certificate)
	s.lessonProgress = service.NewLessonProgressService(repos.course, repos.enrollment, repos.lessonProgress, s.enrollment, s.certificate)

	if s.jobQueue != nil {
		s.worker = worker.NewCertificateWorker(s.jobQueue, s.certificate, cfg.Queue.Concurrency)
	}
	s.reconciler = worker.NewReconciler(repos.enrollment, s.certificate)

	return s
}

// QueueConsumer 队列消费者名，重启后保持不变；同一主机上的 HTTP 进程和 -worker 进程互不干扰
func QueueConsumer(cfg *config.Config) string {
	if cfg.Queue.Consumer != "" {
		return cfg.Queue.Consumer
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	role := "server"
	if cfg.WorkerOnly {
		role = "worker"
	}
	return host + "-" + role
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	var queueStats controller.QueueStatsProvider
	if s.jobQueue != nil {
		queueStats = s.jobQueue
	}
	return &controllers{
		enrollment:     controller.NewEnrollmentController(s.enrollment),
		lessonProgress: controller.NewLessonProgressController(s.lessonProgress),
		certificate:    controller.NewCertificateController(s.certificate, s.enrollment),
		health:         controller.NewHealthController(db, rdb, queueStats),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database, cfg.Server.Mode)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// release 模式默认不自动迁移，需要 -migrate 显式开启
	if cfg.Server.Mode != "release" || cfg.ForceMigrate {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	// Redis 不可用时降级为同步签发
	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Warn("Redis unavailable, certificates will be issued inline", zap.Error(err))
		rdb = nil
	}
	app.Redis = rdb

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, db, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("lms-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	// 热更新：日志级别、证书分页上限
	app.RegisterConfigCallback(func(newCfg *config.Config) {
		logger.SetMode(newCfg.Server.Mode)
		services.certificate.SetMaxPageSize(newCfg.Certificate.MaxPageSize)
		logger.Log.Info("Runtime config applied",
			zap.String("logLevel", logger.Level().String()),
			zap.Int("certificateMaxPageSize", services.certificate.MaxPageSize()))
	})

	return app
}

func (a *App) applyConfig(newCfg *config.Config) {
	for _, cb := range a.configCallbacks {
		cb(newCfg)
	}
}

// startBackground 启动证书队列消费者、补偿任务和配置监听
func (a *App) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	s := a.services

	if s.worker != nil && a.Config.Certificate.IssueMode == config.IssueModeQueue {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.worker.Run(ctx); err != nil {
				logger.Log.Error("Certificate worker exited", zap.Error(err))
			}
		}()
	}

	if err := s.reconciler.Start(a.Config.Certificate.ReconcileCron); err != nil {
		logger.Log.Error("Failed to start certificate reconciler", zap.Error(err))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := configwatcher.WatchConfig(ctx, configDir+"/config.yaml", a.applyConfig); err != nil {
			logger.Log.Warn("Config watcher disabled", zap.Error(err))
		}
	}()
}

func (a *App) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	a.startBackground(ctx, &wg)

	var srv *http.Server
	if a.Config.WorkerOnly {
		logger.Log.Info("Running in worker-only mode")
	} else {
		srv = &http.Server{
			Addr:    ":" + a.Config.Server.Port,
			Handler: a.Router,
		}

		// 启动服务器
		go func() {
			logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("listen failed", zap.Error(err))
				stop()
			}
		}()
	}

	// 等待中断信号优雅地关闭服务器（设置10秒的超时时间）
	<-ctx.Done()
	logger.Log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	a.services.reconciler.Stop(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Log.Warn("Background tasks did not stop in time")
	}

	a.Close()
	logger.Log.Info("Server exiting")
}

// Close 释放外部资源
func (a *App) Close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := database.CloseRedis(a.Redis); err != nil {
			logger.Log.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.DB != nil {
		if err := database.Close(a.DB); err != nil {
			logger.Log.Warn("Failed to close database", zap.Error(err))
		}
	}
	_ = logger.Log.Sync()
	_ = os.Stdout.Sync()
}
