package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/config"
	"github.com/bitfantasy/nimo-pm/internal/middleware"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/handler"
	"github.com/bitfantasy/nimo-pm/internal/pm/repository"
	"github.com/bitfantasy/nimo-pm/internal/pm/service"
	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/bitfantasy/nimo-pm/internal/shared/dedup"
	"github.com/bitfantasy/nimo-pm/internal/shared/feishu"
	"github.com/bitfantasy/nimo-pm/internal/shared/mq"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 已通过但里程碑未同步的审批补偿间隔
const reconcileInterval = 5 * time.Minute

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-pm service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&entity.User{},
		&entity.Role{},
		&entity.UserRole{},
		&entity.Phase{},
		&entity.Milestone{},
		&entity.MilestoneApproval{},
	); err != nil {
		zapLogger.Fatal("AutoMigrate failed", zap.Error(err))
	}
	// 每个里程碑最多一个未结束的激活审批
	if err := db.Exec(repository.ActiveApprovalIndexSQL).Error; err != nil {
		zapLogger.Fatal("Failed to create active approval index", zap.Error(err))
	}

	templates, err := service.LoadTemplates(cfg.Approval.TemplatesPath)
	if err != nil {
		zapLogger.Fatal("Failed to load approval templates", zap.Error(err))
	}
	zapLogger.Info("Approval templates loaded", zap.Int("count", len(templates.List())))

	hub := sse.GlobalHub
	repos := repository.NewRepositories(db)
	services := service.NewServices(repos, hub, templates, cfg, zapLogger)

	// 通知渠道：SSE 总是开启，飞书/RabbitMQ 按配置挂载
	notifier := service.NewMultiNotifier(zapLogger).Add("sse", service.NewSSENotifier(hub))
	if cfg.Feishu.AppID != "" && cfg.Feishu.AppSecret != "" {
		fc := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret, cfg.Feishu.BaseURL)
		notifier.Add("feishu", service.NewFeishuNotifier(fc, repos.User, cfg.Server.PublicURL))
		zapLogger.Info("Feishu notifications enabled")
	}
	if url := cfg.RabbitMQ.URL(); url != "" {
		pub, err := mq.NewPublisher(url, cfg.RabbitMQ.Exchange)
		if err != nil {
			zapLogger.Warn("RabbitMQ unavailable, domain events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			notifier.Add("mq", service.NewMQNotifier(pub))
		}
	}
	services.Approval.SetNotifier(notifier)

	var rdb *redis.Client
	if cfg.Redis.Addr() != "" {
		rdb = initRedis(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis unavailable, notification dedup degraded", zap.Error(err))
		}
		cancel()
		defer rdb.Close()
	}
	services.Approval.SetDeduper(dedup.NewDeduper(rdb, cfg.Approval.NotifyDedupTTL))

	minioClient, err := service.NewMinioClient(cfg.MinIO)
	if err != nil {
		zapLogger.Warn("MinIO client init failed, archive disabled", zap.Error(err))
	} else if minioClient != nil {
		archiver := service.NewMinioArchiver(minioClient, cfg.MinIO.Bucket, cfg.Approval.ArchivePrefix)
		bucketCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := archiver.EnsureBucket(bucketCtx); err != nil {
			zapLogger.Warn("MinIO bucket unavailable, archive disabled", zap.Error(err))
		} else {
			services.Approval.SetArchiver(archiver)
		}
		cancel()
	}

	zapLogger.Info("Notification channels", zap.Strings("channels", notifier.Channels()))

	handlers := handler.NewHandlers(services, hub)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.Metrics())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/sse"})))

	registerRoutes(router, handlers, db, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE 长连接
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go reconcileLoop(bgCtx, services.Approval, zapLogger)

	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

// reconcileLoop 启动时和之后每隔一段时间补偿里程碑同步
func reconcileLoop(ctx context.Context, svc *service.ApprovalService, zapLogger *zap.Logger) {
	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := svc.ReconcileUnsynced(runCtx)
		if n > 0 || err != nil {
			zapLogger.Info("Milestone sync reconciled", zap.Int("synced", n), zap.Error(err))
		}
	}

	run()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, db *gorm.DB, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 40400, "message": "Not found"})
	})

	v1 := r.Group("/api/v1", middleware.JWTAuth(cfg.JWT.Secret))
	h.RegisterRoutes(v1)
}
