package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hireloop/backend/config"
	"github.com/hireloop/backend/internal/artifacts"
	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/auth"
	"github.com/hireloop/backend/internal/ingest"
	"github.com/hireloop/backend/internal/middleware"
	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/internal/questions"
	"github.com/hireloop/backend/internal/realtime"
	"github.com/hireloop/backend/internal/segments"
	"github.com/hireloop/backend/internal/sessions"
	"github.com/hireloop/backend/pkg/database"
	"github.com/hireloop/backend/pkg/media"
	"github.com/hireloop/backend/pkg/queue"
	"github.com/hireloop/backend/pkg/redis"
	"github.com/hireloop/backend/pkg/storage"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer rdb.Close()
	jobs := queue.NewQueue(rdb.Client, logger)

	var s3 *storage.S3
	if cfg.AWS.Region != "" {
		s3, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArtifactsBucket:      cfg.AWS.ArtifactsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("init s3", zap.Error(err))
		}
	} else {
		logger.Warn("AWS_REGION not set, artifacts stay on local disk")
	}

	segStore, err := segments.NewStore(cfg.Recording.SegmentDir, logger)
	if err != nil {
		logger.Fatal("init segment store", zap.Error(err))
	}
	ffmpeg := media.NewFFmpeg(cfg.Recording.FFmpegPath, logger)

	sessionRepo := sessions.NewRepository(pool)
	artifactRepo := artifacts.NewRepository(pool)
	userRepo := auth.NewRepository(pool)

	var uploader assembly.Uploader
	if s3 != nil {
		uploader = s3
	}
	svc := assembly.NewService(sessionRepo, artifactRepo, segStore, ffmpeg, uploader, cfg.Recording.WorkDir, logger)
	guard := assembly.NewGuard(sessionRepo, svc, logger)

	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, pubsub, pubsub)
	defer hub.Close()

	gradingEnabled := cfg.Providers.GradingURL != ""
	svc.SetArtifactHandler(func(art *models.Artifact) {
		hub.Publish(realtime.EventArtifactReady, art)
		if !gradingEnabled {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jobs.EnqueueGrading(ctx, queue.GradePayload{ArtifactID: art.ID, SessionID: art.SessionID}); err != nil {
			logger.Error("enqueue grading failed", zap.Error(err), zap.String("artifact_id", art.ID.String()))
		}
	})

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(userRepo, jwtService, logger)

	ingestHandler := ingest.NewHandler(sessionRepo, segStore, guard, svc, jobs, cfg.Server.MaxSegmentBytes, logger)

	var questionProvider questions.Provider
	if cfg.Providers.QuestionURL != "" {
		questionProvider = questions.NewHTTPProvider(cfg.Providers.QuestionURL, cfg.Providers.APIKey,
			time.Duration(cfg.Providers.TimeoutSec)*time.Second, logger)
	}
	questionHandler := questions.NewHandler(questionProvider, logger)

	var presign func(ctx context.Context, key string) (string, error)
	if s3 != nil {
		presign = func(ctx context.Context, key string) (string, error) {
			return s3.GeneratePresignedDownloadURL(ctx, key, s3.PresignExpire())
		}
	}
	adminHandler := sessions.NewHandler(sessionRepo, artifactRepo, presign, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Logger(logger), gin.Recovery(), middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.MaxMultipartMemory = 8 << 20

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/login", authHandler.Login)

	api := router.Group("/api")
	{
		api.POST("/segments", ingestHandler.UploadSegment)
		api.POST("/recordings", ingestHandler.UploadFinal)
		api.POST("/sessions/finalize", ingestHandler.Finalize)
		api.GET("/sessions/beacon", ingestHandler.Beacon)
		api.POST("/sessions/beacon", ingestHandler.Beacon)
		api.POST("/questions/generate", questionHandler.Generate)

		admin := api.Group("/admin", middleware.JWT(jwtService), middleware.RequireRole("admin"))
		{
			admin.GET("/sessions", adminHandler.List)
			admin.GET("/sessions/:id", adminHandler.Get)
			admin.GET("/artifacts/:id/download", adminHandler.Download)
		}
	}

	router.GET("/ws", realtime.ServeWs(hub, logger, func(token string) (string, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
