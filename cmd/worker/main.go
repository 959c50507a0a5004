package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hireloop/backend/config"
	"github.com/hireloop/backend/internal/artifacts"
	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/grading"
	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/internal/realtime"
	"github.com/hireloop/backend/internal/segments"
	"github.com/hireloop/backend/internal/sessions"
	"github.com/hireloop/backend/internal/worker"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer rdb.Close()
	jobs := queue.NewQueue(rdb.Client, logger)
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)

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
	}

	segStore, err := segments.NewStore(cfg.Recording.SegmentDir, logger)
	if err != nil {
		logger.Fatal("init segment store", zap.Error(err))
	}
	ffmpeg := media.NewFFmpeg(cfg.Recording.FFmpegPath, logger)

	sessionRepo := sessions.NewRepository(pool)
	artifactRepo := artifacts.NewRepository(pool)

	var uploader assembly.Uploader
	if s3 != nil {
		uploader = s3
	}
	svc := assembly.NewService(sessionRepo, artifactRepo, segStore, ffmpeg, uploader, cfg.Recording.WorkDir, logger)
	guard := assembly.NewGuard(sessionRepo, svc, logger)

	publish := func(event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		if err := pubsub.PublishEvent(event, data); err != nil {
			logger.Debug("event publish failed", zap.String("event", event), zap.Error(err))
		}
	}

	gradingEnabled := cfg.Providers.GradingURL != ""
	svc.SetArtifactHandler(func(art *models.Artifact) {
		publish(realtime.EventArtifactReady, art)
		if !gradingEnabled {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jobs.EnqueueGrading(ctx, queue.GradePayload{ArtifactID: art.ID, SessionID: art.SessionID}); err != nil {
			logger.Error("enqueue grading failed", zap.Error(err), zap.String("artifact_id", art.ID.String()))
		}
	})

	var grader grading.Provider
	if gradingEnabled {
		grader = grading.NewHTTPProvider(cfg.Providers.GradingURL, cfg.Providers.APIKey,
			time.Duration(cfg.Providers.TimeoutSec)*time.Second, logger)
	}

	processor := worker.NewProcessor(guard, artifactRepo, sessionRepo, grader, jobs, logger)
	processor.SetNotify(publish)

	sweeper := worker.NewSweeper(segStore, sessionRepo, guard,
		time.Duration(cfg.Sweep.IntervalSec)*time.Second,
		time.Duration(cfg.Sweep.InactivitySec)*time.Second, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	logger.Info("worker started")

	<-ctx.Done()
	wg.Wait()
	logger.Info("worker stopped")
}
