// The agent records one interview session on the candidate's machine:
// screen plus camera picture-in-picture with microphone audio, streamed to
// the ingest API as timed segments and closed out through the finalize
// ladder.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hireloop/backend/config"
	"github.com/hireloop/backend/internal/capture"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	var (
		name        = flag.String("name", "", "candidate name (required)")
		email       = flag.String("email", "", "candidate email")
		country     = flag.String("country", "", "candidate country")
		phone       = flag.String("phone", "", "candidate phone")
		source      = flag.String("source", "", "application source")
		stack       = flag.String("stack", "", "tech stack being interviewed for")
		interviewID = flag.String("interview", "", "interview id")
	)
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "usage: agent -name <candidate> [-email ...] [-stack ...]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta := capture.Metadata{
		SessionID:   capture.SessionID(*name, time.Now()),
		Name:        *name,
		Email:       *email,
		Country:     *country,
		Phone:       *phone,
		Source:      *source,
		Stack:       *stack,
		InterviewID: *interviewID,
	}

	client := capture.NewClient(cfg.Agent.ServerURL, 60*time.Second, logger)
	camera := &capture.V4L2Camera{Device: cfg.Agent.CameraDevice}
	mic := &capture.AlsaMic{Device: cfg.Agent.AudioDevice}
	picker := &capture.X11Screen{Display: cfg.Agent.ScreenDisplay}
	composer := capture.NewComposer(cfg.Recording.FFmpegPath, camera, mic, picker, logger)

	ctrl := capture.NewController(client, capture.ComposerStarter(composer),
		capture.FFmpegProber{Bin: cfg.Recording.FFmpegPath}, meta,
		capture.ControllerConfig{
			Slice:       time.Duration(cfg.Agent.SliceMillis) * time.Millisecond,
			MaxDuration: time.Duration(cfg.Agent.MaxDurationSec) * time.Second,
			LockFile:    cfg.Agent.LockFile,
		}, logger)

	if qs := fetchQuestions(ctx, cfg, *stack, logger); len(qs) > 0 {
		ctrl.SetQuestions(qs)
	}

	if err := ctrl.Start(ctx); err != nil {
		switch {
		case errors.Is(err, capture.ErrSessionLocked):
			logger.Fatal("a session already completed on this machine")
		case errors.Is(err, capture.ErrPermissionDenied):
			logger.Fatal("camera or microphone unavailable", zap.String("camera", cfg.Agent.CameraDevice))
		case errors.Is(err, capture.ErrScreenShareRejected):
			logger.Fatal("full-screen share is required to record")
		default:
			logger.Fatal("start recording", zap.Error(err))
		}
	}
	logger.Info("recording", zap.String("session_id", meta.SessionID),
		zap.Int("max_duration_sec", cfg.Agent.MaxDurationSec))

	select {
	case <-ctx.Done():
		// Interrupt is a deliberate stop; give delivery its own context.
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := ctrl.Stop(stopCtx, "signal"); err != nil {
			logger.Error("stop failed", zap.Error(err))
			ctrl.Unload()
			os.Exit(1)
		}
	case <-ctrl.Finished():
	}
	logger.Info("done", zap.String("state", string(ctrl.State())))
}

// fetchQuestions asks the server to generate the interview question set.
// Failure is non-fatal: the session records without questions attached.
func fetchQuestions(ctx context.Context, cfg *config.Config, stack string, logger *zap.Logger) []string {
	body, _ := json.Marshal(map[string]interface{}{"count": 5, "stack": stack})
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		cfg.Agent.ServerURL+"/api/questions/generate", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("question fetch failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("question fetch status", zap.Int("status", resp.StatusCode))
		return nil
	}
	var out struct {
		Data struct {
			Questions []string `json:"questions"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out.Data.Questions
}
