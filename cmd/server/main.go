package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nolood/review-bot-sub000/internal/config"
	"github.com/nolood/review-bot-sub000/internal/dedup"
	"github.com/nolood/review-bot-sub000/internal/forge"
	"github.com/nolood/review-bot-sub000/internal/llm"
	"github.com/nolood/review-bot-sub000/internal/orchestrator"
	"github.com/nolood/review-bot-sub000/internal/retry"
	"github.com/nolood/review-bot-sub000/internal/supervisor"
	"github.com/nolood/review-bot-sub000/internal/webhook"
)

func main() {
	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	retryPolicy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxRetries,
		BaseDelay:   cfg.Retry.Delay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Factor:      cfg.Retry.BackoffFactor,
	}

	forgeClient := forge.New(cfg.Forge.APIURL, cfg.Forge.Token, cfg.Scheduling.GitlabTimeout, retryPolicy)
	llmClient := llm.New(cfg.LLM.APIURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.Scheduling.GLMTimeout, retryPolicy)

	commitTracker := dedup.NewCommitTracker(cfg.Dedup.CommitTTL)
	commentTracker := dedup.NewCommentTracker(forgeClient, cfg.Dedup.BotUsername)

	review := orchestrator.New(forgeClient, llmClient, commitTracker, commentTracker, cfg)

	taskSupervisor := supervisor.New(review, commitTracker, supervisor.Options{
		MaxConcurrentReviews: cfg.Scheduling.MaxConcurrentReviews,
		ReviewTimeout:        cfg.Scheduling.ReviewTimeout,
	})

	dispatcher := webhook.New(cfg, forgeClient, taskSupervisor)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", dispatcher.ServeWebhook)
	mux.HandleFunc("/reviews", dispatcher.ServeManualTrigger)
	mux.HandleFunc("/reviews/", dispatcher.ServeTaskStatus)
	mux.HandleFunc("/status", dispatcher.ServeStatus)
	mux.HandleFunc("/health", dispatcher.ServeHealth)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown forced", "error", err)
	}

	slog.Info("waiting for in-flight reviews")
	taskSupervisor.Shutdown(30 * time.Second)

	slog.Info("server stopped")
}

// setupLogger mirrors the teacher's multi-output slog setup: stdout,
// stderr, and/or a lumberjack-rotated file, any combination via a
// comma-separated LOG_OUTPUT.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer

	for _, output := range strings.Split(cfg.Log.Output, ",") {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}
		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    cfg.Log.Rotation.MaxSize,
				MaxBackups: cfg.Log.Rotation.MaxBackups,
				MaxAge:     cfg.Log.Rotation.MaxAge,
				Compress:   cfg.Log.Rotation.Compress,
			}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), opts)
	} else {
		handler = slog.NewTextHandler(io.MultiWriter(writers...), opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	return slog.New(handler), cleanup
}
