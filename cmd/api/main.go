// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/seek-forge/internal/api"
	"github.com/yourusername/seek-forge/internal/config"
	"github.com/yourusername/seek-forge/internal/jobs"
	"github.com/yourusername/seek-forge/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Configure(logging.Options{Console: true})
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.Configure(logging.Options{
		Level:   cfg.LogLevel,
		Console: cfg.GinMode != gin.ReleaseMode,
	})

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	deps, err := setupBackends(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect backends")
	}
	defer deps.Close()

	svc, err := setupJobs(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up job service")
	}

	// gin.Default() のロガーは zerolog の構造化ログに置き換える
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(logger))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"}
	// ブラウザからジョブIDを読んでキャンセルできるように公開
	corsConfig.ExposeHeaders = []string{"X-Job-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, svc, deps, logger)

	// SSE は長時間書き続けるので WriteTimeout は付けない
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// 実行中のワーカーを先に止め、ストリームを終端イベントで閉じさせる
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("some jobs did not stop in time")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "seek-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, svc *jobs.Service, deps *backends, logger zerolog.Logger) {
	router.GET("/health", handleHealth)

	handlers := api.NewHandlers(svc, deps.counter, logger)
	handlers.Register(router.Group("/api"))
}
