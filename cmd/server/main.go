// Package main runs the training portal HTTP server with WebSocket push and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trainhub/portal/config"
	"github.com/trainhub/portal/internal/assessments"
	"github.com/trainhub/portal/internal/attempts"
	"github.com/trainhub/portal/internal/auth"
	"github.com/trainhub/portal/internal/middleware"
	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/internal/realtime"
	"github.com/trainhub/portal/pkg/database"
	"github.com/trainhub/portal/pkg/redis"
	"github.com/trainhub/portal/pkg/response"
	"github.com/trainhub/portal/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var images attempts.ImageSigner
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, cfg.AWS, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			images = s3Client
		}
	}

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, tokens, logger)

	// Catalog
	assessmentRepo := assessments.NewRepository(pool)
	assessmentHandler := assessments.NewHandler(assessmentRepo, logger)

	// Attempts
	attemptRepo := attempts.NewRepository(pool)
	resultCache := attempts.NewRedisResultCache(rdb.Client, cfg.Exam.ResultCacheTTL)
	attemptSvc := attempts.NewService(attemptRepo, assessmentRepo, resultCache, hub, images, logger)
	attemptSvc.SetLateGrace(cfg.Exam.LateSubmitGrace)
	attemptHandler := attempts.NewHandler(attemptSvc, logger)

	wsValidate := func(token string) (uuid.UUID, error) {
		claims, err := tokens.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(tokens))
	{
		api.GET("/auth/me", authHandler.Me)

		taker := api.Group("", middleware.RequireRole(models.RoleTrainee))
		taker.GET("/assessments", assessmentHandler.List)
		taker.POST("/assessments/:id/start", attemptHandler.Start)
		taker.POST("/attempts/:id/finalize", attemptHandler.Finalize)
		taker.GET("/attempts/:id/result", attemptHandler.Result)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, wsValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
