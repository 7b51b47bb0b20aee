package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tablecam/native/internal/config"
	"tablecam/native/internal/handlers"
	"tablecam/native/internal/middleware"
	"tablecam/native/internal/redis"
	"tablecam/native/internal/signal"
)

func main() {
	// Load configuration
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "signalstore: %v\n", err)
		os.Exit(1)
	}

	lf := config.LoggerFactory(cfg.LogLevel)
	log := lf.NewLogger("main")

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("Redis connection established")

	store := signal.NewRedisStore(signal.RedisStoreConfig{Client: rdb, LoggerFactory: lf})

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", handlers.Health)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/store", middleware.JWTAuth(cfg.JWTSecret), handlers.NewStoreServer(store, lf).Handle)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Starting signal store server on port %s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
