package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	relay "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("PEERLINK_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	configPaths := []string{
		"configs/config.yaml",
		"/etc/peerlink/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	// defaults plus env overrides
	cfg, err := config.Load("")
	return cfg, "", err
}

func relayConfig(cfg *config.Config) relay.ServerConfig {
	sc := relay.DefaultServerConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.WriteTimeout = cfg.Signal.WriteTimeout
	sc.RoomCapacity = cfg.Signal.RoomCapacity
	sc.AllowedOrigins = cfg.Signal.AllowedOrigins
	sc.MaxMessageBytes = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return sc
}

func main() {
	startTime := time.Now()

	cfg, path, err := loadConfig()
	zapLogger := logger.New("info")
	if err == nil {
		zapLogger = logger.New(cfg.Logging.Level)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Fatalw("failed to load configuration", "path", path, "error", err)
	}
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(nil)
	health := monitoring.NewHealthChecker()

	var authority *relay.TokenAuthority
	if cfg.Auth.JWTSecret != "" {
		authority = relay.NewTokenAuthority(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}
	sc := relayConfig(cfg)
	if cfg.Auth.Required {
		sc.Authority = authority
	}
	server := relay.NewServer(sc, collector, log)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		health.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger), "/health", "/ready", "/metrics"),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/ws", gin.WrapF(server.HandleWebSocket))

	var issuer httphandlers.TokenIssuer
	if authority != nil {
		issuer = authority
	}
	httphandlers.NewRoomHandler(issuer, server).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"rooms":     server.RoomCount(),
			"peers":     server.PeerCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	health.StartBackgroundChecks(bgCtx)

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting peerlink signaling relay", "address", cfg.Signal.Address, "auth_required", cfg.Auth.Required)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// hijacked websocket connections are not tracked by Shutdown
	server.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("peerlink signaling relay stopped")
}
