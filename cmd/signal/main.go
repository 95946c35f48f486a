package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"duet/internal/core/services"
	httphandlers "duet/internal/handlers/http"
	"duet/internal/infrastructure/middleware"
	"duet/internal/infrastructure/monitoring"
	repositories "duet/internal/infrastructure/repositories"
	"duet/internal/infrastructure/signal"
	"duet/pkg/config"
	"duet/pkg/logger"
	"duet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("DUET_CONFIG"); path != "" {
		return config.Load(path)
	}

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	// No file: defaults plus environment overrides.
	return config.Load("")
}

func main() {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}

	// Initialize logger
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp = &tracing.TracerProvider{}
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	// Initialize services
	authService, err := services.NewAuthService(ctx, cfg.Auth.JWTSecret, cfg.Session.TokenIdleTimeout, repoFactory.CreateUserStore(), log)
	if err != nil {
		log.Fatalw("failed to initialize auth service", "error", err)
	}
	registry, err := services.NewRoomRegistry(ctx, repoFactory.CreateRoomStore(), log)
	if err != nil {
		log.Fatalw("failed to initialize room registry", "error", err)
	}

	// Initialize monitoring
	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	creds := signal.NewCredentialsProvider(cfg.WebRTC.ICEServers, cfg.WebRTC.TURNSecret, cfg.WebRTC.TURNCredentialTTL)
	relay := signal.NewWebSocketServer(authService, registry, creds, signal.OptionsFromConfig(cfg), metrics, log)
	credLimiter := middleware.NewCredentialRateLimiter(cfg)

	sweeper := services.NewSweeper(authService, registry, services.SweeperConfig{
		Interval:        cfg.Session.SweepInterval,
		TokenIdle:       cfg.Session.TokenIdleTimeout,
		ParticipantIdle: cfg.Session.ParticipantIdleTimeout,
	}, log)
	sweeper.OnSweep(func(res services.SweepResult) {
		metrics.RecordSweep(res.Tokens, res.Participants)
		credLimiter.Prune()
	})
	go sweeper.Start(ctx)

	if metrics != nil {
		go func() {
			ticker := time.NewTicker(cfg.Monitoring.MetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.UpdateRegistry(registry.Stats())
					metrics.UpdateSessions(authService.ActiveSessions())
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck("store", repoFactory.HealthCheck, 2*time.Second)

	// Initialize HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, credLimiter.Middleware())
	roomHandler := httphandlers.NewRoomHandler(registry, authService, creds, log)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.MetricsMiddleware(metrics),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	authHandler.SetupRoutes(router)
	roomHandler.SetupRoutes(router)
	router.GET(cfg.Signal.Path, gin.WrapF(relay.HandleWebSocket))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": relay.ConnectionCount(),
		})
	})

	// Readiness reflects the backing store.
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		if !status.Healthy() {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			log.Infow("starting duet signaling server", "address", cfg.Server.Address, "tls", true)
			if err := srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
			return
		}
		log.Infow("starting duet signaling server", "address", cfg.Server.Address, "tls", false)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down duet signaling server")
	sweeper.Stop()
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked sockets are not tracked by srv.Shutdown.
	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("duet signaling server stopped")
}
