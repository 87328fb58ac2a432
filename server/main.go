package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/san-kum/stroke-risk/server/cache"
	"github.com/san-kum/stroke-risk/server/config"
	"github.com/san-kum/stroke-risk/server/handlers"
	"github.com/san-kum/stroke-risk/server/metrics"
	"github.com/san-kum/stroke-risk/server/middleware"
	"github.com/san-kum/stroke-risk/server/predictor"
	"github.com/san-kum/stroke-risk/server/processor"
	"github.com/san-kum/stroke-risk/server/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	service     *predictor.Service
	batch       *processor.BatchProcessor
	cache       cache.Cache
	registry    *registry.Store
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("model_version", server.service.Bundle().Version()),
			zap.String("backend", server.service.Bundle().Backend))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first so no batch is submitted to a closed queue.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close(cfg)
	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	var store *registry.Store
	if cfg.Model.Source == config.SourceRegistry {
		var err error
		store, err = registry.NewStore(cfg.Model.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open model registry: %w", err)
		}
	}

	loader := newModelLoader(cfg.Model, store, logger)
	bundle, err := loader(context.Background())
	if err != nil {
		logger.Error("Failed to load model", zap.Error(err))
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if bundle.Metadata.QuantilesDefaulted {
		logger.Warn("Model metadata has no glucose quantiles, using dataset defaults",
			zap.Any("quantiles", bundle.Metadata.GlucoseQuantiles))
	}

	var cacheInstance cache.Cache
	if cfg.Cache.Enabled {
		cacheInstance = cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.TTL, logger)
	}

	service := predictor.NewService(bundle, cacheInstance, cfg.Cache.TTL, logger)
	batch := processor.NewBatchProcessor(service, processor.BatchConfig{
		Workers:   cfg.Batch.Workers,
		QueueSize: cfg.Batch.QueueSize,
		MaxItems:  cfg.Batch.MaxItems,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(metrics.Instrument())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	predictHandler := handlers.NewPredictHandler(service, batch, cacheInstance, logger)
	adminHandler := handlers.NewAdminHandler(service, loader, cacheInstance, logger)
	wsHandler := handlers.NewWebSocketHandler(service, cfg.Security.AllowedOrigins, logger)

	server := &Server{
		router:      router,
		logger:      logger,
		service:     service,
		batch:       batch,
		cache:       cacheInstance,
		registry:    store,
		rateLimiter: rateLimiter,
		config:      cfg,
	}
	server.setupRoutes(predictHandler, adminHandler, wsHandler, authMiddleware)

	return server, nil
}

func (s *Server) setupRoutes(predict *handlers.PredictHandler, admin *handlers.AdminHandler, ws *handlers.WebSocketHandler, auth *middleware.AuthMiddleware) {
	health := middleware.HealthCheck(s.readiness)

	s.router.GET("/", predict.Home)
	s.router.GET("/health", health)
	s.router.GET("/metrics", middleware.IPAllowlist(s.config.Security.MetricsAllowedIPs), metrics.Handler())

	// Same contract as the original form client: POST /predict.
	s.router.POST("/predict", s.rateLimiter.RateLimit(), middleware.RequireJSON(), predict.Predict)

	s.router.GET("/ws", s.rateLimiter.RateLimit(), ws.HandleWebSocket)

	api := s.router.Group("/api/v1")
	{
		api.GET("/health", health)

		limited := api.Group("/")
		limited.Use(s.rateLimiter.RateLimit())
		{
			limited.POST("/predict", middleware.RequireJSON(), predict.Predict)
			limited.POST("/predict/batch",
				s.rateLimiter.RateLimitWithConfig(s.config.Security.BatchRateLimitRPS, s.config.Security.BatchRateLimitBurst),
				middleware.RequireJSON(),
				predict.PredictBatch)
			limited.GET("/model", predict.ModelInfo)
			limited.GET("/stats", predict.Stats)
		}

		adminGroup := api.Group("/admin")
		adminGroup.Use(auth.RequireAuth())
		adminGroup.Use(auth.RequireRole(middleware.RoleAdmin))
		{
			adminGroup.POST("/reload", admin.Reload)
			adminGroup.GET("/cache-stats", admin.CacheStats)
			adminGroup.GET("/stats", s.adminStats)
		}
	}
}

// adminStats is the public stats body plus rate limiter state.
func (s *Server) adminStats(c *gin.Context) {
	body := gin.H{
		"predictions": s.service.GetStats(),
		"batch_queue": s.batch.Stats(),
		"rate_limit":  s.rateLimiter.GetGlobalStats(),
	}
	if s.cache != nil {
		if stats, err := s.cache.GetStats(c.Request.Context()); err == nil {
			body["cache"] = stats
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) readiness() (bool, map[string]any) {
	bundle := s.service.Bundle()
	if bundle == nil {
		return false, map[string]any{"model_loaded": false}
	}
	return true, map[string]any{
		"model_loaded":  true,
		"model_version": bundle.Version(),
		"backend":       bundle.Backend,
	}
}

func (s *Server) Close(cfg *config.Config) {
	if err := s.batch.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		s.logger.Error("Failed to shutdown batch processor", zap.Error(err))
	}

	s.rateLimiter.Shutdown()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}

	if b := s.service.Bundle(); b != nil {
		if closer, ok := b.Scorer.(io.Closer); ok {
			closer.Close()
		}
	}

	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.logger.Error("Failed to close model registry", zap.Error(err))
		}
	}
}
