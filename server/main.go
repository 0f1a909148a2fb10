package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/alert"
	"github.com/san-kum/knife-guard/server/cache"
	"github.com/san-kum/knife-guard/server/capture"
	"github.com/san-kum/knife-guard/server/config"
	"github.com/san-kum/knife-guard/server/handlers"
	"github.com/san-kum/knife-guard/server/inference"
	"github.com/san-kum/knife-guard/server/logging"
	"github.com/san-kum/knife-guard/server/metrics"
	"github.com/san-kum/knife-guard/server/middleware"
	"github.com/san-kum/knife-guard/server/stream"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	manager     *stream.Manager
	client      *inference.Client
	cache       cache.Cache
	captures    *capture.Queue
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	cfg := config.LoadConfig()

	logger, err := logging.New(cfg.Logging)
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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	server, err := NewServer(ctx, cfg, logger)
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
			zap.String("environment", cfg.Server.Environment))

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
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()
	logger.Info("Server exited")
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	clk := clock.New()
	m := metrics.New()

	sound, err := alert.LoadSound(cfg.Alert.SoundPath, cfg.Alert.ToneDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare alert sound: %w", err)
	}

	store, err := capture.NewDiskStore(cfg.Capture.Dir, cfg.Capture.JPEGQuality, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture store: %w", err)
	}
	captures := capture.NewQueue(store, cfg.Capture.QueueSize, cfg.Capture.Workers, logger)
	logger.Info("Capture store ready",
		zap.String("dir", store.Dir()),
		zap.Int("workers", cfg.Capture.Workers))

	s := &Server{
		logger:   logger,
		captures: captures,
		config:   cfg,
	}

	deps := stream.Deps{
		Notifier: alert.NewAlerter(clk, cfg.Alert.Display, logger),
		Captures: captures,
		Metrics:  m,
		Clock:    clk,
		Logger:   logger,
	}
	if cfg.Capture.RemoveEvicted {
		deps.Remover = store
	}

	// Without an inference backend clients must send the model output.
	var ready func() bool
	if cfg.Inference.BaseURL != "" {
		s.client = inference.NewClient(cfg.Inference.BaseURL, &inference.ClientConfig{
			Timeout:             cfg.Inference.Timeout,
			MaxRetries:          cfg.Inference.MaxRetries,
			RetryDelay:          cfg.Inference.RetryDelay,
			HealthCheckInterval: cfg.Inference.HealthCheckInterval,
			InputSide:           int(cfg.Detection.ModelInputSide),
		}, logger)
		go s.client.StartHealthChecker(ctx)
		go func() {
			info, err := s.client.GetModelInfo(ctx)
			if err != nil {
				logger.Warn("Could not read model info", zap.Error(err))
				return
			}
			logger.Info("Inference backend", zap.Any("model", info))
		}()
		ready = s.client.Healthy

		var engine inference.Engine = s.client
		if cfg.Inference.CacheSize > 0 {
			s.cache = cache.NewMemoryCache(cfg.Inference.CacheSize, cfg.Inference.CacheTTL, clk, logger)
			engine = inference.NewCachingEngine(s.client, s.cache, logger)
		}
		deps.Engine = engine
	}

	hub := handlers.NewHub(m, logger)
	deps.Observer = hub
	s.manager = stream.NewManager(cfg.Processor(), cfg.Session(), cfg.Stream.MaxStreams, deps)

	s.rateLimiter = middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	handlers.SetupRoutes(router, handlers.Routes{
		WebSocket:      handlers.NewWebSocketHandler(s.manager, hub, cfg.Security.AllowedOrigins, cfg.Stream.MaxFrameBytes, logger),
		Streams:        handlers.NewStreamHandler(s.manager, sound, captures, s.cache, logger),
		Metrics:        m.Handler(),
		Auth:           authMiddleware,
		RateLimiter:    s.rateLimiter,
		RequestTimeout: cfg.Security.RequestTimeout,
		Ready:          ready,
		StaticDir:      cfg.Server.StaticDir,
	})
	s.router = router

	return s, nil
}

// Close releases background workers once the HTTP server has stopped.
func (s *Server) Close() {
	if err := s.captures.Shutdown(10 * time.Second); err != nil {
		s.logger.Error("Failed to drain capture queue", zap.Error(err))
	}

	s.logger.Info("Rate limiter stopped", zap.Any("stats", s.rateLimiter.GetGlobalStats()))
	s.rateLimiter.Shutdown()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}
}
