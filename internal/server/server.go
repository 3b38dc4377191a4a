// Package server wires the HTTP surface: the websocket endpoint, health
// check, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"beacon/internal/backup"
	"beacon/internal/cache"
	"beacon/internal/config"
	"beacon/internal/database"
	"beacon/internal/identity"
	"beacon/internal/middleware"
	"beacon/internal/observability"
	"beacon/internal/presence"
	"beacon/internal/repository"
	"beacon/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config  *config.Config
	db      *gorm.DB
	redis   *redis.Client
	cache   *cache.Store
	limiter *middleware.Limiter
	broker  *presence.Broker
	backups *backup.Scheduler
	logger  *slog.Logger
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	redisClient := cache.Connect(cfg.RedisURL)
	cacheStore := cache.NewStore(redisClient)
	limiter := middleware.NewLimiter(redisClient)

	userRepo := repository.NewUserRepository(db)
	relRepo := repository.NewRelationshipRepository(db)
	friendRepo := repository.NewCloseFriendRepository(db)
	connRepo := repository.NewConnectionRepository(db)
	prefRepo := repository.NewPreferenceRepository(db)
	aliasRepo := repository.NewAliasRepository(db)
	inviteRepo := repository.NewInviteRepository(db)
	chatRepo := repository.NewChatRepository(db)

	chatSvc := service.NewChatService(chatRepo, userRepo)
	inviteSvc := service.NewInviteService(inviteRepo, connRepo, cacheStore)

	broker := presence.NewBroker(
		presence.Options{
			FanoutMode:  cfg.FanoutMode,
			ResumeTTL:   time.Duration(cfg.ResumeTTL) * time.Second,
			PresenceTTL: time.Duration(cfg.PresenceTTL) * time.Second,
			ContactTTL:  time.Duration(cfg.ContactCacheTTL) * time.Second,
		},
		presence.Stores{
			Users:         userRepo,
			Relationships: relRepo,
			CloseFriends:  friendRepo,
			Connections:   connRepo,
			Preferences:   prefRepo,
			Aliases:       aliasRepo,
		},
		cacheStore,
		identity.NewResolver(cfg.IdentityAPIBase),
		limiter,
		chatSvc,
		inviteSvc,
	)

	return &Server{
		config:  cfg,
		db:      db,
		redis:   redisClient,
		cache:   cacheStore,
		limiter: limiter,
		broker:  broker,
		backups: backup.NewScheduler(cfg),
		logger:  observability.Logger,
	}, nil
}

// Broker exposes the presence broker, mainly for tests.
func (s *Server) Broker() *presence.Broker {
	return s.broker
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(requestid.New())
	app.Use(helmet.New())

	prom := fiberprometheus.New("beacon")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		MaxAge:       86400,
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.HealthCheck)

	ws := app.Group("/ws", middleware.ConnectionGate(s.limiter))
	ws.Get("/", s.WebsocketHandler())
}

// HealthCheck handles health check requests
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"message": "Beacon",
		"status":  "healthy",
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// Start launches the background machinery: the broker's loops and the
// backup scheduler. The HTTP listener itself is the caller's concern.
func (s *Server) Start(ctx context.Context) error {
	if err := s.broker.Start(ctx); err != nil {
		return fmt.Errorf("broker start failed: %w", err)
	}
	s.backups.Start()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.broker.Stop(ctx)
	s.backups.Stop()
	s.limiter.Stop()
	s.cache.Stop()

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			s.logger.Warn("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			s.logger.Warn("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
