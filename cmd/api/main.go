package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/analytics"
	"github.com/ballot-guide/backend/internal/api/handlers"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/internal/cache/redis"
	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/districts"
	"github.com/ballot-guide/backend/internal/feedback"
	"github.com/ballot-guide/backend/internal/guide"
	"github.com/ballot-guide/backend/internal/llm"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/internal/middleware/ratelimit"
	"github.com/ballot-guide/backend/internal/middleware/security"
	"github.com/ballot-guide/backend/internal/middleware/validation"
	"github.com/ballot-guide/backend/internal/storage/sqlite"
	"github.com/ballot-guide/backend/pkg/config"
	appLogger "github.com/ballot-guide/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ballot guide API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	// Redis is optional. Without it fingerprints come from SQLite and the
	// analytics limiter is per process.
	var (
		fingerprintCache ballotstore.FingerprintCache
		limiter          analytics.Limiter = ratelimit.NewFixedWindow()
		redisClient      *redis.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without it", zap.Error(err))
		} else {
			defer redisClient.Close()
			fingerprintCache = redisClient
			limiter = redisClient
		}
	}

	store := ballotstore.New(sqliteClient, fingerprintCache)

	var resolver districts.Resolver
	if cfg.Districts.ResolverURL != "" {
		httpResolver, err := districts.NewHTTPResolver(
			cfg.Districts.ResolverURL,
			time.Duration(cfg.Districts.TimeoutSec)*time.Second,
			cfg.Districts.CacheSize,
		)
		if err != nil {
			appLogger.Fatal("Failed to create district resolver", zap.Error(err))
		}
		resolver = httpResolver
	}

	llmClient := llm.NewClient(cfg.LLM)
	generator := llm.NewGenerator(llmClient)

	orchestrator := guide.NewOrchestrator(store, generator, resolver, sqliteClient, guide.Config{
		RaceConcurrency: cfg.Guide.RaceConcurrency,
	})

	sideQueue := dispatch.NewQueue("side", cfg.Analytics.QueueSize, cfg.Analytics.QueueWorkers, 5*time.Second)
	feedbackService := feedback.NewService(sqliteClient, sideQueue)
	intake := analytics.NewIntake(limiter, sqliteClient, sideQueue, cfg.Analytics.MaxEvents, cfg.Analytics.Window())

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer rateLimiter.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	allowOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, If-None-Match",
		AllowMethods:  "GET, POST, PUT, OPTIONS",
		ExposeHeaders: "ETag, " + handlers.CountyAvailableHeader,
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment,
	}))

	guideCfg := handlers.GuideHandlerConfig{
		GenerationTimeout:   cfg.Guide.GenerationTimeout(),
		PersistOnDisconnect: cfg.Guide.PersistOnDisconnect,
	}
	set := handlers.Set{
		Guide:     handlers.NewGuideHandler(orchestrator, store, guideCfg),
		Ballot:    handlers.NewBallotHandler(store, cfg.Server.AdminToken),
		Feedback:  handlers.NewFeedbackHandler(feedbackService, intake),
		WebSocket: handlers.NewWebSocketHandler(orchestrator, guideCfg),
	}
	set.Register(app,
		rateLimiter.Middleware(),
		validation.Middleware(validation.Config{Logger: appLogger.Named("validation")}),
	)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/api/v1/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := sqliteClient.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  "database unreachable",
			})
		}
		status := fiber.Map{"status": "ready", "redis": "disabled"}
		if redisClient != nil {
			status["redis"] = "ok"
			if err := redisClient.Ping(ctx); err != nil {
				status["redis"] = "degraded"
			}
		}
		return c.JSON(status)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sideQueue.Close(ctx); err != nil {
		appLogger.Warn("Side queue did not drain", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
