package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/internal/config"
	"github.com/noah-isme/telecare-go-api/internal/database"
	"github.com/noah-isme/telecare-go-api/internal/handler"
	"github.com/noah-isme/telecare-go-api/internal/middleware"
	"github.com/noah-isme/telecare-go-api/internal/repository"
	"github.com/noah-isme/telecare-go-api/internal/router"
	"github.com/noah-isme/telecare-go-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis not configured, realtime state is kept in memory on this node")
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	notificationRepo := repository.NewNotificationRepository(db)
	callRepo := repository.NewCallRepository(db)

	realtimeService, err := service.NewRealtimeService(service.RealtimeOptions{
		Redis:        redisClient,
		NATS:         natsConn,
		ChannelBase:  cfg.RealtimeChannelBase,
		PingInterval: cfg.PingInterval,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create realtime gateway: %v", err)
	}

	notificationService := service.NewNotificationService(notificationRepo, realtimeService, service.NotificationOptions{
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.RealtimeChannelBase,
	}, validate, logger)
	callService := service.NewCallService(callRepo, notificationService, realtimeService, validate, cfg.RingTimeout, logger)
	realtimeService.AttachCalls(callService)

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	realtimeService.Start(runCtx)
	notificationService.Start(runCtx)
	go callService.RunExpiry(runCtx, cfg.RingTimeout/4)

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return natsConn.LastError()
			}
			return nil
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	var limiterStorage fiber.Storage
	if redisClient != nil {
		limiterStorage = middleware.NewRedisStorage(redisClient, cfg.RealtimeChannelBase+":ratelimit:")
	}

	middleware.Register(app, middleware.Config{Logger: &logger, AllowedOrigins: cfg.AllowedOrigins})
	router.Register(app, cfg, router.Dependencies{
		NotificationHandler: handler.NewNotificationHandler(notificationService, validate, logger, cfg.NotificationKeepAlive),
		CallHandler:         handler.NewCallHandler(callService, cfg.STUNServers, logger),
		RealtimeHandler:     handler.NewRealtimeHandler(realtimeService, cfg.JWTSecret, logger),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		HealthProbes:        probes,
		RateLimitStorage:    limiterStorage,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopBackground)
}

func waitForShutdown(app *fiber.App, stopBackground context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
