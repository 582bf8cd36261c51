package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vbtix/internal/auth"
	"vbtix/internal/checkout"
	"vbtix/internal/config"
	"vbtix/internal/database/migrations"
	"vbtix/internal/delivery"
	"vbtix/internal/inventory"
	"vbtix/internal/logger"
	resdb "vbtix/internal/reservation/db"
	"vbtix/internal/settlement"
	settlementapi "vbtix/internal/settlement/api"
	"vbtix/internal/tickets/qr"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

func connectPostgres(dsn string, cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		if err = sqldb.Ping(); err == nil {
			break
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Settlement Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB := connectPostgres(cfg.Database.DSN, cfg.Database, log)
	defer bunDB.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))

	runner := migrations.NewRunner(bunDB, "./migrations", log)
	if err := runner.Up(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}

	checkout.InitStripe()

	var publisher settlement.DeliveryPublisher
	if cfg.Kafka.Enabled {
		if err := delivery.EnsureTopic(cfg.Kafka.Brokers, cfg.Kafka.DeliveryTopic); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := delivery.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.DeliveryTopic, log)
		defer producer.Close()
		publisher = producer
		log.Info("KAFKA", "Delivery producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, ticket delivery events will not be published")
	}

	cache := inventory.NewRedisCache(redisClient, 5*time.Second, log)
	ledger := inventory.NewLedger(bunDB, log, cache)

	svc := settlement.NewService(
		&settlement.Store{Bun: bunDB},
		ledger,
		&resdb.DB{Bun: bunDB},
		publisher,
		qr.NewQRGenerator(cfg.QRSecret),
		log,
	)

	handler := settlementapi.NewHandler(svc, cfg.Stripe.WebhookSecret, log)

	log.Info("HTTP", "Setting up router and middleware")
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhook/stripe", handler.StripeWebhook)
	router.GET("/api/payments/:reference", handler.GetPayment)
	log.Info("ROUTER", "Webhook and payment routes registered")

	if cfg.Auth.OIDCIssuer != "" {
		verifier, err := auth.NewVerifier(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("OIDC setup failed: %v", err))
		}
		admin := router.Group("/api/admin", verifier.GinMiddleware())
		admin.POST("/payments/:reference/verify", handler.VerifyManualPayment)
		log.Info("ROUTER", "Admin verification route registered under /api/admin")
	} else {
		log.Warn("AUTH", "OIDC_ISSUER not set, admin verification endpoint disabled")
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Settlement Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Settlement Service shutdown complete")
	}
}
