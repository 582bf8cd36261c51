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

	"vbtix/internal/api"
	"vbtix/internal/checkout"
	"vbtix/internal/config"
	"vbtix/internal/database/migrations"
	"vbtix/internal/inventory"
	"vbtix/internal/logger"
	"vbtix/internal/reservation"
	resdb "vbtix/internal/reservation/db"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func connectPostgres(dsn string, cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
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

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, addr string, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", addr))
	return client
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Reservation Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB := connectPostgres(cfg.Database.DSN, cfg.Database, log)
	defer bunDB.Close()

	redisClient := connectRedis(ctx, cfg.Redis.Addr, log)
	defer redisClient.Close()

	runner := migrations.NewRunner(bunDB, "./migrations", log)
	if err := runner.Up(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}

	checkout.InitStripe()

	cache := inventory.NewRedisCache(redisClient, 5*time.Second, log)
	ledger := inventory.NewLedger(bunDB, log, cache)

	reservationDB := &resdb.DB{Bun: bunDB}
	reservations := reservation.NewService(reservationDB, ledger, log, cfg.Reservation.DefaultTTL, cfg.Reservation.MaxTTL)

	checkoutStore := &checkout.Store{Bun: bunDB}
	provider := checkout.NewStripeProvider(cfg.Stripe.Currency, log)
	checkouts := checkout.NewService(checkoutStore, ledger, reservations, provider, log)

	handler := api.NewHandler(reservations, checkouts, ledger, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", handler.CreateReservation)
			r.Get("/", handler.ListReservations)
			r.Get("/{reservationId}", handler.GetReservation)
			r.Post("/{reservationId}/activate", handler.ActivateReservation)
			r.Delete("/{reservationId}", handler.CancelReservation)
		})
		log.Info("ROUTER", "Reservation routes registered under /api/reservations")

		r.Get("/ticket-types/{ticketTypeId}/availability", handler.GetAvailability)
		log.Info("ROUTER", "Availability endpoint registered under /api/ticket-types")

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", handler.CheckoutReservation)
			r.Post("/direct", handler.CheckoutDirect)
		})
		r.Get("/transactions/{transactionId}", handler.GetTransaction)
		log.Info("ROUTER", "Checkout routes registered under /api/checkout")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeper := &reservation.Sweeper{
		Service: reservations,
		Lock: &reservation.SweeperLock{
			Client:     redisClient,
			InstanceID: uuid.NewString(),
			TTL:        2 * cfg.Reservation.SweepInterval,
		},
		Interval:  cfg.Reservation.SweepInterval,
		BatchSize: cfg.Reservation.SweepBatch,
		Logger:    log,
	}
	go sweeper.Run(sweepCtx)

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Reservation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopSweeper()

	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Reservation Service shutdown complete")
	}
}
