package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"vbtix/internal/config"
	"vbtix/internal/database/migrations"
	"vbtix/internal/logger"
	"vbtix/internal/models"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Schema tool for local development and deploy hooks:
//
//	migrate up     apply pending SQL migrations
//	migrate down   roll everything back
//	migrate reset  drop and recreate all tables from the bun models
func main() {
	log := logger.NewLogger()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", "No .env file found, using environment variables")
	}

	cfg := config.Load()

	if len(os.Args) < 2 {
		log.Fatal("MIGRATE", "usage: migrate [up|down|reset]")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN)))
	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	runner := migrations.NewRunner(db, os.Getenv("MIGRATIONS_DIR"), log)
	defer runner.Close()

	switch os.Args[1] {
	case "up":
		if err := runner.Up(); err != nil {
			log.Fatal("MIGRATE", fmt.Sprintf("migration up failed: %v", err))
		}
	case "down":
		if err := runner.Down(); err != nil {
			log.Fatal("MIGRATE", fmt.Sprintf("migration down failed: %v", err))
		}
	case "reset":
		if err := reset(context.Background(), db); err != nil {
			log.Fatal("MIGRATE", fmt.Sprintf("reset failed: %v", err))
		}
		log.LogDatabase("RESET", "all", "dropped and recreated tables from models")
	default:
		log.Fatal("MIGRATE", fmt.Sprintf("unknown command %q, want up, down, or reset", os.Args[1]))
	}
}

// reset rebuilds the schema straight from the bun models, bypassing the
// migration history. Development only.
func reset(ctx context.Context, db *bun.DB) error {
	return db.ResetModel(ctx,
		(*models.TicketType)(nil),
		(*models.Reservation)(nil),
		(*models.Transaction)(nil),
		(*models.OrderItem)(nil),
		(*models.Ticket)(nil),
		(*models.Payment)(nil),
	)
}
