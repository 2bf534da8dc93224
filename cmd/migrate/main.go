package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coachapi/internal/config"
	"coachapi/internal/logger"
	"coachapi/internal/repository"

	"github.com/joho/godotenv"
)

func main() {
	printOnly := flag.Bool("print", false, "Print the schema instead of applying it")
	dsn := flag.String("dsn", "", "Database connection string (defaults to DB_CONNECTION_STRING)")
	flag.Parse()

	if *printOnly {
		fmt.Print(repository.Schema())
		return
	}

	logger := logger.New()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	connString := *dsn
	development := os.Getenv("ENV") == "development"
	if connString == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal().Msgf("Error loading config: %v", err)
		}
		connString = cfg.DBConnectionString
		development = cfg.IsDevelopment()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repository.NewPool(ctx, connString, development)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		logger.Fatal().Err(err).Msg("Migration failed")
	}
	logger.Info().Msg("Schema applied")
}
