package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/flexprice/billingengine/internal/clickhouse"
	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	clickhouseRepo "github.com/flexprice/billingengine/internal/repository/clickhouse"
	postgresRepo "github.com/flexprice/billingengine/internal/repository/postgres"
	"github.com/flexprice/billingengine/internal/sentry"
)

func main() {
	// Parse command line flags
	dryRun := flag.Bool("dry-run", false, "Print migration SQL without executing it")
	withClickHouse := flag.Bool("clickhouse", false, "Also create the clickhouse events table")
	flag.Parse()

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if *dryRun {
		logger.Info("Dry run mode - printing migration SQL without executing")
		if err := postgresRepo.WriteMigrations(os.Stdout); err != nil {
			logger.Fatalw("Failed to print migration SQL", "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Infow("Connecting to database", "host", cfg.Postgres.Host)
	db, err := postgres.NewDB(cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to connect to postgres", "error", err)
	}
	defer db.Close()

	sentrySvc := sentry.NewSentryService(cfg, logger)
	client := postgres.NewClient(db, sentrySvc, logger)

	logger.Info("Running database migrations...")
	if err := postgresRepo.Migrate(ctx, client, logger); err != nil {
		logger.Fatalw("Failed to apply postgres migrations", "error", err)
	}

	if *withClickHouse || cfg.ClickHouse.Enabled {
		store, err := clickhouse.NewClickHouseStore(cfg, sentrySvc)
		if err != nil {
			logger.Fatalw("Failed to connect to clickhouse", "error", err)
		}
		defer store.Close()

		if err := clickhouseRepo.NewEventRepository(store, logger).Migrate(ctx); err != nil {
			logger.Fatalw("Failed to apply clickhouse migrations", "error", err)
		}
	}

	logger.Info("Migration completed successfully")
	fmt.Println("Migration process completed")
}
