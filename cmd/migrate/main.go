package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/oakmere/storefront/internal/platform/config"
	"github.com/oakmere/storefront/internal/platform/observability"
	"github.com/oakmere/storefront/internal/repositories/postgres"
)

func main() {
	var steps int
	flag.IntVar(&steps, "steps", 0, "number of migration steps; 0 applies everything")
	flag.Parse()

	direction := flag.Arg(0)
	if direction == "" {
		direction = "up"
	}

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logger = logger.Named("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := postgres.Open(ctx, cfg.Database.DSN, postgres.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db.DB, &pgxmigrate.Config{})
	if err != nil {
		logger.Fatal("failed to initialise migration driver", zap.Error(err))
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.Database.MigrationsDir, "pgx5", driver)
	if err != nil {
		logger.Fatal("failed to initialise migrations", zap.Error(err))
	}
	m.Log = observability.NewPrintfAdapter(logger, false)

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			logger.Fatal("failed to read version", zap.Error(verr))
		}
		logger.Info("migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return
	default:
		logger.Fatal("unknown direction; use up, down, or version", zap.String("direction", direction))
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations applied", zap.String("direction", direction))
}
