package main

import (
	"ConfidentialPerp/internal/config"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/persistence"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CPERP_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  CPERP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch flag.Arg(0) {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolledBack, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if !rolledBack {
			logger.Info().Msg("nothing to roll back")
			return
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		migrations, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, m := range migrations {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%s  %-8s %s\n", m.Version, state, m.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
