package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/ratekeeper/internal/adapter/postgres"
	"github.com/Strob0t/ratekeeper/internal/config"
)

// runMigrate dispatches migrate subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	dsn := cfg.Postgres.DSN

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return err
		}
	case "down":
		fs := flag.NewFlagSet("migrate down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *steps < 1 {
			return errors.New("--steps must be at least 1")
		}
		if err := postgres.RollbackMigrations(ctx, dsn, *steps); err != nil {
			return err
		}
	case "version":
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}

	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "schema version %d\n", v)
	return nil
}

func printMigrateHelp() {
	fmt.Fprint(os.Stderr, `Usage: ratekeeper migrate <command> [options]

Commands:
  up                 Apply all pending migrations
  down [--steps N]   Roll back the last N migrations (default 1)
  version            Print the current schema version

The database is taken from the usual config sources (RATEKEEPER_CONFIG,
DATABASE_URL).
`)
}
