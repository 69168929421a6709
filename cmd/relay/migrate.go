package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/relaysh/relay/internal/adapter/postgres"
	"github.com/relaysh/relay/internal/config"
)

// runMigrate dispatches the migrate subcommands (up, down, status).
func runMigrate(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		args = []string{"up"}
	}

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	case "down":
		fs := flag.NewFlagSet("migrate down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Printf("rolled back %d migration(s)\n", *steps)
		return nil
	case "status":
		version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		fmt.Printf("migration version: %d\n", version)
		return nil
	case "help", "--help":
		printMigrateHelp()
		return nil
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: relay migrate <command> [options]

Commands:
  up       Apply all pending migrations (default)
  down     Roll back migrations (--steps N, default 1)
  status   Print the current migration version
  help     Show this help message
`)
}
