package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"fassetbots/internal/config"
	"fassetbots/internal/observability"
	"fassetbots/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  FASSET_CONFIG          - path to the YAML config (optional)")
		fmt.Println("  FASSET_DATABASE_DRIVER - postgres or sqlite (default: sqlite)")
		fmt.Println("  FASSET_DATABASE_DSN    - connection string (default: fassetbots.db)")
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("FASSET_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	ctx := context.Background()
	db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	migrator, err := persistence.NewMigrator(db, observability.NewLogger("migrate"))
	if err != nil {
		log.Fatalf("FATAL: migrator: %v", err)
	}

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Printf("INFO: %d migrations applied", n)

	case "down":
		version, err := migrator.Down(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		if version == "" {
			log.Println("INFO: nothing to roll back")
		} else {
			log.Printf("INFO: rolled back migration %s", version)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
