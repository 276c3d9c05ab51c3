//cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
)

//go:embed seed/*.sql
var seeds embed.FS

// Order matters: list membership and campaigns reference contacts.
var seedFiles = []string{
	"seed/credentials.sql",
	"seed/contacts.sql",
	"seed/campaigns.sql",
}

func main() {
	cfg, err := config.Load(".env")
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// extra files on the command line run after the bundled ones
	if err := seed(ctx, conn, log, os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("seeding failed")
	}
	log.Info().Msg("database seeding completed successfully")
}

func seed(ctx context.Context, conn *sql.DB, log zerolog.Logger, extra []string) error {
	for _, file := range seedFiles {
		content, err := seeds.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute %s: %w", file, err)
		}
		log.Info().Str("file", file).Msg("seeded")
	}

	for _, file := range extra {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute %s: %w", file, err)
		}
		log.Info().Str("file", file).Msg("seeded")
	}
	return nil
}
