package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tobert/sshwarma/internal/config"
	"github.com/tobert/sshwarma/internal/room"
)

// openMigrationDB opens the room store's sqlite file directly, bypassing
// room.Open's implicit apply-everything-on-open behavior, so migrate's
// up/down/status subcommands each get explicit control over which
// migrations run.
func openMigrationDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Room.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func runMigrateUp(ctx context.Context, configPath string, steps int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openMigrationDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := room.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	applied, err := migrator.Up(ctx, steps)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
	}
	return nil
}

func runMigrateDown(ctx context.Context, configPath string, steps int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openMigrationDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := room.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	reverted, err := migrator.Down(ctx, steps)
	if err != nil {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	for _, id := range reverted {
		slog.Info("rolled back migration", "id", id)
	}
	if len(reverted) == 0 {
		slog.Info("no applied migrations to roll back")
	}
	return nil
}

func runMigrateStatus(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openMigrationDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := room.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	applied, pending, err := migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, a := range applied {
		slog.Info("applied", "id", a.ID, "applied_at", a.AppliedAt)
	}
	for _, m := range pending {
		slog.Info("pending", "id", m.ID)
	}
	return nil
}
