package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"optcore/internal/infrastructure/instruments"
	"optcore/internal/infrastructure/journal"
	"optcore/internal/infrastructure/marketdata"
	"optcore/internal/infrastructure/positions"
	"optcore/internal/infrastructure/queue"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// schemas are applied in order inside one transaction.
var schemas = []struct {
	name string
	ddl  string
}{
	{"commands", queue.Schema},
	{"positions", positions.Schema},
	{"instruments", instruments.Schema},
	{"marketdata", marketdata.Schema},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatalf("load .env: %v", err)
	}
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		logger.Fatal("DATABASE_DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		logger.Fatalf("begin migration: %v", err)
	}
	for _, s := range schemas {
		if _, err := tx.Exec(ctx, s.ddl); err != nil {
			_ = tx.Rollback(ctx)
			logger.Fatalf("apply %s schema: %v", s.name, err)
		}
		logger.WithField("schema", s.name).Info("schema applied")
	}
	if err := tx.Commit(ctx); err != nil {
		logger.Fatalf("commit migration: %v", err)
	}

	if boolEnv("JOURNAL_ENABLED", true) {
		db, err := journal.Open(dsn)
		if err != nil {
			logger.Fatalf("open journal: %v", err)
		}
		if err := journal.Migrate(ctx, db); err != nil {
			logger.Fatalf("migrate journal: %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		logger.WithField("schema", "journal").Info("schema applied")
	}

	logger.Info("migration finished")
}

func boolEnv(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
