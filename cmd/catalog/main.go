package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	domain "optcore/internal/domain/entity/instruments"
	infrainstruments "optcore/internal/infrastructure/instruments"
)

const defaultContractsFile = "cmd/catalog/contracts.json"

type catalogConfig struct {
	DatabaseDSN   string
	ContractsFile string
	SkipExpired   bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	contracts, err := readContracts(cfg.ContractsFile)
	if err != nil {
		logger.Fatalf("read contracts: %v", err)
	}

	now := time.Now().UTC()
	valid := make([]domain.Contract, 0, len(contracts))
	for _, c := range contracts {
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		c.Underlying = strings.ToUpper(strings.TrimSpace(c.Underlying))
		if err := c.Validate(); err != nil {
			logger.WithError(err).Warn("skip contract")
			continue
		}
		if cfg.SkipExpired && c.Expired(now) {
			logger.WithField("symbol", c.Symbol).Debug("skip expired contract")
			continue
		}
		if c.UID == uuid.Nil {
			c.UID = stableUUID(uuid.NameSpaceURL, "contract:"+strings.ToLower(c.Symbol))
		}
		c.UpdatedAt = now
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		logger.Fatal("no valid contracts to load")
	}

	repo, err := infrainstruments.NewRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer repo.Close()

	if err := repo.UpsertMany(ctx, valid); err != nil {
		logger.Fatalf("save contracts: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"loaded":  len(valid),
		"skipped": len(contracts) - len(valid),
	}).Info("contract catalog synced")
}

func loadConfig() (*catalogConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN is required")
	}

	return &catalogConfig{
		DatabaseDSN:   dsn,
		ContractsFile: envOrDefault("CONTRACTS_FILE", defaultContractsFile),
		SkipExpired:   boolEnv("CATALOG_SKIP_EXPIRED", true),
	}, nil
}

func readContracts(path string) ([]domain.Contract, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read contracts file: %w", err)
	}
	var payload struct {
		Contracts []domain.Contract `json:"contracts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse contracts file: %w", err)
	}
	return payload.Contracts, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolEnv(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func stableUUID(namespace uuid.UUID, value string) uuid.UUID {
	if value == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(namespace, []byte(value))
}
