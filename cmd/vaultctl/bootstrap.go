package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillio/keyvault/internal/app"
	"github.com/quillio/keyvault/internal/app/maintenance"
	"github.com/quillio/keyvault/internal/cache"
	"github.com/quillio/keyvault/internal/database"
	"github.com/quillio/keyvault/internal/services"
	"github.com/quillio/keyvault/internal/vault"
	"github.com/quillio/keyvault/pkg/logger"
)

// runtimeStack bundles the long-lived dependencies shared by every command.
type runtimeStack struct {
	Config      *app.Config
	DB          *gorm.DB
	Redis       cache.Store
	AuditSvc    *services.AuditService
	Credentials *services.CredentialService
	Sweeper     *maintenance.Sweeper
}

// bootstrapRuntime initialises the database, counter backend, crypto, and services.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{Config: cfg}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	var counters cache.Store = cache.NewDatabaseStore(stack.DB)
	if cfg.Cache.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(cfg.RedisSettings())
		if redisErr != nil {
			log.Warn("redis unavailable; falling back to database-backed counters", zap.Error(redisErr))
		} else {
			stack.Redis = client
			counters = client
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	stack.AuditSvc, err = services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	encryptionKey, err := app.DecodeKey(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault encryption key: %w", err)
	}

	vaultCrypto, err := vault.NewCrypto(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initialise vault crypto: %w", err)
	}

	stack.Credentials, err = services.NewCredentialService(stack.DB, stack.AuditSvc, vaultCrypto,
		services.WithCounterStore(counters))
	if err != nil {
		return nil, fmt.Errorf("initialise credential service: %w", err)
	}

	stack.Sweeper = maintenance.NewSweeper(stack.Credentials, stack.AuditSvc,
		maintenance.WithUsageResetSchedule(cfg.Maintenance.UsageResetSchedule),
		maintenance.WithAuditSchedule(cfg.Maintenance.AuditCleanup.Schedule),
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditCleanup.RetentionDays))

	success = true
	return stack, nil
}

// Shutdown releases the stack's resources in reverse initialisation order.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		_ = rc.Close()
	}

	closeDatabase(s.DB, log)
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func ensureSecretsPresent(cfg *app.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Vault.EncryptionKey = strings.TrimSpace(cfg.Vault.EncryptionKey)
	keyLen, err := app.KeyByteLength(cfg.Vault.EncryptionKey)
	if err != nil {
		return fmt.Errorf("vault.encryption_key: %w", err)
	}
	if keyLen < 16 {
		return fmt.Errorf("vault.encryption_key must decode to at least 16 bytes (current: %d)", keyLen)
	}

	return nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.DatabaseSettings()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
