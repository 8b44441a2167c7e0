package app

import (
	"context"
	"fmt"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	log.Sugar().Infow("Database started", "driver", cfg.Database.Driver)

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "sqlite" {
		// Serialize writers so concurrent runs queue instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info("Starting migrations")
	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return sqlDB.Close()
		},
	})
	return db, nil
}
