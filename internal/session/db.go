package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/docpipe/docpipe/internal/common"
)

// Open connects to the session datastore and migrates the schema. A
// postgres:// DSN goes through a pgx pool handed to gorm; anything else is
// treated as a sqlite path.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to session store", "dsn", cfg.DSN)

	var dialector gorm.Dialector
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		pc, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrConnectivity, err)
		}
		pc.MaxConns = cfg.MaxConns
		pc.MinConns = cfg.MinConns
		pc.MaxConnLifetime = cfg.MaxConnLifetime
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
		pc.ConnConfig.RuntimeParams["application_name"] = "docpipe"

		dialCtx := ctx
		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}
		pool, err := pgxpool.NewWithConfig(dialCtx, pc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrConnectivity, err)
		}
		if err := pool.Ping(dialCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: %v", common.ErrConnectivity, err)
		}
		dialector = postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)})
	} else {
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&Session{}, &Record{}); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}

	logger.Info("session store ready")
	return db, nil
}

// HealthCheck pings the underlying connection to catch DSN issues early.
func HealthCheck(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectivity, err)
	}
	return nil
}
