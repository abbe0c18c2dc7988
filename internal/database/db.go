package database

import (
	"errors"
	"fmt"
	"time"

	"retail-hub/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// CurrentSchemaVersion is bumped whenever a migration step is added to Migrate.
//
//	1 - ledger, transactions, sync log, catalog and admin tables
const CurrentSchemaVersion = 1

// SchemaMismatchError is returned when the database was migrated by a newer
// binary than the one running.
type SchemaMismatchError struct {
	Database int
	Binary   int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema version mismatch: database is at v%d, binary supports up to v%d", e.Database, e.Binary)
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL. The returned handle is owned by the caller and
// must be closed with Close on shutdown.
func Open(dsn string, pool PoolConfig, log *zap.Logger) (*gorm.DB, error) {
	return OpenDialector(postgres.Open(dsn), pool, log)
}

// OpenDialector is Open for an arbitrary GORM dialector (tests use SQLite).
func OpenDialector(dialector gorm.Dialector, pool PoolConfig, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(log),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newGormLogger(log *zap.Logger) gormlogger.Interface {
	if log == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(
		zap.NewStdLog(log.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Models lists every table owned by the hub, in dependency order.
func Models() []any {
	return []any{
		&models.Branch{},
		&models.User{},
		&models.Product{},
		&models.Customer{},
		&models.BranchInventory{},
		&models.StockMovement{},
		&models.Transaction{},
		&models.TransactionItem{},
		&models.SyncLog{},
		&models.AuditLog{},
	}
}

// Migrate brings the schema to CurrentSchemaVersion. It refuses to touch a
// database that is ahead of this binary.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	if err := db.AutoMigrate(&models.SchemaVersion{}); err != nil {
		return fmt.Errorf("migrate schema_versions: %w", err)
	}

	var current models.SchemaVersion
	err := db.Order("version DESC").First(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		current.Version = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if current.Version > CurrentSchemaVersion {
		return &SchemaMismatchError{Database: current.Version, Binary: CurrentSchemaVersion}
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if current.Version < CurrentSchemaVersion {
		if err := db.Create(&models.SchemaVersion{Version: CurrentSchemaVersion, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		if log != nil {
			log.Info("schema migrated", zap.Int("from", current.Version), zap.Int("to", CurrentSchemaVersion))
		}
	}
	return nil
}
