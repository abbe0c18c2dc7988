// Package app wires the hub together: storage, logging, metrics, events and
// the services built on them. Nothing here is global; cmd/ binaries and tests
// each build their own App.
package app

import (
	"errors"
	"time"

	"retail-hub/internal/config"
	"retail-hub/internal/database"
	"retail-hub/internal/events"
	"retail-hub/internal/identity"
	"retail-hub/internal/ingest"
	"retail-hub/internal/ledger"
	"retail-hub/internal/metrics"
	"retail-hub/internal/synclog"
	"retail-hub/internal/syncer"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Events  events.Publisher

	Resolver     *identity.Resolver
	Ledger       *ledger.Ledger
	SyncLogs     *synclog.Service
	Pipeline     *ingest.Pipeline
	Orchestrator *syncer.Orchestrator
}

// Open connects to the configured database and builds the App on it.
func Open(cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := database.Open(cfg.DatabaseDSN, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, log)
	if err != nil {
		return nil, err
	}
	return New(cfg, db, log), nil
}

// New builds the services on an already open database.
func New(cfg *config.Config, db *gorm.DB, log *zap.Logger) *App {
	m := metrics.New()
	pub := events.New(cfg.KafkaBrokers, cfg.KafkaTopic, m, log)

	resolver := identity.NewResolver(db)
	l := ledger.New(db, resolver, pub, m, log, ledger.Options{NarrowKinds: cfg.LedgerNarrowKind})
	logs := synclog.New(db, pub, m, log)
	pipe := ingest.New(db, resolver, l, logs, pub, m, log, ingest.Options{BatchSize: cfg.IngestBatchSize})
	client := syncer.NewBranchClient(syncer.ClientOptions{Timeout: cfg.PushTimeout}, m, log)
	orch := syncer.New(db, logs, pipe, l, client, m, log, syncer.Options{
		PushConcurrency: cfg.PushConcurrency,
		Cooldown:        cfg.SyncCooldown,
		RetryLimit:      cfg.RetryLimit,
	})

	return &App{
		Config:       cfg,
		DB:           db,
		Log:          log,
		Metrics:      m,
		Events:       pub,
		Resolver:     resolver,
		Ledger:       l,
		SyncLogs:     logs,
		Pipeline:     pipe,
		Orchestrator: orch,
	}
}

func (a *App) Migrate() error {
	return database.Migrate(a.DB, a.Log)
}

// Close flushes the event publisher and releases the database.
func (a *App) Close() error {
	return errors.Join(a.Events.Close(), database.Close(a.DB))
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 15 * time.Second
