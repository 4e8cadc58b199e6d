package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/devrev/tiersync/internal/config"
	"github.com/devrev/tiersync/internal/keys"
	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/orchestrator"
	"github.com/devrev/tiersync/internal/scheduler"
	"github.com/devrev/tiersync/internal/storage"
	"github.com/devrev/tiersync/internal/storage/diskmanager"
	"github.com/devrev/tiersync/internal/storage/dynamostore"
	"github.com/devrev/tiersync/internal/storage/filestore"
	"github.com/devrev/tiersync/internal/storage/memtier"
	"github.com/devrev/tiersync/internal/storage/pebblestore"
	"github.com/devrev/tiersync/internal/storage/pgstore"
	"github.com/devrev/tiersync/internal/storage/redisstore"
	"github.com/devrev/tiersync/internal/storage/sqlitestore"
	"github.com/devrev/tiersync/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// engine bundles an orchestrator with the resources it was built on
type engine struct {
	*orchestrator.Orchestrator
	registry *prometheus.Registry
	disk     *diskmanager.DiskManager
	dataDir  string
	closers  []io.Closer
	logger   *zap.Logger
}

// Close releases the tier backends in reverse order of creation
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			e.logger.Warn("Failed to close tier backend", zap.Error(err))
		}
	}
	e.closers = nil
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Tenant.ID, reg)

	e := &engine{registry: reg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	local, err := e.openLocal(cfg, m, logger)
	if err != nil {
		return nil, err
	}

	var cloud storage.Persistence
	if cfg.HasCloud() {
		if cloud, err = e.openCloud(ctx, cfg, m); err != nil {
			return nil, err
		}
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Tenant:          cfg.Tenant,
		Registry:        registry,
		Strategy:        buildStrategy(cfg.Keys),
		Fast:            memtier.New(),
		Local:           local,
		Cloud:           cloud,
		FastInterval:    cfg.Sync.FastInterval,
		CloudInterval:   cfg.Sync.CloudInterval,
		ShutdownTimeout: cfg.Sync.ShutdownTimeout,
		Scheduler: scheduler.Config{
			TickInterval: cfg.Sync.TickInterval,
			JobTimeout:   cfg.Sync.JobTimeout,
		},
		Parallelism: cfg.Sync.Parallelism,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	e.Orchestrator = orch
	ok = true
	return e, nil
}

// openLocal opens the durable local tier; every driver sits behind the
// decoded-payload cache, the I/O deadline and the tier metrics
func (e *engine) openLocal(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (storage.Persistence, error) {
	var (
		store storage.BlobStore
		err   error
	)
	switch cfg.Local.Driver {
	case config.LocalDriverFile:
		if err := os.MkdirAll(cfg.Local.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create local tier directory: %w", err)
		}
		e.disk, err = diskmanager.NewDiskManager(&diskmanager.Config{
			DataDir:                 cfg.Local.Path,
			CheckInterval:           cfg.Disk.CheckInterval,
			WarningThreshold:        cfg.Disk.WarningThreshold,
			ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
			CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start disk manager: %w", err)
		}
		store, err = filestore.Open(cfg.Local.Path, e.disk, logger)
		e.dataDir = cfg.Local.Path
	case config.LocalDriverPebble:
		store, err = pebblestore.Open(cfg.Local.Path)
		e.dataDir = cfg.Local.Path
	case config.LocalDriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Local.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create local tier directory: %w", err)
		}
		store, err = sqlitestore.Open(cfg.Local.Path)
		e.dataDir = filepath.Dir(cfg.Local.Path)
	default:
		return nil, fmt.Errorf("unknown local driver %q", cfg.Local.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s local tier: %w", cfg.Local.Driver, err)
	}
	return e.wrap(store, model.TierLocal, cfg.Local.CacheEntries, cfg, m)
}

func (e *engine) openCloud(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (storage.Persistence, error) {
	var (
		store storage.BlobStore
		err   error
	)
	switch cfg.Cloud.Driver {
	case config.CloudDriverDynamoDB:
		dc := cfg.Cloud.DynamoDB
		client, cerr := dynamostore.NewClient(ctx, dc.Region, dc.Endpoint)
		if cerr != nil {
			return nil, fmt.Errorf("failed to create dynamodb client: %w", cerr)
		}
		store = dynamostore.New(client, dc.Table)
	case config.CloudDriverRedis:
		rc := cfg.Cloud.Redis
		store, err = redisstore.Dial(ctx, redisstore.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		})
	case config.CloudDriverPostgres:
		store, err = pgstore.Open(ctx, cfg.Cloud.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown cloud driver %q", cfg.Cloud.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cloud tier: %w", cfg.Cloud.Driver, err)
	}
	return e.wrap(store, model.TierCloud, cfg.Cloud.CacheEntries, cfg, m)
}

func (e *engine) wrap(store storage.BlobStore, tier model.Tier, cacheEntries int, cfg *config.Config, m *metrics.Metrics) (storage.Persistence, error) {
	bt, err := storage.NewBlobTier(tier, store, cacheEntries)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.closers = append(e.closers, bt)
	return storage.Instrument(storage.WithTimeout(bt, tier, cfg.Sync.IOTimeout), tier, m), nil
}

func buildRegistry(cfg *config.Config) (*validation.Registry, error) {
	registry := validation.NewRegistry()
	for entityType, ec := range cfg.Entities {
		var fn validation.ValidateFunc
		if len(ec.Required) > 0 {
			fn = validation.RequireFields(ec.Required...)
		}
		if err := registry.Register(entityType, fn); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildStrategy(kc config.KeysConfig) keys.Strategy {
	if kc.Strategy == config.StrategySingle {
		s := keys.NewSingleKeyStrategy(kc.SingleKey)
		s.Sep = kc.Separator
		s.IDLength = kc.IdentifierLength
		return s
	}
	s := keys.NewYearlyStrategy(kc.DateFields, kc.StartYear)
	s.Sep = kc.Separator
	s.IDLength = kc.IdentifierLength
	return s
}
