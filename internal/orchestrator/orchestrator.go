// Package orchestrator wires the sync engine of one tenant and drives its
// periodic synchronization.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/tiersync/internal/access"
	"github.com/devrev/tiersync/internal/changeset"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/keys"
	"github.com/devrev/tiersync/internal/livequery"
	"github.com/devrev/tiersync/internal/metadata"
	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/notify"
	"github.com/devrev/tiersync/internal/scheduler"
	"github.com/devrev/tiersync/internal/storage"
	"github.com/devrev/tiersync/internal/validation"
	"go.uber.org/zap"
)

const (
	DefaultFastInterval    = 5 * time.Second
	DefaultCloudInterval   = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds everything an Orchestrator needs. Cloud is optional; without
// it only the fast and local tiers are synchronized.
type Config struct {
	Tenant   model.Tenant
	Registry *validation.Registry
	Strategy keys.Strategy

	Fast  storage.FastPersistence
	Local storage.Persistence
	Cloud storage.Persistence

	// FastInterval is the cadence of fast->local syncs
	FastInterval time.Duration
	// CloudInterval is the cadence of local->cloud syncs
	CloudInterval   time.Duration
	ShutdownTimeout time.Duration
	Scheduler       scheduler.Config
	Parallelism     int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Orchestrator is the composition root of one tenant's sync engine
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	notifier  *notify.Notifier
	meta      *metadata.Store
	data      *access.Manager
	live      *livequery.Manager
	computer  *changeset.Computer
	scheduler *scheduler.Scheduler

	mu       sync.Mutex
	loaded   bool
	stopCh   chan struct{}
	tickerWG sync.WaitGroup
}

// New validates cfg and wires the components. Nothing runs until Load.
func New(cfg Config) (*Orchestrator, error) {
	if err := validation.NewValidator().ValidateTenantID(cfg.Tenant.ID); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		return nil, syncerrors.Configuration("entity type registry is required", nil)
	}
	if cfg.Strategy == nil {
		return nil, syncerrors.Configuration("key strategy is required", nil)
	}
	if cfg.Fast == nil || cfg.Local == nil {
		return nil, syncerrors.Configuration("fast and local tiers are required", nil)
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFastInterval
	}
	if cfg.CloudInterval <= 0 {
		cfg.CloudInterval = DefaultCloudInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("tenant", cfg.Tenant.ID))

	gate := &sync.RWMutex{}
	n := notify.NewNotifier()
	meta := metadata.New(cfg.Tenant.ID, metadata.Tiers{Fast: cfg.Fast, Local: cfg.Local, Cloud: cfg.Cloud}, n, gate, logger)
	data := access.New(access.Config{
		Tenant:      cfg.Tenant.ID,
		Partitioner: keys.NewPartitioner(cfg.Strategy),
		Registry:    cfg.Registry,
		Metadata:    meta,
		Notifier:    n,
		Gate:        gate,
		Metrics:     cfg.Metrics,
		Logger:      logger,
		Parallelism: cfg.Parallelism,
	})
	computer := changeset.New(cfg.Tenant.ID, meta, n, gate, cfg.Metrics, logger)

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		notifier:  n,
		meta:      meta,
		data:      data,
		live:      livequery.New(data, n, cfg.Metrics, logger),
		computer:  computer,
		scheduler: scheduler.New(computer, cfg.Scheduler, cfg.Metrics, logger),
	}, nil
}

// Load runs the initial syncs, cloud first, and installs the periodic
// triggers
func (o *Orchestrator) Load(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loaded {
		return nil
	}

	start := time.Now()
	if err := o.meta.Preload(ctx); err != nil {
		return fmt.Errorf("failed to load tier metadata: %w", err)
	}
	o.scheduler.Start()

	if o.meta.HasCloud() {
		if _, err := o.scheduler.Sync(ctx, model.TierLocal, model.TierCloud); err != nil {
			return fmt.Errorf("initial local<->cloud sync: %w", err)
		}
	}
	if _, err := o.scheduler.Sync(ctx, model.TierFast, model.TierLocal); err != nil {
		return fmt.Errorf("initial fast<->local sync: %w", err)
	}

	o.stopCh = make(chan struct{})
	o.startTrigger(o.cfg.FastInterval, model.TierFast, model.TierLocal)
	if o.meta.HasCloud() {
		o.startTrigger(o.cfg.CloudInterval, model.TierLocal, model.TierCloud)
	}
	o.loaded = true

	o.logger.Info("Tenant loaded",
		zap.Bool("cloud", o.meta.HasCloud()),
		zap.Duration("fast_interval", o.cfg.FastInterval),
		zap.Duration("cloud_interval", o.cfg.CloudInterval),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (o *Orchestrator) startTrigger(every time.Duration, a, b model.Tier) {
	o.tickerWG.Add(1)
	go func() {
		defer o.tickerWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.scheduler.TriggerSync(a, b)
			}
		}
	}()
}

// Unload stops the periodic triggers and waits for queued syncs to finish.
// An unloaded Orchestrator cannot be loaded again.
func (o *Orchestrator) Unload(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopCh != nil {
		close(o.stopCh)
		o.tickerWG.Wait()
		o.stopCh = nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()
	if err := o.scheduler.GracefulShutdown(ctx); err != nil {
		return err
	}
	o.live.Close()
	o.meta.Close()
	o.loaded = false
	o.logger.Info("Tenant unloaded")
	return nil
}

// SyncNow flushes the fast tier to the local tier and then, when
// configured, the local tier to the cloud tier. If the cloud hop changed
// anything a last fast<->local round carries the new stamp back to the
// fast tier.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if _, err := o.scheduler.Sync(ctx, model.TierFast, model.TierLocal); err != nil {
		return err
	}
	if !o.meta.HasCloud() {
		return nil
	}
	res, err := o.scheduler.Sync(ctx, model.TierLocal, model.TierCloud)
	if err != nil || res.Unchanged {
		return err
	}
	_, err = o.scheduler.Sync(ctx, model.TierFast, model.TierLocal)
	return err
}

// Dirty reports whether the tiers' top-level stamps disagree, i.e. some
// change has not been synchronized everywhere yet
func (o *Orchestrator) Dirty(ctx context.Context) (bool, error) {
	tiers := []model.Tier{model.TierFast, model.TierLocal}
	if o.meta.HasCloud() {
		tiers = append(tiers, model.TierCloud)
	}

	var (
		firstAt  time.Time
		firstVer int64
	)
	dirty := false
	for i, tier := range tiers {
		at, ver, err := o.meta.Stamp(ctx, tier)
		if err != nil {
			return false, err
		}
		if i == 0 {
			firstAt, firstVer = at, ver
			continue
		}
		if !at.Equal(firstAt) || ver != firstVer {
			dirty = true
		}
	}
	o.cfg.Metrics.SetDirty(dirty)
	return dirty, nil
}

// TierStatus is the top-level stamp of one tier
type TierStatus struct {
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
	Shards    int       `json:"shards"`
}

// Status describes the tenant for the status endpoint and the CLI
type Status struct {
	Tenant    model.Tenant          `json:"tenant"`
	Loaded    bool                  `json:"loaded"`
	Dirty     bool                  `json:"dirty"`
	Tiers     map[string]TierStatus `json:"tiers"`
	Scheduler scheduler.Status      `json:"scheduler"`
}

// Status collects the tenant status. Durable tiers are read as persisted;
// fast-tier hashes are not recomputed.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.mu.Lock()
	loaded := o.loaded
	o.mu.Unlock()

	dirty, err := o.Dirty(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Tenant:    o.cfg.Tenant,
		Loaded:    loaded,
		Dirty:     dirty,
		Tiers:     make(map[string]TierStatus),
		Scheduler: o.scheduler.Status(),
	}
	tiers := []model.Tier{model.TierFast, model.TierLocal}
	if o.meta.HasCloud() {
		tiers = append(tiers, model.TierCloud)
	}
	for _, tier := range tiers {
		at, ver, err := o.meta.Stamp(ctx, tier)
		if err != nil {
			return Status{}, err
		}
		shards, err := o.meta.ShardCount(ctx, tier)
		if err != nil {
			return Status{}, err
		}
		st.Tiers[tier.String()] = TierStatus{UpdatedAt: at, Version: ver, Shards: shards}
	}
	return st, nil
}

// Loaded reports whether Load completed and Unload has not run
func (o *Orchestrator) Loaded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loaded
}

// Data returns the data access layer
func (o *Orchestrator) Data() *access.Manager { return o.data }

// Live returns the live query layer
func (o *Orchestrator) Live() *livequery.Manager { return o.live }

// Metadata returns the metadata store
func (o *Orchestrator) Metadata() *metadata.Store { return o.meta }

// Scheduler returns the sync scheduler
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.scheduler }
