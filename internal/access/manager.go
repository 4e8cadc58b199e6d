// Package access serves application reads and writes from the fast tier and
// hydrates shards from slower tiers on first access.
package access

import (
	"context"
	"sort"
	"sync"

	"github.com/devrev/tiersync/internal/canonical"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/keys"
	"github.com/devrev/tiersync/internal/metadata"
	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/notify"
	"github.com/devrev/tiersync/internal/validation"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultHydrationParallelism bounds concurrent shard hydrations of one query
const DefaultHydrationParallelism = 4

// Config wires a Manager
type Config struct {
	Tenant      string
	Partitioner *keys.Partitioner
	Registry    *validation.Registry
	Metadata    *metadata.Store
	Notifier    *notify.Notifier
	// Gate is the write gate shared with the change set computer
	Gate        *sync.RWMutex
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Parallelism int
}

// Manager is the data access layer of one tenant
type Manager struct {
	tenant      string
	partitioner *keys.Partitioner
	registry    *validation.Registry
	meta        *metadata.Store
	tiers       metadata.Tiers
	notifier    *notify.Notifier
	gate        *sync.RWMutex
	metrics     *metrics.Metrics
	logger      *zap.Logger
	parallelism int
	validator   *validation.Validator

	// per-shard hydration locks
	hydrating *xsync.MapOf[string, *sync.Mutex]
}

// New creates a Manager
func New(cfg Config) *Manager {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultHydrationParallelism
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		tenant:      cfg.Tenant,
		partitioner: cfg.Partitioner,
		registry:    cfg.Registry,
		meta:        cfg.Metadata,
		tiers:       cfg.Metadata.Tiers(),
		notifier:    cfg.Notifier,
		gate:        cfg.Gate,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		parallelism: cfg.Parallelism,
		validator:   validation.NewValidator(),
		hydrating:   xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Partitioner returns the shard key partitioner
func (m *Manager) Partitioner() *keys.Partitioner {
	return m.partitioner
}

// Save validates e, assigns an id when it has none or its shard is unknown,
// stamps it and writes it into the fast tier. It returns the id.
func (m *Manager) Save(ctx context.Context, entityType string, e model.Entity) (string, error) {
	if err := m.validator.ValidateEntityType(entityType); err != nil {
		return "", err
	}
	e, err := m.registry.Validate(entityType, e)
	if err != nil {
		return "", err
	}

	known := false
	if e.ID != "" && m.partitioner.IsWellFormedID(e.ID) {
		if err := m.validator.ValidateID(e.ID); err != nil {
			return "", err
		}
		shardKey := m.partitioner.EntityKeyFromID(e.ID)
		if err := m.hydrate(ctx, shardKey); err != nil {
			return "", err
		}
		known = m.meta.StoreContains(shardKey)
	}
	if !known {
		e.ID = m.partitioner.GenerateNextID(entityType, e)
		if err := m.hydrate(ctx, m.partitioner.EntityKeyFromID(e.ID)); err != nil {
			return "", err
		}
	}
	shardKey := m.partitioner.EntityKeyFromID(e.ID)

	m.gate.RLock()
	defer m.gate.RUnlock()

	now := m.meta.NextStamp()
	version := e.Version
	if prev, ok := m.tiers.Fast.Get(m.tenant, shardKey, entityType, e.ID); ok {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.CreatedAt
		}
		if prev.Version > version {
			version = prev.Version
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = version + 1
	e = canonical.NormalizeEntity(e)

	m.tiers.Fast.Save(m.tenant, shardKey, entityType, e)
	m.notifier.EntityChanged(notify.EntityEvent{
		Type:       notify.EventSave,
		ShardKey:   shardKey,
		EntityType: entityType,
		ID:         e.ID,
		Origin:     notify.OriginLocal,
	})

	m.logger.Debug("Entity saved",
		zap.String("entity_type", entityType),
		zap.String("id", e.ID),
		zap.Int64("version", e.Version))
	return e.ID, nil
}

// Delete tombstones an active entity. Deleting an id that is not active is
// a no-op.
func (m *Manager) Delete(ctx context.Context, entityType, id string) error {
	if err := m.validator.ValidateID(id); err != nil {
		return err
	}
	shardKey := m.partitioner.EntityKeyFromID(id)
	if err := m.hydrate(ctx, shardKey); err != nil {
		return err
	}

	m.gate.RLock()
	defer m.gate.RUnlock()

	if _, ok := m.tiers.Fast.Get(m.tenant, shardKey, entityType, id); !ok {
		return nil
	}
	m.tiers.Fast.Delete(m.tenant, shardKey, entityType, id, m.meta.NextStamp())
	m.notifier.EntityChanged(notify.EntityEvent{
		Type:       notify.EventDelete,
		ShardKey:   shardKey,
		EntityType: entityType,
		ID:         id,
		Origin:     notify.OriginLocal,
	})
	m.logger.Debug("Entity deleted", zap.String("entity_type", entityType), zap.String("id", id))
	return nil
}

// Get returns the active entity with id
func (m *Manager) Get(ctx context.Context, entityType, id string) (model.Entity, bool, error) {
	shardKey := m.partitioner.EntityKeyFromID(id)
	if err := m.hydrate(ctx, shardKey); err != nil {
		return model.Entity{}, false, err
	}
	e, ok := m.tiers.Fast.Get(m.tenant, shardKey, entityType, id)
	return e, ok, nil
}

// MustGet is Get returning a NotFound error for missing entities
func (m *Manager) MustGet(ctx context.Context, entityType, id string) (model.Entity, error) {
	e, ok, err := m.Get(ctx, entityType, id)
	if err != nil {
		return model.Entity{}, err
	}
	if !ok {
		return model.Entity{}, syncerrors.NotFound(entityType, id)
	}
	return e, nil
}

// GetAll returns the active entities of entityType across every shard the
// options select, filtered and sorted
func (m *Manager) GetAll(ctx context.Context, entityType string, opts keys.QueryOptions) ([]model.Entity, error) {
	shardKeys := m.partitioner.EntityKeys(entityType, opts)
	if err := m.HydrateAll(ctx, shardKeys); err != nil {
		return nil, err
	}

	var out []model.Entity
	for _, key := range shardKeys {
		out = append(out, m.tiers.Fast.GetAll(m.tenant, key, entityType)...)
	}
	return Apply(out, opts), nil
}

// GetEntityKeyData hydrates shardKey and returns a copy of its payload.
// A shard that exists in no tier yields an empty payload.
func (m *Manager) GetEntityKeyData(ctx context.Context, shardKey string) (*model.EntityKeyData, error) {
	if err := m.hydrate(ctx, shardKey); err != nil {
		return nil, err
	}
	data, err := m.tiers.Fast.LoadData(ctx, m.tenant, shardKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = model.NewEntityKeyData()
	}
	return data, nil
}

// Lookup reads an entity from the fast tier without hydrating
func (m *Manager) Lookup(entityType, id string) (model.Entity, bool) {
	return m.tiers.Fast.Get(m.tenant, m.partitioner.EntityKeyFromID(id), entityType, id)
}

// Snapshot returns the active entities of entityType in a resident shard
// without hydrating
func (m *Manager) Snapshot(entityType, shardKey string) []model.Entity {
	return m.tiers.Fast.GetAll(m.tenant, shardKey, entityType)
}

// HydrateAll hydrates shardKeys in parallel
func (m *Manager) HydrateAll(ctx context.Context, shardKeys []string) error {
	if len(shardKeys) == 1 {
		return m.hydrate(ctx, shardKeys[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, key := range shardKeys {
		key := key
		g.Go(func() error {
			return m.hydrate(gctx, key)
		})
	}
	return g.Wait()
}

// hydrate copies shardKey into the fast tier if it is not resident:
// from the local tier when local metadata lists it, else from the cloud tier
// when cloud metadata lists it, writing through to local as well.
func (m *Manager) hydrate(ctx context.Context, shardKey string) error {
	if m.meta.StoreContains(shardKey) {
		return nil
	}

	mu, _ := m.hydrating.LoadOrStore(shardKey, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()
	if m.meta.StoreContains(shardKey) {
		return nil
	}

	inLocal, err := m.meta.LocalContains(ctx, shardKey)
	if err != nil {
		return err
	}
	if inLocal {
		return m.copyShard(ctx, model.TierLocal, shardKey, model.TierFast)
	}

	inCloud, err := m.meta.CloudContains(ctx, shardKey)
	if err != nil {
		return err
	}
	if inCloud {
		return m.copyShard(ctx, model.TierCloud, shardKey, model.TierLocal, model.TierFast)
	}
	return nil
}

func (m *Manager) copyShard(ctx context.Context, source model.Tier, shardKey string, targets ...model.Tier) error {
	from, err := m.tiers.Persistence(source)
	if err != nil {
		return err
	}
	data, err := from.LoadData(ctx, m.tenant, shardKey)
	if err != nil {
		return err
	}
	if data == nil {
		data = model.NewEntityKeyData()
	}
	entry, _, err := m.meta.Entry(ctx, source, shardKey)
	if err != nil {
		return err
	}

	for _, target := range targets {
		if err := m.install(ctx, target, shardKey, data, entry); err != nil {
			return err
		}
	}

	m.metrics.HydrationTotal.WithLabelValues(source.String()).Inc()
	m.logger.Debug("Shard hydrated",
		zap.String("shard_key", shardKey),
		zap.String("source", source.String()))
	m.notifier.ShardChanged(notify.ShardEvent{ShardKey: shardKey, Tier: model.TierFast, Origin: notify.OriginHydration})
	return nil
}

// install writes a hydrated shard into target and registers its entry.
// A fast-tier copy is dropped if the shard became resident meanwhile.
func (m *Manager) install(ctx context.Context, target model.Tier, shardKey string, data *model.EntityKeyData, entry model.EntityKeyMetadata) error {
	to, err := m.tiers.Persistence(target)
	if err != nil {
		return err
	}
	if target == model.TierFast {
		m.gate.RLock()
		defer m.gate.RUnlock()
		if m.meta.StoreContains(shardKey) {
			return nil
		}
	}
	if err := to.StoreData(ctx, m.tenant, shardKey, data); err != nil {
		return err
	}
	return m.meta.RegisterShard(ctx, target, shardKey, entry)
}

// Apply filters entities by opts.IDs and opts.Where and sorts them by
// opts.Less, or by id when Less is nil
func Apply(entities []model.Entity, opts keys.QueryOptions) []model.Entity {
	var ids map[string]struct{}
	if len(opts.IDs) > 0 {
		ids = make(map[string]struct{}, len(opts.IDs))
		for _, id := range opts.IDs {
			ids[id] = struct{}{}
		}
	}

	out := make([]model.Entity, 0, len(entities))
	for _, e := range entities {
		if ids != nil {
			if _, ok := ids[e.ID]; !ok {
				continue
			}
		}
		if opts.Where != nil && !opts.Where(e) {
			continue
		}
		out = append(out, e)
	}

	less := opts.Less
	if less == nil {
		less = func(a, b model.Entity) bool { return a.ID < b.ID }
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
