// Package metadata keeps the per-tier shard bookkeeping that lets two tiers
// be diffed by shard hash instead of by entity.
package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/tiersync/internal/canonical"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/notify"
	"github.com/devrev/tiersync/internal/storage"
	"go.uber.org/zap"
)

// Tiers groups the persistence of every tier. Cloud is nil when remote
// sync is disabled.
type Tiers struct {
	Fast  storage.FastPersistence
	Local storage.Persistence
	Cloud storage.Persistence
}

// Persistence returns the handle of tier, or a configuration error when
// the tier is not configured
func (t Tiers) Persistence(tier model.Tier) (storage.Persistence, error) {
	switch tier {
	case model.TierFast:
		return t.Fast, nil
	case model.TierLocal:
		return t.Local, nil
	case model.TierCloud:
		if t.Cloud == nil {
			return nil, syncerrors.TierNotConfigured(tier.String())
		}
		return t.Cloud, nil
	}
	return nil, syncerrors.Configuration(fmt.Sprintf("unknown tier %d", int(tier)), nil)
}

// Store keeps one Metadata record per tier.
//
// Only the fast tier's record lives in memory. Durable tiers may be written
// by other replicas sharing them, so their records are re-read from
// persistence on every access and the cached copy is just the last one seen.
//
// Fast-tier writes only bump stamps; shard hashes of the fast tier are
// recomputed lazily by GetMetadata for shards touched since the last
// computation. The write gate is shared with the data access layer: writers
// hold its read side, the recomputation holds its write side so a shard is
// never rewritten underneath a concurrent save.
type Store struct {
	tenant string
	tiers  Tiers
	gate   *sync.RWMutex
	logger *zap.Logger

	mu        sync.Mutex
	cache     map[model.Tier]*model.Metadata
	dirty     map[string]struct{}
	hashedAt  time.Time
	hashedVer int64
	lastStamp time.Time
	now       func() time.Time

	unsubscribe []func()
}

// New creates a store and subscribes it to local change events on n
func New(tenant string, tiers Tiers, n *notify.Notifier, gate *sync.RWMutex, logger *zap.Logger) *Store {
	s := &Store{
		tenant: tenant,
		tiers:  tiers,
		gate:   gate,
		logger: logger,
		cache:  make(map[model.Tier]*model.Metadata),
		dirty:  make(map[string]struct{}),
		now:    time.Now,
	}
	if n != nil {
		s.unsubscribe = append(s.unsubscribe,
			n.OnEntity(func(ev notify.EntityEvent) { s.markChanged(ev.ShardKey, ev.Origin) }),
			n.OnShard(func(ev notify.ShardEvent) {
				if ev.Tier == model.TierFast {
					s.markChanged(ev.ShardKey, ev.Origin)
				}
			}),
		)
	}
	return s
}

// Close detaches the store from the notifier
func (s *Store) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
}

// HasCloud reports whether a cloud tier is configured
func (s *Store) HasCloud() bool {
	return s.tiers.Cloud != nil
}

// Tiers returns the tier handles
func (s *Store) Tiers() Tiers {
	return s.tiers
}

// NextStamp returns a timestamp strictly greater than every stamp handed out
// or loaded before
func (s *Store) NextStamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStampLocked()
}

func (s *Store) nextStampLocked() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	return now
}

func (s *Store) observeStampLocked(t time.Time) {
	if t.After(s.lastStamp) {
		s.lastStamp = t.UTC()
	}
}

// loadLocked returns the record of tier. The fast tier is loaded once;
// durable tiers are reloaded on every call.
func (s *Store) loadLocked(ctx context.Context, tier model.Tier) (*model.Metadata, error) {
	cached, ok := s.cache[tier]
	if ok && tier == model.TierFast {
		return cached, nil
	}
	p, err := s.tiers.Persistence(tier)
	if err != nil {
		return nil, err
	}
	md, err := p.LoadMetadata(ctx, s.tenant)
	if err != nil {
		return nil, err
	}
	if md == nil {
		if ok {
			// initialized but never persisted
			return cached, nil
		}
		md = model.NewMetadata(s.now().UTC())
	}
	if md.EntityKeys == nil {
		md.EntityKeys = make(map[string]model.EntityKeyMetadata)
	}
	s.observeStampLocked(md.UpdatedAt)
	s.cache[tier] = md
	if tier == model.TierFast {
		s.hashedAt, s.hashedVer = md.UpdatedAt, md.Version
	}
	return md, nil
}

// GetMetadata returns a copy of the tier's record. For the fast tier, shard
// hashes and counts are brought up to date first.
func (s *Store) GetMetadata(ctx context.Context, tier model.Tier) (*model.Metadata, error) {
	if tier == model.TierFast {
		s.gate.Lock()
		defer s.gate.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := s.loadLocked(ctx, tier)
	if err != nil {
		return nil, err
	}
	if tier == model.TierFast {
		if err := s.rehashLocked(ctx, md); err != nil {
			return nil, err
		}
	}
	return md.Clone(), nil
}

// rehashLocked recomputes the dirty fast-tier shards, writes their canonical
// form back and persists the record. Requires the gate and mu.
func (s *Store) rehashLocked(ctx context.Context, md *model.Metadata) error {
	if len(s.dirty) == 0 && md.SameStamp(s.hashedAt, s.hashedVer) {
		return nil
	}

	for key := range s.dirty {
		data, err := s.tiers.Fast.LoadData(ctx, s.tenant, key)
		if err != nil {
			return err
		}
		if data == nil {
			delete(md.EntityKeys, key)
			delete(s.dirty, key)
			continue
		}
		entry, err := canonical.Describe(data, md.EntityKeys[key].UpdatedAt)
		if err != nil {
			return err
		}
		if err := s.tiers.Fast.StoreData(ctx, s.tenant, key, data); err != nil {
			return err
		}
		md.EntityKeys[key] = entry
		delete(s.dirty, key)
	}

	if err := s.tiers.Fast.StoreMetadata(ctx, s.tenant, md); err != nil {
		return err
	}
	s.hashedAt, s.hashedVer = md.UpdatedAt, md.Version
	s.logger.Debug("Fast tier metadata rehashed",
		zap.String("tenant", s.tenant),
		zap.Int("shards", len(md.EntityKeys)),
		zap.Int64("version", md.Version))
	return nil
}

// Stamp returns the tier's top-level updatedAt and version without
// recomputing any hash. Durable tiers report their persisted stamp.
func (s *Store) Stamp(ctx context.Context, tier model.Tier) (time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, err := s.loadLocked(ctx, tier)
	if err != nil {
		return time.Time{}, 0, err
	}
	return md.UpdatedAt, md.Version, nil
}

// SaveMetadata persists md as the tier's record and refreshes the cache
func (s *Store) SaveMetadata(ctx context.Context, tier model.Tier, md *model.Metadata) error {
	p, err := s.tiers.Persistence(tier)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := md.Clone()
	if c.EntityKeys == nil {
		c.EntityKeys = make(map[string]model.EntityKeyMetadata)
	}
	if err := p.StoreMetadata(ctx, s.tenant, c); err != nil {
		return err
	}
	s.observeStampLocked(c.UpdatedAt)
	s.cache[tier] = c
	return nil
}

// ErrSkipUpdate aborts an Update without persisting anything
var ErrSkipUpdate = fmt.Errorf("metadata update skipped")

// Update applies fn to the tier's current record and persists the result.
// fn runs under the store's lock and receives a copy; returning an error
// (ErrSkipUpdate included) leaves cache and tier untouched.
// Shard keys of the fast tier that fn rewrites are no longer dirty.
func (s *Store) Update(ctx context.Context, tier model.Tier, fn func(md *model.Metadata) error) error {
	p, err := s.tiers.Persistence(tier)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(ctx, tier)
	if err != nil {
		return err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := p.StoreMetadata(ctx, s.tenant, next); err != nil {
		return err
	}
	if tier == model.TierFast {
		for key, entry := range next.EntityKeys {
			if old, ok := cur.EntityKeys[key]; !ok || old.Hash != entry.Hash {
				delete(s.dirty, key)
			}
		}
		if len(s.dirty) == 0 {
			s.hashedAt, s.hashedVer = next.UpdatedAt, next.Version
		}
	}
	s.observeStampLocked(next.UpdatedAt)
	s.cache[tier] = next
	return nil
}

// RegisterShard records entry for a shard copied into tier by hydration.
// The tier's top-level stamp is left alone: hydration does not change what
// the tier logically holds.
func (s *Store) RegisterShard(ctx context.Context, tier model.Tier, shardKey string, entry model.EntityKeyMetadata) error {
	return s.Update(ctx, tier, func(md *model.Metadata) error {
		md.EntityKeys[shardKey] = entry.Clone()
		return nil
	})
}

// Entry returns the shard entry of tier
func (s *Store) Entry(ctx context.Context, tier model.Tier, shardKey string) (model.EntityKeyMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, err := s.loadLocked(ctx, tier)
	if err != nil {
		return model.EntityKeyMetadata{}, false, err
	}
	entry, ok := md.EntityKeys[shardKey]
	return entry.Clone(), ok, nil
}

// ShardCount returns the number of shards the tier's record lists
func (s *Store) ShardCount(ctx context.Context, tier model.Tier) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, err := s.loadLocked(ctx, tier)
	if err != nil {
		return 0, err
	}
	return len(md.EntityKeys), nil
}

// StoreContains reports whether shardKey is resident in the fast tier
func (s *Store) StoreContains(shardKey string) bool {
	return s.tiers.Fast.Contains(s.tenant, shardKey)
}

// LocalContains reports whether the local tier's metadata lists shardKey
func (s *Store) LocalContains(ctx context.Context, shardKey string) (bool, error) {
	_, ok, err := s.Entry(ctx, model.TierLocal, shardKey)
	return ok, err
}

// CloudContains reports whether the cloud tier's metadata lists shardKey.
// It is false, not an error, when no cloud tier is configured.
func (s *Store) CloudContains(ctx context.Context, shardKey string) (bool, error) {
	if !s.HasCloud() {
		return false, nil
	}
	_, ok, err := s.Entry(ctx, model.TierCloud, shardKey)
	return ok, err
}

// Preload loads every configured tier's record
func (s *Store) Preload(ctx context.Context) error {
	tiers := []model.Tier{model.TierFast, model.TierLocal}
	if s.HasCloud() {
		tiers = append(tiers, model.TierCloud)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tier := range tiers {
		if _, err := s.loadLocked(ctx, tier); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops the cached records so the next access reloads them,
// including the fast tier's
func (s *Store) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[model.Tier]*model.Metadata)
	s.dirty = make(map[string]struct{})
}

// markChanged is the event fast path: bump the fast tier's stamp and the
// shard's updatedAt, defer the hash. Events raised by hydration or by the
// change set computer are already accounted for.
func (s *Store) markChanged(shardKey string, origin notify.Origin) {
	if origin != notify.OriginLocal {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := s.loadLocked(context.Background(), model.TierFast)
	if err != nil {
		s.logger.Error("Failed to load fast tier metadata", zap.Error(err))
		return
	}
	stamp := s.nextStampLocked()
	md.UpdatedAt = stamp
	md.Version++
	entry := md.EntityKeys[shardKey]
	entry.UpdatedAt = stamp
	md.EntityKeys[shardKey] = entry
	s.dirty[shardKey] = struct{}{}
}
