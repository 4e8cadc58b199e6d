// Package memtier is the in-memory fast tier. Shards of each tenant are kept
// in a skip list ordered by shard key.
package memtier

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/storage/memtable"
)

// Store implements storage.FastPersistence
type Store struct {
	mu       sync.RWMutex
	shards   map[string]*memtable.SkipList[*model.EntityKeyData]
	metadata map[string]*model.Metadata
}

// New creates an empty fast tier
func New() *Store {
	return &Store{
		shards:   make(map[string]*memtable.SkipList[*model.EntityKeyData]),
		metadata: make(map[string]*model.Metadata),
	}
}

func (s *Store) tenantLocked(tenant string) *memtable.SkipList[*model.EntityKeyData] {
	sl, ok := s.shards[tenant]
	if !ok {
		sl = memtable.NewSkipList[*model.EntityKeyData]()
		s.shards[tenant] = sl
	}
	return sl
}

func (s *Store) shard(tenant, shardKey string) (*model.EntityKeyData, bool) {
	sl, ok := s.shards[tenant]
	if !ok {
		return nil, false
	}
	return sl.Get(shardKey)
}

func (s *Store) LoadData(_ context.Context, tenant, shardKey string) (*model.EntityKeyData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.shard(tenant, shardKey)
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (s *Store) StoreData(_ context.Context, tenant, shardKey string, data *model.EntityKeyData) error {
	if data == nil {
		data = model.NewEntityKeyData()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantLocked(tenant).Put(shardKey, data.Clone())
	return nil
}

func (s *Store) ClearData(_ context.Context, tenant, shardKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.shards[tenant]; ok {
		sl.Delete(shardKey)
	}
	return nil
}

func (s *Store) LoadMetadata(_ context.Context, tenant string) (*model.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata[tenant].Clone(), nil
}

func (s *Store) StoreMetadata(_ context.Context, tenant string, md *model.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[tenant] = md.Clone()
	return nil
}

func (s *Store) Get(tenant, shardKey, entityType, id string) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.shard(tenant, shardKey)
	if !ok {
		return model.Entity{}, false
	}
	e, ok := d.Get(entityType, id)
	if !ok {
		return model.Entity{}, false
	}
	return e.Clone(), true
}

func (s *Store) GetAll(tenant, shardKey, entityType string) []model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.shard(tenant, shardKey)
	if !ok {
		return nil
	}
	return d.All(entityType)
}

func (s *Store) Save(tenant, shardKey, entityType string, e model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.tenantLocked(tenant)
	d, ok := sl.Get(shardKey)
	if !ok {
		d = model.NewEntityKeyData()
		sl.Put(shardKey, d)
	}
	d.Set(entityType, e.Clone())
}

func (s *Store) Delete(tenant, shardKey, entityType, id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.tenantLocked(tenant)
	d, ok := sl.Get(shardKey)
	if !ok {
		d = model.NewEntityKeyData()
		sl.Put(shardKey, d)
	}
	_, existed := d.Get(entityType, id)
	d.Tombstone(entityType, id, at)
	return existed
}

func (s *Store) Contains(tenant, shardKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.shard(tenant, shardKey)
	return ok
}

// ShardKeys returns the resident shard keys of tenant in ascending order
func (s *Store) ShardKeys(tenant string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.shards[tenant]
	if !ok {
		return nil
	}
	return sl.Keys()
}
