package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cespare/xxhash/v2"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BlobTier adapts a BlobStore into a Persistence using a JSON codec.
// Decoded shards are optionally kept in an LRU cache keyed by the digest of
// their stored bytes. A store may be shared with other replicas, so every
// load still fetches the blob and a cached decode is only reused while the
// bytes are unchanged. Callers always receive copies.
type BlobTier struct {
	tier  model.Tier
	store BlobStore
	cache *lru.Cache[string, cachedShard]
}

type cachedShard struct {
	sum  uint64
	data *model.EntityKeyData
}

// NewBlobTier creates a tier over store. cacheEntries <= 0 disables the cache.
func NewBlobTier(tier model.Tier, store BlobStore, cacheEntries int) (*BlobTier, error) {
	t := &BlobTier{tier: tier, store: store}
	if cacheEntries > 0 {
		c, err := lru.New[string, cachedShard](cacheEntries)
		if err != nil {
			return nil, syncerrors.Configuration("invalid cache size", err)
		}
		t.cache = c
	}
	return t, nil
}

// Close closes the underlying store
func (t *BlobTier) Close() error {
	return t.store.Close()
}

func (t *BlobTier) LoadData(ctx context.Context, tenant, shardKey string) (*model.EntityKeyData, error) {
	key := ShardBlobKey(tenant, shardKey)
	raw, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		if t.cache != nil {
			t.cache.Remove(key)
		}
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.PersistenceIO(t.tier.String(), "load", shardKey, err)
	}

	sum := xxhash.Sum64(raw)
	if t.cache != nil {
		if c, ok := t.cache.Get(key); ok && c.sum == sum {
			return c.data.Clone(), nil
		}
	}

	data := model.NewEntityKeyData()
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, syncerrors.CorruptedData("failed to decode shard", err).
			WithDetail("tier", t.tier.String()).
			WithDetail("shard_key", shardKey)
	}
	if t.cache != nil {
		t.cache.Add(key, cachedShard{sum: sum, data: data.Clone()})
	}
	return data, nil
}

func (t *BlobTier) StoreData(ctx context.Context, tenant, shardKey string, data *model.EntityKeyData) error {
	if data == nil {
		data = model.NewEntityKeyData()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return syncerrors.InternalError("failed to encode shard", err)
	}

	key := ShardBlobKey(tenant, shardKey)
	if err := t.store.Put(ctx, key, raw); err != nil {
		if t.cache != nil {
			t.cache.Remove(key)
		}
		return wrapIO(t.tier, "store", shardKey, err)
	}
	if t.cache != nil {
		t.cache.Add(key, cachedShard{sum: xxhash.Sum64(raw), data: data.Clone()})
	}
	return nil
}

func (t *BlobTier) ClearData(ctx context.Context, tenant, shardKey string) error {
	key := ShardBlobKey(tenant, shardKey)
	if t.cache != nil {
		t.cache.Remove(key)
	}
	if err := t.store.Delete(ctx, key); err != nil {
		return wrapIO(t.tier, "clear", shardKey, err)
	}
	return nil
}

func (t *BlobTier) LoadMetadata(ctx context.Context, tenant string) (*model.Metadata, error) {
	raw, err := t.store.Get(ctx, MetadataBlobKey(tenant))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.PersistenceIO(t.tier.String(), "load", model.MetadataID, err)
	}

	var md model.Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, syncerrors.CorruptedData("failed to decode metadata", err).
			WithDetail("tier", t.tier.String())
	}
	if md.EntityKeys == nil {
		md.EntityKeys = make(map[string]model.EntityKeyMetadata)
	}
	return &md, nil
}

func (t *BlobTier) StoreMetadata(ctx context.Context, tenant string, md *model.Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return syncerrors.InternalError("failed to encode metadata", err)
	}
	if err := t.store.Put(ctx, MetadataBlobKey(tenant), raw); err != nil {
		return wrapIO(t.tier, "store", model.MetadataID, err)
	}
	return nil
}

// wrapIO keeps typed errors raised by the backend (disk guard) and wraps the rest
func wrapIO(tier model.Tier, op, shardKey string, err error) error {
	if syncerrors.IsSyncError(err) {
		return err
	}
	return syncerrors.PersistenceIO(tier.String(), op, shardKey, err)
}
