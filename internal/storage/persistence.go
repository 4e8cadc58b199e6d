// Package storage defines the contract every tier satisfies and the
// decorators shared by all durable tiers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/tiersync/internal/model"
)

// Persistence is the load/store/clear contract of one tier.
// LoadData and LoadMetadata return nil, nil when nothing is stored yet.
type Persistence interface {
	LoadData(ctx context.Context, tenant, shardKey string) (*model.EntityKeyData, error)
	StoreData(ctx context.Context, tenant, shardKey string, data *model.EntityKeyData) error
	ClearData(ctx context.Context, tenant, shardKey string) error
	LoadMetadata(ctx context.Context, tenant string) (*model.Metadata, error)
	StoreMetadata(ctx context.Context, tenant string, md *model.Metadata) error
}

// FastPersistence is the in-memory tier. Entity accessors are synchronous
// and never fail; Contains reports whether a shard is resident.
type FastPersistence interface {
	Persistence
	Get(tenant, shardKey, entityType, id string) (model.Entity, bool)
	GetAll(tenant, shardKey, entityType string) []model.Entity
	Save(tenant, shardKey, entityType string, e model.Entity)
	// Delete removes the active entity and records a tombstone at at.
	// It reports whether an active entity was removed.
	Delete(tenant, shardKey, entityType, id string, at time.Time) bool
	Contains(tenant, shardKey string) bool
}

// ErrNotFound is returned by BlobStore.Get for missing keys
var ErrNotFound = errors.New("blob not found")

// BlobStore is a byte-level key/value backend. Delete of a missing key
// is not an error.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ShardBlobKey returns the blob key of a shard payload
func ShardBlobKey(tenant, shardKey string) string {
	return tenant + "/" + shardKey
}

// MetadataBlobKey returns the blob key of a tenant's metadata record
func MetadataBlobKey(tenant string) string {
	return tenant + "/" + model.MetadataID
}
