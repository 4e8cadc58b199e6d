package model

import (
	"sort"
	"time"
)

// MetadataID is the reserved id of the per-tier metadata record
const MetadataID = "_metadata"

// EntityTypeCounts holds per entity type counters of one shard
type EntityTypeCounts struct {
	Count        int `json:"count"`
	DeletedCount int `json:"deletedCount"`
}

// EntityKeyMetadata describes one shard as seen by a tier
type EntityKeyMetadata struct {
	UpdatedAt time.Time                   `json:"updatedAt"`
	Hash      string                      `json:"hash"`
	Entities  map[string]EntityTypeCounts `json:"entities,omitempty"`
}

// Clone returns a copy of the shard entry
func (m EntityKeyMetadata) Clone() EntityKeyMetadata {
	out := m
	if m.Entities != nil {
		out.Entities = make(map[string]EntityTypeCounts, len(m.Entities))
		for k, v := range m.Entities {
			out.Entities[k] = v
		}
	}
	return out
}

// Metadata is the per-tier bookkeeping record. It is itself an entity:
// UpdatedAt and Version only ever increase.
type Metadata struct {
	ID         string                       `json:"id"`
	CreatedAt  time.Time                    `json:"createdAt"`
	UpdatedAt  time.Time                    `json:"updatedAt"`
	Version    int64                        `json:"version"`
	EntityKeys map[string]EntityKeyMetadata `json:"entityKeys"`
}

// NewMetadata creates an empty metadata record
func NewMetadata(now time.Time) *Metadata {
	return &Metadata{
		ID:         MetadataID,
		CreatedAt:  now,
		EntityKeys: make(map[string]EntityKeyMetadata),
	}
}

// Clone returns a deep copy of the metadata
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.EntityKeys = make(map[string]EntityKeyMetadata, len(m.EntityKeys))
	for k, v := range m.EntityKeys {
		out.EntityKeys[k] = v.Clone()
	}
	return &out
}

// SortedKeys returns the shard keys in ascending order
func (m *Metadata) SortedKeys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.EntityKeys))
	for k := range m.EntityKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SameStamp reports whether two metadata records carry the same top-level stamp
func (m *Metadata) SameStamp(updatedAt time.Time, version int64) bool {
	return m.UpdatedAt.Equal(updatedAt) && m.Version == version
}
