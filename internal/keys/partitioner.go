// Package keys derives shard keys ("entity keys") and entity ids.
//
// An id is formatted as <shardKey><separator><randomSuffix> where the suffix
// has a fixed length, so the shard key is recovered from any id by truncation.
package keys

import (
	"sort"
	"strings"

	"github.com/devrev/tiersync/internal/model"
	"github.com/google/uuid"
)

const (
	DefaultSeparator        = "_"
	DefaultIdentifierLength = 12
)

// Partitioner generates ids and resolves shard keys using a Strategy
type Partitioner struct {
	strategy Strategy
}

// NewPartitioner creates a partitioner over the given strategy
func NewPartitioner(strategy Strategy) *Partitioner {
	return &Partitioner{strategy: strategy}
}

// GenerateNextID derives the entity's shard key and appends a random suffix
func (p *Partitioner) GenerateNextID(entityType string, entity model.Entity) string {
	key := p.strategy.GenerateKeyFor(entityType, entity)
	return key + p.strategy.Separator() + randomSuffix(p.strategy.IdentifierLength())
}

// EntityKeyFromID strips the trailing separator and random suffix.
// Ids too short to carry a suffix are returned as-is.
func (p *Partitioner) EntityKeyFromID(id string) string {
	cut := len(p.strategy.Separator()) + p.strategy.IdentifierLength()
	if len(id) <= cut {
		return id
	}
	return id[:len(id)-cut]
}

// IsWellFormedID reports whether id carries a separator-delimited suffix
func (p *Partitioner) IsWellFormedID(id string) bool {
	cut := len(p.strategy.Separator()) + p.strategy.IdentifierLength()
	if len(id) <= cut {
		return false
	}
	return strings.HasPrefix(id[len(id)-cut:], p.strategy.Separator())
}

// EntityKeys enumerates the shard keys a query may touch. When ids are given
// their shards are derived directly and the strategy is not consulted.
func (p *Partitioner) EntityKeys(entityType string, opts QueryOptions) []string {
	if len(opts.IDs) == 0 {
		return p.strategy.GenerateAllKeysFor(entityType, opts)
	}
	seen := make(map[string]struct{}, len(opts.IDs))
	out := make([]string, 0, len(opts.IDs))
	for _, id := range opts.IDs {
		key := p.EntityKeyFromID(id)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func randomSuffix(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}
