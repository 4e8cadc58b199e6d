// Package changeset converges two tiers by diffing their shard hashes and
// merging the entities of mismatched shards last-writer-wins.
package changeset

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/devrev/tiersync/internal/canonical"
	"github.com/devrev/tiersync/internal/metadata"
	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/notify"
	"go.uber.org/zap"
)

// Result summarizes one sync of a tier pair
type Result struct {
	Pair model.Pair
	// Unchanged is set when both tiers carried the same stamp and nothing ran
	Unchanged bool
	OpsToA    int
	OpsToB    int
	// SkippedA and SkippedB report a target whose metadata changed during
	// the sync; nothing was applied to it this round
	SkippedA bool
	SkippedB bool
}

// ConcurrentMutation reports whether any target was skipped
func (r Result) ConcurrentMutation() bool {
	return r.SkippedA || r.SkippedB
}

// Plan is the set of operations computed for a tier pair
type Plan struct {
	ToA []Operation
	ToB []Operation
}

// Computer runs the merge for the tiers of one tenant
type Computer struct {
	tenant   string
	meta     *metadata.Store
	notifier *notify.Notifier
	gate     *sync.RWMutex
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a Computer. gate is the write gate shared with the data
// access layer.
func New(tenant string, meta *metadata.Store, n *notify.Notifier, gate *sync.RWMutex, m *metrics.Metrics, logger *zap.Logger) *Computer {
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &Computer{
		tenant:   tenant,
		meta:     meta,
		notifier: n,
		gate:     gate,
		metrics:  m,
		logger:   logger,
	}
}

// snapshot is one side of a sync as read at the start
type snapshot struct {
	tier model.Tier
	md   *model.Metadata
	data map[string]*model.EntityKeyData
}

// Sync converges tiers a and b. Operations for b are applied first; a is
// left untouched when its metadata changed since the sync started.
func (c *Computer) Sync(ctx context.Context, a, b model.Tier) (Result, error) {
	pair := model.Pair{Source: a, Target: b}
	start := time.Now()

	res, err := c.sync(ctx, a, b)
	res.Pair = pair

	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case res.Unchanged:
		outcome = "unchanged"
	case res.ConcurrentMutation():
		outcome = "skipped"
	}
	c.metrics.ObserveSync(pair.String(), outcome, time.Since(start))

	if err != nil {
		c.logger.Error("Sync failed", zap.String("pair", pair.String()), zap.Error(err))
		return res, err
	}
	if !res.Unchanged {
		c.logger.Info("Sync completed",
			zap.String("pair", pair.String()),
			zap.Int("ops_to_a", res.OpsToA),
			zap.Int("ops_to_b", res.OpsToB),
			zap.Duration("duration", time.Since(start)))
	}
	return res, nil
}

func (c *Computer) sync(ctx context.Context, a, b model.Tier) (Result, error) {
	sa, sb, err := c.load(ctx, a, b)
	if err != nil {
		return Result{}, err
	}
	if sa.md.SameStamp(sb.md.UpdatedAt, sb.md.Version) {
		return Result{Unchanged: true}, nil
	}

	plan, err := c.plan(ctx, sa, sb)
	if err != nil {
		return Result{}, err
	}
	res := Result{OpsToA: len(plan.ToA), OpsToB: len(plan.ToB)}

	stamp, version := c.roundStamp(sa.md, sb.md, plan)

	appliedB, err := c.apply(ctx, sb, sa, plan.ToB, stamp, version)
	if err != nil {
		return res, err
	}
	res.SkippedB = !appliedB

	appliedA, err := c.apply(ctx, sa, sb, plan.ToA, stamp, version)
	if err != nil {
		return res, err
	}
	res.SkippedA = !appliedA
	return res, nil
}

// Diff computes the operations a sync of a and b would apply, without
// applying them
func (c *Computer) Diff(ctx context.Context, a, b model.Tier) (Plan, error) {
	sa, sb, err := c.load(ctx, a, b)
	if err != nil {
		return Plan{}, err
	}
	return c.plan(ctx, sa, sb)
}

func (c *Computer) load(ctx context.Context, a, b model.Tier) (*snapshot, *snapshot, error) {
	mdA, err := c.meta.GetMetadata(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	mdB, err := c.meta.GetMetadata(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return &snapshot{tier: a, md: mdA, data: make(map[string]*model.EntityKeyData)},
		&snapshot{tier: b, md: mdB, data: make(map[string]*model.EntityKeyData)}, nil
}

// plan diffs the shard sets and merges mismatched shards. A shard missing
// from the fast tier is not loaded rather than deleted, so it never
// produces an operation.
func (c *Computer) plan(ctx context.Context, sa, sb *snapshot) (Plan, error) {
	onlyA, onlyB, common := Partition(sa.md.SortedKeys(), sb.md.SortedKeys())
	if sb.tier == model.TierFast {
		onlyA = nil
	}
	if sa.tier == model.TierFast {
		onlyB = nil
	}

	var plan Plan
	for _, key := range onlyA {
		if err := c.loadShard(ctx, sa, key); err != nil {
			return Plan{}, err
		}
		plan.ToB = append(plan.ToB, Operation{Kind: OpCopy, ShardKey: key})
	}
	for _, key := range onlyB {
		if err := c.loadShard(ctx, sb, key); err != nil {
			return Plan{}, err
		}
		plan.ToA = append(plan.ToA, Operation{Kind: OpCopy, ShardKey: key})
	}
	for _, key := range common {
		if sa.md.EntityKeys[key].Hash == sb.md.EntityKeys[key].Hash {
			continue
		}
		if err := c.loadShard(ctx, sa, key); err != nil {
			return Plan{}, err
		}
		if err := c.loadShard(ctx, sb, key); err != nil {
			return Plan{}, err
		}
		toA, toB := diffShard(key, sa.data[key], sb.data[key])
		plan.ToA = append(plan.ToA, toA...)
		plan.ToB = append(plan.ToB, toB...)
	}
	return plan, nil
}

func (c *Computer) loadShard(ctx context.Context, s *snapshot, key string) error {
	p, err := c.meta.Tiers().Persistence(s.tier)
	if err != nil {
		return err
	}
	data, err := p.LoadData(ctx, c.tenant, key)
	if err != nil {
		return err
	}
	if data == nil {
		data = model.NewEntityKeyData()
	}
	s.data[key] = data
	return nil
}

// roundStamp picks the stamp both tiers carry after the round. A round with
// operations takes a fresh stamp; otherwise the higher of both existing
// stamps is shared so repeated no-op rounds settle.
func (c *Computer) roundStamp(mdA, mdB *model.Metadata, plan Plan) (time.Time, int64) {
	version := mdA.Version
	if mdB.Version > version {
		version = mdB.Version
	}
	if len(plan.ToA) > 0 || len(plan.ToB) > 0 {
		return c.meta.NextStamp(), version + 1
	}
	stamp := mdA.UpdatedAt
	if mdB.UpdatedAt.After(stamp) {
		stamp = mdB.UpdatedAt
	}
	return stamp, version
}

// apply writes ops into target and moves its stamp to (stamp, version).
// It returns false without touching target when target's persisted stamp is
// no longer the one read at the start of the sync, which is how a write by
// another replica sharing a durable tier is detected. Fast-tier applies run
// under the write gate so no local write can interleave.
func (c *Computer) apply(ctx context.Context, target, source *snapshot, ops []Operation, stamp time.Time, version int64) (bool, error) {
	var changed []string
	applied, err := func() (bool, error) {
		if target.tier == model.TierFast && len(ops) > 0 {
			c.gate.Lock()
			defer c.gate.Unlock()
		}

		updatedAt, v, err := c.meta.Stamp(ctx, target.tier)
		if err != nil {
			return false, err
		}
		if !target.md.SameStamp(updatedAt, v) {
			return false, nil
		}

		entries, err := c.write(ctx, target, source, ops, stamp)
		if err != nil {
			return false, err
		}
		for key := range entries {
			changed = append(changed, key)
		}
		if len(entries) == 0 && target.md.SameStamp(stamp, version) {
			return true, nil
		}

		err = c.meta.Update(ctx, target.tier, func(md *model.Metadata) error {
			if !md.SameStamp(target.md.UpdatedAt, target.md.Version) {
				return metadata.ErrSkipUpdate
			}
			for key, entry := range entries {
				md.EntityKeys[key] = entry
			}
			md.UpdatedAt = stamp
			md.Version = version
			return nil
		})
		if errors.Is(err, metadata.ErrSkipUpdate) {
			if target.tier != model.TierFast && len(entries) > 0 {
				return false, c.reconcile(ctx, target.tier, changed)
			}
			return false, nil
		}
		return err == nil, err
	}()
	if err != nil {
		return false, err
	}
	if !applied {
		c.metrics.ConcurrentMutationSkip.WithLabelValues(target.tier.String()).Inc()
		c.logger.Warn("Target tier changed during sync, skipping apply",
			zap.String("tier", target.tier.String()),
			zap.Int("pending_ops", len(ops)))
		return false, nil
	}

	for _, op := range ops {
		c.metrics.SyncOperationsTotal.WithLabelValues(target.tier.String(), string(op.Kind)).Inc()
	}
	sort.Strings(changed)
	for _, key := range changed {
		c.notifier.ShardChanged(notify.ShardEvent{ShardKey: key, Tier: target.tier, Origin: notify.OriginSync})
	}
	return true, nil
}

// reconcile runs when another writer committed to a durable tier after this
// round already stored shard payloads there. Those payloads may now sit
// under the other writer's entries, so the entries are recomputed from what
// is stored and the stamp is moved forward, making every replica diff the
// shards again.
func (c *Computer) reconcile(ctx context.Context, tier model.Tier, keys []string) error {
	p, err := c.meta.Tiers().Persistence(tier)
	if err != nil {
		return err
	}
	stamp := c.meta.NextStamp()
	stored := make(map[string]model.EntityKeyMetadata, len(keys))
	for _, key := range keys {
		data, err := p.LoadData(ctx, c.tenant, key)
		if err != nil {
			return err
		}
		if data == nil {
			data = model.NewEntityKeyData()
		}
		if stored[key], err = canonical.Describe(data, stamp); err != nil {
			return err
		}
	}

	err = c.meta.Update(ctx, tier, func(md *model.Metadata) error {
		stale := false
		for key, entry := range stored {
			if md.EntityKeys[key].Hash != entry.Hash {
				md.EntityKeys[key] = entry
				stale = true
			}
		}
		if !stale {
			return metadata.ErrSkipUpdate
		}
		md.UpdatedAt = stamp
		md.Version++
		return nil
	})
	if errors.Is(err, metadata.ErrSkipUpdate) {
		return nil
	}
	if err == nil {
		c.logger.Warn("Shard entries rewritten after a concurrent commit",
			zap.String("tier", tier.String()),
			zap.Strings("shard_keys", keys))
	}
	return err
}

// write applies ops shard by shard and returns the new metadata entries
func (c *Computer) write(ctx context.Context, target, source *snapshot, ops []Operation, stamp time.Time) (map[string]model.EntityKeyMetadata, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	p, err := c.meta.Tiers().Persistence(target.tier)
	if err != nil {
		return nil, err
	}

	byShard := make(map[string][]Operation)
	var order []string
	for _, op := range ops {
		if _, ok := byShard[op.ShardKey]; !ok {
			order = append(order, op.ShardKey)
		}
		byShard[op.ShardKey] = append(byShard[op.ShardKey], op)
	}

	entries := make(map[string]model.EntityKeyMetadata, len(order))
	for _, key := range order {
		shardOps := byShard[key]
		var (
			data  *model.EntityKeyData
			entry model.EntityKeyMetadata
		)
		if shardOps[0].Kind == OpCopy {
			// described from the payload itself: the source entry was read
			// before the payload and may already be stale
			data = source.data[key].Clone()
		} else {
			data = target.data[key].Clone()
			for _, op := range shardOps {
				applyOp(data, op)
			}
		}
		entry, err = canonical.Describe(data, stamp)
		if err != nil {
			return nil, err
		}

		if err := p.StoreData(ctx, c.tenant, key, data); err != nil {
			return nil, err
		}
		entries[key] = entry
		c.logger.Debug("Shard merged",
			zap.String("tier", target.tier.String()),
			zap.String("shard_key", key),
			zap.Int("ops", len(shardOps)))
	}
	return entries, nil
}
