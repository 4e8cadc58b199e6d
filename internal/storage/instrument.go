package storage

import (
	"context"
	"time"

	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
)

// Instrument records duration and failures of every call on p
func Instrument(p Persistence, tier model.Tier, m *metrics.Metrics) Persistence {
	if m == nil {
		return p
	}
	return &instrumentedTier{next: p, tier: tier.String(), m: m}
}

type instrumentedTier struct {
	next Persistence
	tier string
	m    *metrics.Metrics
}

func (t *instrumentedTier) observe(op string, start time.Time, err error) error {
	t.m.ObserveTierOp(t.tier, op, time.Since(start), err)
	return err
}

func (t *instrumentedTier) LoadData(ctx context.Context, tenant, shardKey string) (*model.EntityKeyData, error) {
	start := time.Now()
	d, err := t.next.LoadData(ctx, tenant, shardKey)
	return d, t.observe("load", start, err)
}

func (t *instrumentedTier) StoreData(ctx context.Context, tenant, shardKey string, data *model.EntityKeyData) error {
	start := time.Now()
	return t.observe("store", start, t.next.StoreData(ctx, tenant, shardKey, data))
}

func (t *instrumentedTier) ClearData(ctx context.Context, tenant, shardKey string) error {
	start := time.Now()
	return t.observe("clear", start, t.next.ClearData(ctx, tenant, shardKey))
}

func (t *instrumentedTier) LoadMetadata(ctx context.Context, tenant string) (*model.Metadata, error) {
	start := time.Now()
	md, err := t.next.LoadMetadata(ctx, tenant)
	return md, t.observe("load_metadata", start, err)
}

func (t *instrumentedTier) StoreMetadata(ctx context.Context, tenant string, md *model.Metadata) error {
	start := time.Now()
	return t.observe("store_metadata", start, t.next.StoreMetadata(ctx, tenant, md))
}
