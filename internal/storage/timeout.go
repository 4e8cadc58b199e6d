package storage

import (
	"context"
	"time"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
)

// WithTimeout bounds every call on p by d. A call that outlives d fails
// with a PersistenceIO error; the backend call itself keeps running until
// it returns, since not every backend honours context cancellation.
func WithTimeout(p Persistence, tier model.Tier, d time.Duration) Persistence {
	if d <= 0 {
		return p
	}
	return &timeoutTier{next: p, tier: tier, timeout: d}
}

type timeoutTier struct {
	next    Persistence
	tier    model.Tier
	timeout time.Duration
}

type result[T any] struct {
	v   T
	err error
}

func bounded[T any](ctx context.Context, t *timeoutTier, op, shardKey string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, syncerrors.PersistenceIO(t.tier.String(), op, shardKey, ctx.Err()).
			WithDetail("timeout", t.timeout.String())
	}
}

func (t *timeoutTier) LoadData(ctx context.Context, tenant, shardKey string) (*model.EntityKeyData, error) {
	return bounded(ctx, t, "load", shardKey, func(ctx context.Context) (*model.EntityKeyData, error) {
		return t.next.LoadData(ctx, tenant, shardKey)
	})
}

func (t *timeoutTier) StoreData(ctx context.Context, tenant, shardKey string, data *model.EntityKeyData) error {
	_, err := bounded(ctx, t, "store", shardKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.StoreData(ctx, tenant, shardKey, data)
	})
	return err
}

func (t *timeoutTier) ClearData(ctx context.Context, tenant, shardKey string) error {
	_, err := bounded(ctx, t, "clear", shardKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.ClearData(ctx, tenant, shardKey)
	})
	return err
}

func (t *timeoutTier) LoadMetadata(ctx context.Context, tenant string) (*model.Metadata, error) {
	return bounded(ctx, t, "load", model.MetadataID, func(ctx context.Context) (*model.Metadata, error) {
		return t.next.LoadMetadata(ctx, tenant)
	})
}

func (t *timeoutTier) StoreMetadata(ctx context.Context, tenant string, md *model.Metadata) error {
	_, err := bounded(ctx, t, "store", model.MetadataID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.StoreMetadata(ctx, tenant, md)
	})
	return err
}
