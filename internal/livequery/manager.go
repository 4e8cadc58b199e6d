// Package livequery publishes entity and collection updates to subscribers.
// Streams are shared between subscribers of the same key and torn down when
// the last one unsubscribes.
package livequery

import (
	"context"
	"sync"

	"github.com/devrev/tiersync/internal/access"
	"github.com/devrev/tiersync/internal/keys"
	"github.com/devrev/tiersync/internal/metrics"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/notify"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type entityKey struct {
	entityType string
	id         string
}

type shardKey struct {
	entityType string
	shardKey   string
}

// stream is a state-holding subject with a subscriber count.
// refs is only touched inside the owning map's Compute.
type stream[T any] struct {
	subject *notify.Subject[T]
	refs    int
	// serializes refreshes so an older read never overwrites a newer one
	mu sync.Mutex
}

// Manager owns the live streams of one tenant
type Manager struct {
	data    *access.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger

	entities *xsync.MapOf[entityKey, *stream[*model.Entity]]
	shards   *xsync.MapOf[shardKey, *stream[[]model.Entity]]

	unsubscribe []func()
}

// New creates a live query manager and subscribes it to n
func New(data *access.Manager, n *notify.Notifier, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	lq := &Manager{
		data:     data,
		metrics:  m,
		logger:   logger,
		entities: xsync.NewMapOf[entityKey, *stream[*model.Entity]](),
		shards:   xsync.NewMapOf[shardKey, *stream[[]model.Entity]](),
	}
	lq.unsubscribe = append(lq.unsubscribe,
		n.OnEntity(lq.onEntity),
		n.OnShard(lq.onShard),
	)
	return lq
}

// Close detaches the manager from the notifier. Existing subscriptions stop
// receiving updates.
func (m *Manager) Close() {
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

// Subscription is a handle on a live query
type Subscription struct {
	once    sync.Once
	release func()
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.release)
}

// Observe delivers the entity with id, or nil when it does not exist, now
// and after every change. fn runs synchronously on the goroutine that made
// the change and must not write through the data layer itself.
func (m *Manager) Observe(ctx context.Context, entityType, id string, fn func(*model.Entity)) (*Subscription, error) {
	key := entityKey{entityType: entityType, id: id}
	s, created := acquire(m.entities, key)
	if created {
		m.metrics.LiveStreams.WithLabelValues("entity").Inc()
		if _, _, err := m.data.Get(ctx, entityType, id); err != nil {
			m.releaseEntity(key)
			return nil, err
		}
		m.refreshEntity(key, s)
	}

	unsubscribe := s.subject.Subscribe(fn)
	return &Subscription{release: func() {
		unsubscribe()
		m.releaseEntity(key)
	}}, nil
}

// ObserveAll delivers the filtered, sorted collection of entityType selected
// by opts, now and after every change of any shard it spans
func (m *Manager) ObserveAll(ctx context.Context, entityType string, opts keys.QueryOptions, fn func([]model.Entity)) (*Subscription, error) {
	shardKeys := m.data.Partitioner().EntityKeys(entityType, opts)
	if err := m.data.HydrateAll(ctx, shardKeys); err != nil {
		return nil, err
	}

	fan := &fanIn{opts: opts, fn: fn, latest: make(map[string][]model.Entity, len(shardKeys))}
	var releases []func()
	for _, sk := range shardKeys {
		key := shardKey{entityType: entityType, shardKey: sk}
		s, created := acquire(m.shards, key)
		if created {
			m.metrics.LiveStreams.WithLabelValues("shard").Inc()
			m.refreshShard(key, s)
		}
		sk := sk
		unsubscribe := s.subject.Subscribe(func(entities []model.Entity) { fan.update(sk, entities) })
		releases = append(releases, func() {
			unsubscribe()
			m.releaseShard(key)
		})
	}
	fan.start()

	return &Subscription{release: func() {
		for _, release := range releases {
			release()
		}
	}}, nil
}

// Streams returns the number of live entity and shard streams
func (m *Manager) Streams() (entities, shards int) {
	return m.entities.Size(), m.shards.Size()
}

func acquire[K comparable, T any](streams *xsync.MapOf[K, *stream[T]], key K) (*stream[T], bool) {
	created := false
	s, _ := streams.Compute(key, func(old *stream[T], loaded bool) (*stream[T], bool) {
		if !loaded {
			old = &stream[T]{subject: notify.NewSubject[T](true)}
			created = true
		}
		old.refs++
		return old, false
	})
	return s, created
}

func release[K comparable, T any](streams *xsync.MapOf[K, *stream[T]], key K) bool {
	removed := false
	streams.Compute(key, func(old *stream[T], loaded bool) (*stream[T], bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		removed = old.refs <= 0
		return old, removed
	})
	return removed
}

func (m *Manager) releaseEntity(key entityKey) {
	if release(m.entities, key) {
		m.metrics.LiveStreams.WithLabelValues("entity").Dec()
	}
}

func (m *Manager) releaseShard(key shardKey) {
	if release(m.shards, key) {
		m.metrics.LiveStreams.WithLabelValues("shard").Dec()
	}
}

func (m *Manager) refreshEntity(key entityKey, s *stream[*model.Entity]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v *model.Entity
	if e, ok := m.data.Lookup(key.entityType, key.id); ok {
		v = &e
	}
	s.subject.Publish(v)
}

func (m *Manager) refreshShard(key shardKey, s *stream[[]model.Entity]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject.Publish(m.data.Snapshot(key.entityType, key.shardKey))
}

func (m *Manager) onEntity(ev notify.EntityEvent) {
	ek := entityKey{entityType: ev.EntityType, id: ev.ID}
	if s, ok := m.entities.Load(ek); ok {
		m.refreshEntity(ek, s)
	}
	sk := shardKey{entityType: ev.EntityType, shardKey: ev.ShardKey}
	if s, ok := m.shards.Load(sk); ok {
		m.refreshShard(sk, s)
	}
}

// onShard refreshes every stream reading the changed fast-tier shard
func (m *Manager) onShard(ev notify.ShardEvent) {
	if ev.Tier != model.TierFast {
		return
	}
	partitioner := m.data.Partitioner()
	m.entities.Range(func(key entityKey, s *stream[*model.Entity]) bool {
		if partitioner.EntityKeyFromID(key.id) == ev.ShardKey {
			m.refreshEntity(key, s)
		}
		return true
	})
	m.shards.Range(func(key shardKey, s *stream[[]model.Entity]) bool {
		if key.shardKey == ev.ShardKey {
			m.refreshShard(key, s)
		}
		return true
	})
	m.logger.Debug("Live queries refreshed",
		zap.String("shard_key", ev.ShardKey),
		zap.String("origin", string(ev.Origin)))
}

// fanIn combines the latest value of several shard streams
type fanIn struct {
	mu      sync.Mutex
	opts    keys.QueryOptions
	fn      func([]model.Entity)
	latest  map[string][]model.Entity
	started bool
}

func (f *fanIn) update(shard string, entities []model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[shard] = entities
	if f.started {
		f.emitLocked()
	}
}

// start emits the first combined value once every shard stream replayed
func (f *fanIn) start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.emitLocked()
}

func (f *fanIn) emitLocked() {
	var all []model.Entity
	for _, entities := range f.latest {
		all = append(all, entities...)
	}
	f.fn(access.Apply(all, f.opts))
}
