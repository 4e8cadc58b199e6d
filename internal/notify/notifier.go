package notify

import "github.com/devrev/tiersync/internal/model"

// EventType distinguishes entity mutations
type EventType string

const (
	EventSave   EventType = "save"
	EventDelete EventType = "delete"
)

// Origin tells consumers who produced an event
type Origin string

const (
	// OriginLocal is an application write through the data access layer
	OriginLocal Origin = "local"
	// OriginHydration is a shard copied into a faster tier on first access
	OriginHydration Origin = "hydration"
	// OriginSync is a merge applied by the change set computer
	OriginSync Origin = "sync"
)

// EntityEvent announces a change of one entity
type EntityEvent struct {
	Type       EventType
	ShardKey   string
	EntityType string
	ID         string
	Origin     Origin
}

// ShardEvent announces that a shard's content changed as a whole
type ShardEvent struct {
	ShardKey string
	Tier     model.Tier
	Origin   Origin
}

// Notifier is the per-tenant change bus. Neither stream replays history.
type Notifier struct {
	entities *Subject[EntityEvent]
	shards   *Subject[ShardEvent]
}

// NewNotifier creates a change bus
func NewNotifier() *Notifier {
	return &Notifier{
		entities: NewSubject[EntityEvent](false),
		shards:   NewSubject[ShardEvent](false),
	}
}

// OnEntity subscribes to entity events
func (n *Notifier) OnEntity(fn func(EntityEvent)) (unsubscribe func()) {
	return n.entities.Subscribe(fn)
}

// OnShard subscribes to shard events
func (n *Notifier) OnShard(fn func(ShardEvent)) (unsubscribe func()) {
	return n.shards.Subscribe(fn)
}

// EntityChanged publishes an entity event
func (n *Notifier) EntityChanged(ev EntityEvent) {
	n.entities.Publish(ev)
}

// ShardChanged publishes a shard event
func (n *Notifier) ShardChanged(ev ShardEvent) {
	n.shards.Publish(ev)
}
