package model

import (
	"sort"
	"time"
)

// Entity is any domain record stored in a shard.
// UpdatedAt is the authority for conflict resolution between tiers.
type Entity struct {
	ID        string         `json:"id,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy of the entity with its own top-level field map
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Field returns a field value, or nil if the field is absent
func (e Entity) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// EntityKeyData is the payload of one shard.
// Entities maps entity type -> id -> active entity, Deleted maps
// entity type -> id -> deletion time. An id never appears in both maps
// for the same entity type.
type EntityKeyData struct {
	Entities map[string]map[string]Entity    `json:"entities"`
	Deleted  map[string]map[string]time.Time `json:"deleted,omitempty"`
}

// NewEntityKeyData creates an empty shard payload
func NewEntityKeyData() *EntityKeyData {
	return &EntityKeyData{
		Entities: make(map[string]map[string]Entity),
		Deleted:  make(map[string]map[string]time.Time),
	}
}

// Clone returns a deep copy of the shard payload
func (d *EntityKeyData) Clone() *EntityKeyData {
	if d == nil {
		return nil
	}
	out := NewEntityKeyData()
	for entityType, byID := range d.Entities {
		m := make(map[string]Entity, len(byID))
		for id, e := range byID {
			m[id] = e.Clone()
		}
		out.Entities[entityType] = m
	}
	for entityType, byID := range d.Deleted {
		m := make(map[string]time.Time, len(byID))
		for id, at := range byID {
			m[id] = at
		}
		out.Deleted[entityType] = m
	}
	return out
}

// Get returns the active entity for the given type and id
func (d *EntityKeyData) Get(entityType, id string) (Entity, bool) {
	if d == nil || d.Entities == nil {
		return Entity{}, false
	}
	e, ok := d.Entities[entityType][id]
	return e, ok
}

// DeletedAt returns the tombstone time for the given type and id
func (d *EntityKeyData) DeletedAt(entityType, id string) (time.Time, bool) {
	if d == nil || d.Deleted == nil {
		return time.Time{}, false
	}
	at, ok := d.Deleted[entityType][id]
	return at, ok
}

// Set stores an active entity and clears any tombstone for the same id
func (d *EntityKeyData) Set(entityType string, e Entity) {
	d.ensure()
	byID, ok := d.Entities[entityType]
	if !ok {
		byID = make(map[string]Entity)
		d.Entities[entityType] = byID
	}
	byID[e.ID] = e
	d.clearTombstone(entityType, e.ID)
}

// Tombstone removes the active entity and records its deletion time
func (d *EntityKeyData) Tombstone(entityType, id string, at time.Time) {
	d.ensure()
	if byID, ok := d.Entities[entityType]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(d.Entities, entityType)
		}
	}
	byID, ok := d.Deleted[entityType]
	if !ok {
		byID = make(map[string]time.Time)
		d.Deleted[entityType] = byID
	}
	byID[id] = at
}

// EntityTypes returns the sorted union of entity types in both maps
func (d *EntityKeyData) EntityTypes() []string {
	if d == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(d.Entities)+len(d.Deleted))
	for t := range d.Entities {
		seen[t] = struct{}{}
	}
	for t := range d.Deleted {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns the active entities of one type sorted by id
func (d *EntityKeyData) All(entityType string) []Entity {
	if d == nil || d.Entities == nil {
		return nil
	}
	byID := d.Entities[entityType]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id].Clone())
	}
	return out
}

// IsEmpty reports whether the shard holds neither entities nor tombstones
func (d *EntityKeyData) IsEmpty() bool {
	if d == nil {
		return true
	}
	for _, byID := range d.Entities {
		if len(byID) > 0 {
			return false
		}
	}
	for _, byID := range d.Deleted {
		if len(byID) > 0 {
			return false
		}
	}
	return true
}

func (d *EntityKeyData) ensure() {
	if d.Entities == nil {
		d.Entities = make(map[string]map[string]Entity)
	}
	if d.Deleted == nil {
		d.Deleted = make(map[string]map[string]time.Time)
	}
}

func (d *EntityKeyData) clearTombstone(entityType, id string) {
	byID, ok := d.Deleted[entityType]
	if !ok {
		return
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(d.Deleted, entityType)
	}
}
