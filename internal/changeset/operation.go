package changeset

import (
	"bytes"
	"sort"
	"time"

	"github.com/devrev/tiersync/internal/canonical"
	"github.com/devrev/tiersync/internal/model"
)

// OpKind is the kind of a merge operation
type OpKind string

const (
	// OpCopy replaces the target's whole shard
	OpCopy OpKind = "copy"
	// OpSave writes one active entity
	OpSave OpKind = "save"
	// OpDelete records one tombstone
	OpDelete OpKind = "delete"
)

// Operation is one change to apply to a target tier
type Operation struct {
	Kind       OpKind
	ShardKey   string
	EntityType string
	ID         string
	Entity     model.Entity
	DeletedAt  time.Time
}

// state is one side's view of an id: active, tombstoned or absent
type state struct {
	entity    model.Entity
	deletedAt time.Time
	present   bool
	deleted   bool
}

// effective is the timestamp conflict resolution compares; absent ids
// compare as the zero time
func (s state) effective() time.Time {
	switch {
	case !s.present:
		return time.Time{}
	case s.deleted:
		return s.deletedAt
	default:
		return s.entity.UpdatedAt
	}
}

// op turns the winning state into an operation for the other side
func (s state) op(shardKey, entityType, id string) Operation {
	if s.deleted {
		return Operation{Kind: OpDelete, ShardKey: shardKey, EntityType: entityType, ID: id, DeletedAt: s.deletedAt}
	}
	return Operation{Kind: OpSave, ShardKey: shardKey, EntityType: entityType, ID: id, Entity: s.entity.Clone()}
}

// typedView indexes a shard payload by entity type and id
type typedView map[string]map[string]state

func viewOf(data *model.EntityKeyData) typedView {
	v := make(typedView)
	if data == nil {
		return v
	}
	for entityType, byID := range data.Entities {
		m := v.ensure(entityType)
		for id, e := range byID {
			m[id] = state{entity: e, present: true}
		}
	}
	for entityType, byID := range data.Deleted {
		m := v.ensure(entityType)
		for id, at := range byID {
			if cur, ok := m[id]; ok && cur.entity.UpdatedAt.After(at) {
				continue
			}
			m[id] = state{deletedAt: at, present: true, deleted: true}
		}
	}
	return v
}

func (v typedView) ensure(entityType string) map[string]state {
	m, ok := v[entityType]
	if !ok {
		m = make(map[string]state)
		v[entityType] = m
	}
	return m
}

func (v typedView) types() []string {
	out := make([]string, 0, len(v))
	for t := range v {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (v typedView) ids(entityType string) []string {
	m := v[entityType]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// resolve decides which side of a common id wins. The strictly newer
// effective timestamp wins; on a tie a tombstone beats an active entity.
// Two actives with the same updatedAt fall back to the higher version and
// then to the greater canonical encoding, so every replica picks the same
// winner. It returns the operation for the losing side.
func resolve(a, b state, shardKey, entityType, id string) (toA, toB *Operation) {
	ta, tb := a.effective(), b.effective()
	winner := 0
	switch {
	case ta.After(tb):
		winner = 1
	case tb.After(ta):
		winner = -1
	case a.deleted && b.deleted:
	case a.deleted:
		winner = 1
	case b.deleted:
		winner = -1
	case a.present && b.present:
		winner = compareActive(a.entity, b.entity, id)
	}

	switch winner {
	case 1:
		op := a.op(shardKey, entityType, id)
		return nil, &op
	case -1:
		op := b.op(shardKey, entityType, id)
		return &op, nil
	}
	return nil, nil
}

// compareActive orders two actives carrying the same updatedAt
func compareActive(a, b model.Entity, id string) int {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return 1
		}
		return -1
	}
	ea, errA := canonical.MarshalEntity(id, a)
	eb, errB := canonical.MarshalEntity(id, b)
	if errA != nil || errB != nil {
		return 0
	}
	return bytes.Compare(ea, eb)
}

// diffShard computes the per-id operations converging two payloads of the
// same shard
func diffShard(shardKey string, a, b *model.EntityKeyData) (toA, toB []Operation) {
	va, vb := viewOf(a), viewOf(b)
	onlyA, onlyB, common := Partition(va.types(), vb.types())

	for _, entityType := range onlyA {
		for _, id := range va.ids(entityType) {
			toB = append(toB, va[entityType][id].op(shardKey, entityType, id))
		}
	}
	for _, entityType := range onlyB {
		for _, id := range vb.ids(entityType) {
			toA = append(toA, vb[entityType][id].op(shardKey, entityType, id))
		}
	}
	for _, entityType := range common {
		idsA, idsB, both := Partition(va.ids(entityType), vb.ids(entityType))
		for _, id := range idsA {
			toB = append(toB, va[entityType][id].op(shardKey, entityType, id))
		}
		for _, id := range idsB {
			toA = append(toA, vb[entityType][id].op(shardKey, entityType, id))
		}
		for _, id := range both {
			opA, opB := resolve(va[entityType][id], vb[entityType][id], shardKey, entityType, id)
			if opA != nil {
				toA = append(toA, *opA)
			}
			if opB != nil {
				toB = append(toB, *opB)
			}
		}
	}
	return toA, toB
}

// applyOp mutates data; a save clears a stale tombstone and a delete removes
// the active entity
func applyOp(data *model.EntityKeyData, op Operation) {
	switch op.Kind {
	case OpSave:
		e := op.Entity.Clone()
		e.ID = op.ID
		data.Set(op.EntityType, e)
	case OpDelete:
		data.Tombstone(op.EntityType, op.ID, op.DeletedAt)
	}
}
