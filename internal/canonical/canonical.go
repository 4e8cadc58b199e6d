// Package canonical produces the deterministic form of a shard payload used
// for change-detection fingerprints. The hash is not an integrity check.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/tiersync/internal/model"
	"golang.org/x/text/unicode/norm"
)

// Canonicalize rewrites data in place:
//   - timestamps are converted to UTC
//   - string field values are NFC normalized
//   - every entity carries the id it is stored under
//   - empty type maps are dropped
//   - an id both active and tombstoned keeps the newer state, the tombstone on a tie
func Canonicalize(data *model.EntityKeyData) {
	if data == nil {
		return
	}
	if data.Entities == nil {
		data.Entities = make(map[string]map[string]model.Entity)
	}
	if data.Deleted == nil {
		data.Deleted = make(map[string]map[string]time.Time)
	}

	for entityType, byID := range data.Entities {
		for id, e := range byID {
			e = NormalizeEntity(e)
			e.ID = id
			byID[id] = e
		}
		if len(byID) == 0 {
			delete(data.Entities, entityType)
		}
	}

	for entityType, byID := range data.Deleted {
		for id, at := range byID {
			at = at.UTC()
			byID[id] = at
			active, ok := data.Entities[entityType][id]
			if !ok {
				continue
			}
			if active.UpdatedAt.After(at) {
				delete(byID, id)
			} else {
				delete(data.Entities[entityType], id)
				if len(data.Entities[entityType]) == 0 {
					delete(data.Entities, entityType)
				}
			}
		}
		if len(byID) == 0 {
			delete(data.Deleted, entityType)
		}
	}
}

// NormalizeEntity returns e with UTC timestamps and NFC normalized field
// names and string values
func NormalizeEntity(e model.Entity) model.Entity {
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.Fields != nil {
		fields := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			fields[norm.NFC.String(k)] = normalizeValue(v)
		}
		e.Fields = fields
	}
	return e
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case time.Time:
		return val.UTC()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalizeValue(elem)
		}
		return out
	default:
		return v
	}
}

// Marshal returns the canonical JSON of a shard payload. Map keys are
// emitted in sorted order and HTML characters are not escaped.
// The payload is canonicalized on a copy; data itself is not modified.
func Marshal(data *model.EntityKeyData) ([]byte, error) {
	c := data.Clone()
	if c == nil {
		c = model.NewEntityKeyData()
	}
	Canonicalize(c)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode shard: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// MarshalEntity returns the canonical JSON of one entity stored under id
func MarshalEntity(id string, e model.Entity) ([]byte, error) {
	e = NormalizeEntity(e)
	e.ID = id

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the hex xxhash64 of the canonical serialization
func Hash(data *model.EntityKeyData) (string, error) {
	b, err := Marshal(data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

// Counts derives active and tombstone counts per entity type
func Counts(data *model.EntityKeyData) map[string]model.EntityTypeCounts {
	out := make(map[string]model.EntityTypeCounts)
	if data == nil {
		return out
	}
	for _, entityType := range data.EntityTypes() {
		out[entityType] = model.EntityTypeCounts{
			Count:        len(data.Entities[entityType]),
			DeletedCount: len(data.Deleted[entityType]),
		}
	}
	return out
}

// Describe canonicalizes data in place and returns its shard metadata entry
// stamped with updatedAt.
func Describe(data *model.EntityKeyData, updatedAt time.Time) (model.EntityKeyMetadata, error) {
	Canonicalize(data)
	hash, err := Hash(data)
	if err != nil {
		return model.EntityKeyMetadata{}, err
	}
	return model.EntityKeyMetadata{
		UpdatedAt: updatedAt.UTC(),
		Hash:      hash,
		Entities:  Counts(data),
	}, nil
}
