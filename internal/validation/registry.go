package validation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
)

// ValidateFunc checks and normalizes an entity of one type
type ValidateFunc func(model.Entity) (model.Entity, error)

// Registry maps entity type names to their validate function.
// Saving an unregistered type is a validation error.
type Registry struct {
	mu        sync.RWMutex
	validator *Validator
	types     map[string]ValidateFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		validator: NewValidator(),
		types:     make(map[string]ValidateFunc),
	}
}

// Register adds or replaces the validate function of entityType.
// A nil fn accepts every entity unchanged.
func (r *Registry) Register(entityType string, fn ValidateFunc) error {
	if err := r.validator.ValidateEntityType(entityType); err != nil {
		return err
	}
	if fn == nil {
		fn = func(e model.Entity) (model.Entity, error) { return e, nil }
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[entityType] = fn
	return nil
}

// Known reports whether entityType is registered
func (r *Registry) Known(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[entityType]
	return ok
}

// Types returns the registered type names in ascending order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate runs the registered function on a copy of e. Errors that are not
// already typed are wrapped as validation errors.
func (r *Registry) Validate(entityType string, e model.Entity) (model.Entity, error) {
	r.mu.RLock()
	fn, ok := r.types[entityType]
	r.mu.RUnlock()
	if !ok {
		return model.Entity{}, syncerrors.Validation(fmt.Sprintf("unknown entity type %q", entityType), nil).
			WithDetail("entity_type", entityType)
	}

	out, err := fn(e.Clone())
	if err != nil {
		if syncerrors.IsSyncError(err) {
			return model.Entity{}, err
		}
		return model.Entity{}, syncerrors.Validation(fmt.Sprintf("invalid %s", entityType), err).
			WithDetail("entity_type", entityType)
	}
	return out, nil
}

// RequireFields returns a ValidateFunc rejecting entities missing any of
// the named fields or carrying an empty string in them
func RequireFields(names ...string) ValidateFunc {
	return func(e model.Entity) (model.Entity, error) {
		var missing []string
		for _, name := range names {
			v := e.Field(name)
			if s, isString := v.(string); v == nil || (isString && s == "") {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return model.Entity{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
		}
		return e, nil
	}
}

// Chain runs fns in order, feeding each the previous result
func Chain(fns ...ValidateFunc) ValidateFunc {
	return func(e model.Entity) (model.Entity, error) {
		var err error
		for _, fn := range fns {
			if e, err = fn(e); err != nil {
				return model.Entity{}, err
			}
		}
		return e, nil
	}
}
