package keys

import (
	"fmt"
	"sort"
	"time"

	"github.com/devrev/tiersync/internal/model"
)

// QueryOptions scopes a query to a subset of shards and entities
type QueryOptions struct {
	// Years restricts date-partitioned types to these calendar years
	Years []int
	// IDs restricts the result to these ids; their shards are derived from the ids
	IDs []string
	// Where filters entities after hydration
	Where func(model.Entity) bool
	// Less orders the combined result; nil sorts by id
	Less func(a, b model.Entity) bool
}

// Strategy derives shard keys for entities
type Strategy interface {
	Separator() string
	IdentifierLength() int
	GenerateKeyFor(entityType string, entity model.Entity) string
	GenerateAllKeysFor(entityType string, opts QueryOptions) []string
}

// SingleKeyStrategy puts every entity into one fixed shard
type SingleKeyStrategy struct {
	Key      string
	Sep      string
	IDLength int
}

// NewSingleKeyStrategy creates a strategy with one shard
func NewSingleKeyStrategy(key string) *SingleKeyStrategy {
	return &SingleKeyStrategy{Key: key, Sep: DefaultSeparator, IDLength: DefaultIdentifierLength}
}

func (s *SingleKeyStrategy) Separator() string { return s.Sep }
func (s *SingleKeyStrategy) IdentifierLength() int { return s.IDLength }

func (s *SingleKeyStrategy) GenerateKeyFor(string, model.Entity) string {
	return s.Key
}

func (s *SingleKeyStrategy) GenerateAllKeysFor(string, QueryOptions) []string {
	return []string{s.Key}
}

// YearlyStrategy shards date-carrying entity types per calendar year
// ("Transaction-2024") and keeps all other types in one shard per type.
type YearlyStrategy struct {
	// DateFields maps entity type to the field holding its date.
	// Types not listed are not partitioned by year.
	DateFields map[string]string
	StartYear  int
	Sep        string
	IDLength   int
	Now        func() time.Time
}

// NewYearlyStrategy creates a yearly strategy with default separator and id length
func NewYearlyStrategy(dateFields map[string]string, startYear int) *YearlyStrategy {
	return &YearlyStrategy{
		DateFields: dateFields,
		StartYear:  startYear,
		Sep:        DefaultSeparator,
		IDLength:   DefaultIdentifierLength,
		Now:        time.Now,
	}
}

func (s *YearlyStrategy) Separator() string { return s.Sep }
func (s *YearlyStrategy) IdentifierLength() int { return s.IDLength }

// GenerateKeyFor returns "<type>-<yyyy>" for dated types, "<type>" otherwise.
// Entities without a parsable date fall back to CreatedAt, then to now.
func (s *YearlyStrategy) GenerateKeyFor(entityType string, entity model.Entity) string {
	field, dated := s.DateFields[entityType]
	if !dated {
		return entityType
	}
	year := s.yearOf(entity, field)
	return yearKey(entityType, year)
}

// GenerateAllKeysFor enumerates the shard keys a query over entityType may touch
func (s *YearlyStrategy) GenerateAllKeysFor(entityType string, opts QueryOptions) []string {
	if _, dated := s.DateFields[entityType]; !dated {
		return []string{entityType}
	}

	years := opts.Years
	if len(years) == 0 {
		last := s.now().Year()
		first := s.StartYear
		if first == 0 || first > last {
			first = last
		}
		for y := first; y <= last; y++ {
			years = append(years, y)
		}
	}

	seen := make(map[int]struct{}, len(years))
	out := make([]string, 0, len(years))
	for _, y := range years {
		if _, dup := seen[y]; dup {
			continue
		}
		seen[y] = struct{}{}
		out = append(out, yearKey(entityType, y))
	}
	sort.Strings(out)
	return out
}

func (s *YearlyStrategy) yearOf(entity model.Entity, field string) int {
	switch v := entity.Field(field).(type) {
	case time.Time:
		if !v.IsZero() {
			return v.UTC().Year()
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Year()
			}
		}
	}
	if !entity.CreatedAt.IsZero() {
		return entity.CreatedAt.UTC().Year()
	}
	return s.now().UTC().Year()
}

func (s *YearlyStrategy) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func yearKey(entityType string, year int) string {
	return fmt.Sprintf("%s-%04d", entityType, year)
}
