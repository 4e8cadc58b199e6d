package validation

import (
	"fmt"
	"strings"
	"unicode"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
)

const (
	MaxTenantIDSize   = 256
	MaxEntityTypeSize = 128
	MaxIDSize         = 512
)

// Validator checks the names that end up inside tier keys
type Validator struct {
	maxTenantIDSize   int
	maxEntityTypeSize int
	maxIDSize         int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxTenantIDSize:   MaxTenantIDSize,
		maxEntityTypeSize: MaxEntityTypeSize,
		maxIDSize:         MaxIDSize,
	}
}

// ValidateTenantID rejects tenant ids that cannot form a blob key prefix
func (v *Validator) ValidateTenantID(tenantID string) error {
	return checkName("tenant ID", tenantID, v.maxTenantIDSize)
}

// ValidateEntityType rejects empty, oversized or reserved type names
func (v *Validator) ValidateEntityType(entityType string) error {
	if err := checkName("entity type", entityType, v.maxEntityTypeSize); err != nil {
		return err
	}
	if entityType == model.MetadataID {
		return syncerrors.Validation(fmt.Sprintf("entity type %q is reserved", entityType), nil).
			WithDetail("entity_type", entityType)
	}
	return nil
}

// ValidateID checks an entity id supplied by the caller
func (v *Validator) ValidateID(id string) error {
	return checkName("id", id, v.maxIDSize)
}

func checkName(what, s string, maxSize int) error {
	fail := func(reason string) error {
		return syncerrors.Validation(fmt.Sprintf("invalid %s %q: %s", what, s, reason), nil).
			WithDetail("field", what)
	}
	if s == "" {
		return fail("cannot be empty")
	}
	if len(s) > maxSize {
		return fail(fmt.Sprintf("exceeds maximum size of %d bytes", maxSize))
	}
	// '/' separates tenant and shard key in blob keys
	if strings.Contains(s, "/") {
		return fail("cannot contain '/'")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fail("cannot contain control characters")
		}
	}
	return nil
}

// SanitizeTenantID strips characters ValidateTenantID rejects
func SanitizeTenantID(tenantID string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' {
			return -1
		}
		return r
	}, tenantID)
	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > MaxTenantIDSize {
		sanitized = sanitized[:MaxTenantIDSize]
	}
	return sanitized
}
