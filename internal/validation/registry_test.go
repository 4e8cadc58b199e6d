package validation

import (
	"strings"
	"testing"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	trim := func(e model.Entity) (model.Entity, error) {
		e.Fields["name"] = strings.TrimSpace(e.Fields["name"].(string))
		return e, nil
	}
	require.NoError(t, r.Register("Account", Chain(RequireFields("name"), trim)))
	require.NoError(t, r.Register("Category", nil))

	tests := []struct {
		name       string
		entityType string
		entity     model.Entity
		wantCode   syncerrors.ErrorCode
		wantName   any
	}{
		{"normalizes", "Account", model.Entity{Fields: map[string]any{"name": "  checking "}}, syncerrors.ErrCodeOK, "checking"},
		{"missing field", "Account", model.Entity{Fields: map[string]any{}}, syncerrors.ErrCodeValidation, nil},
		{"empty field", "Account", model.Entity{Fields: map[string]any{"name": ""}}, syncerrors.ErrCodeValidation, nil},
		{"nil validator accepts", "Category", model.Entity{Fields: map[string]any{"x": 1}}, syncerrors.ErrCodeOK, nil},
		{"unknown type", "Budget", model.Entity{}, syncerrors.ErrCodeValidation, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Validate(tt.entityType, tt.entity)
			assert.Equal(t, tt.wantCode, syncerrors.GetCode(err))
			if err == nil {
				assert.Equal(t, tt.wantName, out.Field("name"))
			}
		})
	}
}

func TestRegistry_DoesNotMutateInput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Account", func(e model.Entity) (model.Entity, error) {
		e.Fields["touched"] = true
		return e, nil
	}))

	in := model.Entity{Fields: map[string]any{}}
	_, err := r.Validate("Account", in)
	require.NoError(t, err)
	assert.NotContains(t, in.Fields, "touched")
}

func TestRegistry_RegisterRejectsBadNames(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", nil))
	assert.Error(t, r.Register("a/b", nil))
	assert.Error(t, r.Register(model.MetadataID, nil))
	assert.Empty(t, r.Types())

	require.NoError(t, r.Register("Transaction", nil))
	require.NoError(t, r.Register("Account", nil))
	assert.Equal(t, []string{"Account", "Transaction"}, r.Types())
	assert.True(t, r.Known("Account"))
}

func TestValidator_TenantID(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "household-1", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"control", "a\x00b", true},
		{"too long", strings.Repeat("x", MaxTenantIDSize+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTenantID(tt.id)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}

	assert.Equal(t, "ab", SanitizeTenantID(" a/b\x00 "))
}
