package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string  `json:"name" validate:"required,max=5"`
	Kind string  `json:"kind" validate:"omitempty,oneof=a b"`
	IDs  []int64 `json:"ids" validate:"omitempty,unique,dive,gt=0"`
	Note string  `validate:"max=3"`
	Skip string  `json:"-" validate:"max=1"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(sample{Name: "ok", Kind: "a", IDs: []int64{1, 2}}))

	err := Struct(sample{Name: "toolong", Kind: "c", IDs: []int64{1, 1}, Note: "long", Skip: "xx"})
	require.Error(t, err)

	var ve *ValidationErrors
	require.True(t, errors.As(err, &ve))
	fields := map[string]string{}
	for _, e := range ve.Errors {
		fields[e.Field] = e.Message
	}
	assert.Equal(t, "must be at most 5 characters", fields["name"])
	assert.Equal(t, "must be one of: a, b", fields["kind"])
	assert.Equal(t, "must not contain duplicates", fields["ids"])
	assert.Contains(t, fields, "Note")
	assert.Contains(t, fields, "Skip")
}

func TestStruct_Required(t *testing.T) {
	err := Struct(sample{})
	require.Error(t, err)
	assert.Equal(t, "name: is required", err.Error())
}

func TestRequireField(t *testing.T) {
	ve := &ValidationErrors{}
	RequireField(ve, "StateID", "  ")
	RequireField(ve, "ItemIDs", "1,2")
	require.True(t, ve.HasErrors())
	assert.Equal(t, "StateID: is required", ve.Error())
}
