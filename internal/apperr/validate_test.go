package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signup struct {
	Email string `json:"email" validate:"required,email"`
	Plan  string `json:"plan,omitempty" validate:"omitempty,oneof=free pro"`
	Title string `json:"title" validate:"max=5"`
}

func TestValidatorUsesJSONNames(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.Struct(signup{Email: "a@example.com"}))

	err := v.Struct(signup{})
	require.ErrorIs(t, err, ErrValidation)
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "email", ve.Field)
	assert.Equal(t, "is required", ve.Message)

	err = v.Struct(signup{Email: "a@example.com", Plan: "gold"})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "plan", ve.Field)
	assert.Equal(t, "must be one of [free pro]", ve.Message)

	err = v.Struct(signup{Email: "a@example.com", Title: "too long"})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "must be at most 5", ve.Message)
}
