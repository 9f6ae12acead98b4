package acl

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateRejectsInvalidSubject(t *testing.T) {
	s := NewService(nil, nil, nil)
	ctx := context.Background()

	t.Run("neither principal nor role", func(t *testing.T) {
		_, err := s.Create(ctx, 1, CreateInput{ResourceTypeID: 1, ActionID: 2})
		assert.ErrorIs(t, err, ErrInvalidSubject)
	})

	t.Run("both principal and role", func(t *testing.T) {
		_, err := s.Create(ctx, 1, CreateInput{ResourceTypeID: 1, ActionID: 2, PrincipalID: 3, RoleID: 4})
		assert.ErrorIs(t, err, ErrInvalidSubject)
	})
}

func TestCreateRejectsInvalidConditions(t *testing.T) {
	s := NewService(nil, nil, nil)

	_, err := s.Create(context.Background(), 1, CreateInput{
		ResourceTypeID: 1,
		ActionID:       2,
		RoleID:         3,
		Conditions:     json.RawMessage(`{"op": "noop"}`),
	})
	assert.ErrorContains(t, err, "invalid conditions")
}
