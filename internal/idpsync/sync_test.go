package idpsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalAttributesFoldsProfileFields(t *testing.T) {
	attrs, err := principalAttributes(KeycloakUser{
		ID:            "u1",
		Username:      "alice",
		Email:         "alice@example.com",
		FirstName:     "Alice",
		LastName:      "Smith",
		EmailVerified: true,
		Enabled:       true,
		Attributes:    json.RawMessage(`{"dept":["sales"]}`),
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(attrs, &got))
	assert.Equal(t, "alice@example.com", got["email"])
	assert.Equal(t, "Alice", got["firstName"])
	assert.Equal(t, "Smith", got["lastName"])
	assert.Equal(t, true, got["emailVerified"])
	assert.Equal(t, true, got["enabled"])
	assert.Equal(t, []any{"sales"}, got["dept"])
}

func TestPrincipalAttributesWithoutProfile(t *testing.T) {
	attrs, err := principalAttributes(KeycloakUser{ID: "u2", Username: "bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"emailVerified": false, "enabled": false}`, string(attrs))
}

func TestPrincipalAttributesRejectsBadDocument(t *testing.T) {
	_, err := principalAttributes(KeycloakUser{
		ID:         "u3",
		Username:   "carol",
		Attributes: json.RawMessage(`[1,2]`),
	})
	assert.Error(t, err)
}
