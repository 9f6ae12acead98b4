package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionEntryShorthand(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{
		"realm": {"name": "tenant-a"},
		"actions": ["read", {"name": "write"}]
	}`), &m))

	require.Len(t, m.Actions, 2)
	assert.Equal(t, "read", m.Actions[0].Name)
	assert.Equal(t, "write", m.Actions[1].Name)
}

func TestActionEntryMarshalsToShorthand(t *testing.T) {
	out, err := json.Marshal([]ActionEntry{{Name: "read"}, {Name: "delete"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["read", "delete"]`, string(out))
}

func TestManifestDecode(t *testing.T) {
	payload := `{
		"realm": {
			"name": "tenant-a",
			"description": "demo tenant",
			"keycloak_config": {"server_url": "https://kc.example.com", "keycloak_realm": "master", "client_id": "sync"}
		},
		"resource_types": [{"name": "document", "is_public": true}],
		"roles": [{"name": "editor", "attributes": {"tier": "gold"}}],
		"principals": [{"username": "alice", "roles": ["editor"]}],
		"resources": [{"type": "document", "external_id": "doc-1", "attributes": {"status": "open"}}],
		"acls": [
			{"resource_type": "document", "action": "read", "role": "editor"},
			{"resource_type": "document", "action": "read", "principal": "anonymous",
			 "conditions": {"op": "=", "attr": "status", "val": "open"}}
		]
	}`

	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(payload), &m))

	require.NotNil(t, m.Realm)
	assert.Equal(t, "tenant-a", m.Realm.Name)
	require.NotNil(t, m.Realm.KeycloakConfig)

	require.Len(t, m.ResourceTypes, 1)
	assert.True(t, m.ResourceTypes[0].IsPublic)

	require.Len(t, m.Principals, 1)
	assert.Equal(t, []string{"editor"}, m.Principals[0].Roles)

	require.Len(t, m.ACLs, 2)
	require.NotNil(t, m.ACLs[0].Role)
	assert.Equal(t, "editor", *m.ACLs[0].Role)
	require.NotNil(t, m.ACLs[1].Principal)
	assert.Equal(t, "anonymous", *m.ACLs[1].Principal)
	assert.NotNil(t, m.ACLs[1].Conditions)
}
