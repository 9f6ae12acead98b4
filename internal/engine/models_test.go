package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceBatchDeleteItemFromNumber(t *testing.T) {
	var item ResourceBatchDeleteItem
	require.NoError(t, json.Unmarshal([]byte(`17`), &item))
	require.NotNil(t, item.ID)
	assert.Equal(t, 17, *item.ID)
	assert.Nil(t, item.ExternalID)
}

func TestResourceBatchDeleteItemFromObject(t *testing.T) {
	var item ResourceBatchDeleteItem
	require.NoError(t, json.Unmarshal([]byte(`{"external_id":"sensor-9","resource_type_id":3}`), &item))
	assert.Nil(t, item.ID)
	require.NotNil(t, item.ExternalID)
	assert.Equal(t, "sensor-9", *item.ExternalID)
	require.NotNil(t, item.ResourceTypeID)
	assert.Equal(t, 3, *item.ResourceTypeID)
}

func TestBatchResourceOperationMixedDeleteForms(t *testing.T) {
	payload := `{
		"create": [{"resource_type_id": 2, "external_id": "doc-1", "attributes": {"kind": "report"}}],
		"delete": [4, {"external_id": "doc-2", "resource_type_id": 2}]
	}`
	var op BatchResourceOperation
	require.NoError(t, json.Unmarshal([]byte(payload), &op))

	require.Len(t, op.Create, 1)
	assert.Equal(t, 2, op.Create[0].ResourceTypeID)
	require.NotNil(t, op.Create[0].ExternalID)
	assert.Equal(t, "doc-1", *op.Create[0].ExternalID)

	require.Len(t, op.Delete, 2)
	require.NotNil(t, op.Delete[0].ID)
	assert.Equal(t, 4, *op.Delete[0].ID)
	require.NotNil(t, op.Delete[1].ExternalID)
	assert.Equal(t, "doc-2", *op.Delete[1].ExternalID)
}

func TestACLBatchOperationDecode(t *testing.T) {
	payload := `{
		"create": [{"resource_type_id": 1, "action_id": 2, "role_id": 3, "conditions": {"op": "=", "attr": "status", "val": "open"}}],
		"update": [{"resource_type_id": 1, "action_id": 2, "principal_id": 9, "resource_external_id": "doc-7"}]
	}`
	var op BatchACLOperation
	require.NoError(t, json.Unmarshal([]byte(payload), &op))

	require.Len(t, op.Create, 1)
	assert.Equal(t, 3, op.Create[0].RoleID)
	assert.NotNil(t, op.Create[0].Conditions)

	require.Len(t, op.Update, 1)
	assert.Equal(t, 9, op.Update[0].PrincipalID)
	require.NotNil(t, op.Update[0].ResourceExternalID)
	assert.Equal(t, "doc-7", *op.Update[0].ResourceExternalID)
}
