package engine

import (
	"encoding/json"

	"github.com/realmgate/realmgate/internal/services/acl"
	"github.com/realmgate/realmgate/internal/services/action"
	"github.com/realmgate/realmgate/internal/services/authz"
	"github.com/realmgate/realmgate/internal/services/principal"
	"github.com/realmgate/realmgate/internal/services/resource"
	"github.com/realmgate/realmgate/internal/services/resourcetype"
	"github.com/realmgate/realmgate/internal/services/role"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// StatusResponse reports the outcome of a state-changing operation
type StatusResponse struct {
	Status string `json:"status"`
}

// PageResponse is a paginated listing
type PageResponse struct {
	Items   any  `json:"items"`
	Total   int  `json:"total"`
	Skip    int  `json:"skip"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

// --- Authorization request/response models ---

type CheckAccessRequest struct {
	RealmName   string                    `json:"realm_name"`
	RoleNames   []string                  `json:"role_names,omitempty"`
	ReqAccess   []authz.AccessRequestItem `json:"req_access"`
	AuthContext map[string]any            `json:"auth_context,omitempty"`
}

type AccessResponse struct {
	Results []authz.AccessResponseItem `json:"results"`
}

type GetPermittedActionsRequest struct {
	RealmName   string                       `json:"realm_name"`
	RoleNames   []string                     `json:"role_names,omitempty"`
	Resources   []authz.PermittedActionsItem `json:"resources"`
	AuthContext map[string]any               `json:"auth_context,omitempty"`
}

type GetPermittedActionsResponse struct {
	Results []authz.PermittedActionsResponseItem `json:"results"`
}

type GetAuthorizationConditionsRequest struct {
	RealmName        string   `json:"realm_name"`
	ResourceTypeName string   `json:"resource_type_name"`
	ActionName       string   `json:"action_name"`
	RoleNames        []string `json:"role_names,omitempty"`
}

// --- Resource models ---

// ResourceCreateRequest carries the resource type alongside the payload; the
// service addresses resources per type.
type ResourceCreateRequest struct {
	ResourceTypeID int `json:"resource_type_id"`
	resource.CreateInput
}

type ResourceUpdateRequest struct {
	ResourceTypeID *int `json:"resource_type_id,omitempty"`
	resource.UpdateInput
}

// --- Batch operation models ---

type BatchResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Skipped []string `json:"skipped,omitempty"`
}

type PrincipalBatchUpdateItem struct {
	ID         *int            `json:"id,omitempty"`
	Username   *string         `json:"username,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

type BatchPrincipalOperation struct {
	Create []principal.CreateInput    `json:"create,omitempty"`
	Update []PrincipalBatchUpdateItem `json:"update,omitempty"`
	Delete []int                      `json:"delete,omitempty"`
}

type RoleBatchUpdateItem struct {
	ID         *int            `json:"id,omitempty"`
	Name       *string         `json:"name,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

type BatchRoleOperation struct {
	Create []role.CreateInput    `json:"create,omitempty"`
	Update []RoleBatchUpdateItem `json:"update,omitempty"`
	Delete []int                 `json:"delete,omitempty"`
}

type BatchActionOperation struct {
	Create []action.CreateInput `json:"create,omitempty"`
	Update []action.UpdateInput `json:"update,omitempty"`
	Delete []int                `json:"delete,omitempty"`
}

type ResourceTypeBatchUpdateItem struct {
	ID       *int    `json:"id,omitempty"`
	Name     *string `json:"name,omitempty"`
	IsPublic *bool   `json:"is_public,omitempty"`
}

type BatchResourceTypeOperation struct {
	Create []resourcetype.CreateInput    `json:"create,omitempty"`
	Update []ResourceTypeBatchUpdateItem `json:"update,omitempty"`
	Delete []int                         `json:"delete,omitempty"`
}

type ResourceBatchUpdateItem struct {
	ID             *int            `json:"id,omitempty"`
	ExternalID     *string         `json:"external_id,omitempty"`
	ResourceTypeID *int            `json:"resource_type_id,omitempty"`
	Attributes     json.RawMessage `json:"attributes,omitempty"`
	Geometry       any             `json:"geometry,omitempty"`
	SRID           int             `json:"srid,omitempty"`
}

// ResourceBatchDeleteItem identifies a resource by internal id or by
// (resource_type_id, external_id). A bare JSON number is accepted as an id.
type ResourceBatchDeleteItem struct {
	ID             *int    `json:"id,omitempty"`
	ExternalID     *string `json:"external_id,omitempty"`
	ResourceTypeID *int    `json:"resource_type_id,omitempty"`
}

func (d *ResourceBatchDeleteItem) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		d.ID = &id
		return nil
	}
	type plain ResourceBatchDeleteItem
	return json.Unmarshal(data, (*plain)(d))
}

type BatchResourceOperation struct {
	Create []ResourceCreateRequest   `json:"create,omitempty"`
	Update []ResourceBatchUpdateItem `json:"update,omitempty"`
	Delete []ResourceBatchDeleteItem `json:"delete,omitempty"`
}

// ACLBatchItem identifies a rule by its full tuple for update and delete
type ACLBatchItem struct {
	ResourceTypeID     int             `json:"resource_type_id"`
	ActionID           int             `json:"action_id"`
	PrincipalID        int             `json:"principal_id,omitempty"`
	RoleID             int             `json:"role_id,omitempty"`
	ResourceID         *int            `json:"resource_id,omitempty"`
	ResourceExternalID *string         `json:"resource_external_id,omitempty"`
	Conditions         json.RawMessage `json:"conditions,omitempty"`
}

type BatchACLOperation struct {
	Create []acl.CreateInput `json:"create,omitempty"`
	Update []ACLBatchItem    `json:"update,omitempty"`
	Delete []ACLBatchItem    `json:"delete,omitempty"`
}
