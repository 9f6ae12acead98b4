package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/realmgate/realmgate/internal/services/acl"
)

// ACLHandlers contains the authorization rule endpoint handlers
type ACLHandlers struct {
	engine *Engine
}

// NewACLHandlers creates a new instance of ACLHandlers
func NewACLHandlers(engine *Engine) *ACLHandlers {
	return &ACLHandlers{engine: engine}
}

// CreateACL handles POST /api/v1/realms/{realm_id}/acls
func (ah *ACLHandlers) CreateACL(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var input acl.CreateInput
	if err := decodeBody(r, &input); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	created, err := ah.engine.acls.Create(r.Context(), realmIDVar(r), input)
	if err != nil {
		if errors.Is(err, acl.ErrResourceNotFound) {
			ah.engine.writeErrorResponse(w, http.StatusNotFound, "Failed to create rule", err.Error())
			return
		}
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to create rule", err.Error())
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, created)
}

// ListACLs handles GET /api/v1/realms/{realm_id}/acls
func (ah *ACLHandlers) ListACLs(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	filter := acl.ListFilter{
		ResourceTypeID: queryIntPtr(r, "resource_type_id"),
		ActionID:       queryIntPtr(r, "action_id"),
		PrincipalID:    queryIntPtr(r, "principal_id"),
		RoleID:         queryIntPtr(r, "role_id"),
		ResourceID:     queryIntPtr(r, "resource_id"),
		ExternalID:     queryStrPtr(r, "external_resource_id"),
		Skip:           queryInt(r, "skip", 0),
		Limit:          queryInt(r, "limit", 100),
	}

	rules, total, err := ah.engine.acls.List(r.Context(), realmIDVar(r), filter)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to list rules", err.Error())
		return
	}
	if rules == nil {
		rules = []*acl.Rule{}
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, PageResponse{
		Items:   rules,
		Total:   total,
		Skip:    filter.Skip,
		Limit:   filter.Limit,
		HasMore: filter.Skip+len(rules) < total,
	})
}

// ListAllACLs handles GET /api/v1/realms/{realm_id}/acls/all
func (ah *ACLHandlers) ListAllACLs(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	const page = 1000
	realmID := realmIDVar(r)
	filter := acl.ListFilter{
		ResourceTypeID: queryIntPtr(r, "resource_type_id"),
		ActionID:       queryIntPtr(r, "action_id"),
		PrincipalID:    queryIntPtr(r, "principal_id"),
		RoleID:         queryIntPtr(r, "role_id"),
		ResourceID:     queryIntPtr(r, "resource_id"),
		Limit:          page,
	}

	all := []*acl.Rule{}
	for skip := 0; ; skip += page {
		filter.Skip = skip
		rules, total, err := ah.engine.acls.List(r.Context(), realmID, filter)
		if err != nil {
			ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list rules", err.Error())
			return
		}
		all = append(all, rules...)
		if len(rules) < page || len(all) >= total {
			break
		}
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, all)
}

// GetACL handles GET /api/v1/realms/{realm_id}/acls/{acl_id}
func (ah *ACLHandlers) GetACL(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	found, err := ah.engine.acls.GetByID(r.Context(), realmIDVar(r), pathInt(r, "acl_id"))
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get rule", err.Error())
		return
	}
	if found == nil {
		ah.engine.writeErrorResponse(w, http.StatusNotFound, "Rule not found", "")
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, found)
}

// UpdateACL handles PUT /api/v1/realms/{realm_id}/acls/{acl_id}. Only the
// conditions of a rule can change; the rest of the tuple is its identity.
func (ah *ACLHandlers) UpdateACL(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var body struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	if err := decodeBody(r, &body); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	current, err := ah.engine.acls.GetByID(r.Context(), realmID, pathInt(r, "acl_id"))
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get rule", err.Error())
		return
	}
	if current == nil {
		ah.engine.writeErrorResponse(w, http.StatusNotFound, "Rule not found", "")
		return
	}

	updated, err := ah.engine.acls.Update(r.Context(), realmID, current.ResourceTypeID, current.ID, body.Conditions)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to update rule", err.Error())
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteACL handles DELETE /api/v1/realms/{realm_id}/acls/{acl_id}
func (ah *ACLHandlers) DeleteACL(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	realmID := realmIDVar(r)
	current, err := ah.engine.acls.GetByID(r.Context(), realmID, pathInt(r, "acl_id"))
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get rule", err.Error())
		return
	}
	if current == nil {
		ah.engine.writeErrorResponse(w, http.StatusNotFound, "Rule not found", "")
		return
	}

	if _, err := ah.engine.acls.Delete(r.Context(), realmID, current.ResourceTypeID, current.ID); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete rule", err.Error())
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// BatchACLs handles POST /api/v1/realms/{realm_id}/acls/batch
func (ah *ACLHandlers) BatchACLs(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var op BatchACLOperation
	if err := decodeBody(r, &op); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	var result BatchResult

	created, skipped, err := ah.engine.acls.BatchCreate(r.Context(), realmID, op.Create)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Batch create failed", err.Error())
		return
	}
	result.Created = len(created)
	result.Skipped = append(result.Skipped, skipped...)

	for _, item := range op.Update {
		target, err := ah.findRule(r, realmID, item)
		if err != nil {
			ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch update failed", err.Error())
			return
		}
		if target == nil {
			continue
		}
		if _, err := ah.engine.acls.Update(r.Context(), realmID, target.ResourceTypeID, target.ID, item.Conditions); err != nil {
			ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Batch update failed", err.Error())
			return
		}
		result.Updated++
	}

	for _, item := range op.Delete {
		target, err := ah.findRule(r, realmID, item)
		if err != nil {
			ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
			return
		}
		if target == nil {
			continue
		}
		ok, err := ah.engine.acls.Delete(r.Context(), realmID, target.ResourceTypeID, target.ID)
		if err != nil {
			ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
			return
		}
		if ok {
			result.Deleted++
		}
	}

	ah.engine.writeJSONResponse(w, http.StatusOK, result)
}

// findRule resolves a batch item to an existing rule by its identity tuple.
// A nil rule without error means no match.
func (ah *ACLHandlers) findRule(r *http.Request, realmID int, item ACLBatchItem) (*acl.Rule, error) {
	filter := acl.ListFilter{
		ResourceTypeID: &item.ResourceTypeID,
		ActionID:       &item.ActionID,
		ResourceID:     item.ResourceID,
		ExternalID:     item.ResourceExternalID,
	}
	rules, _, err := ah.engine.acls.List(r.Context(), realmID, filter)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.PrincipalID != item.PrincipalID || rule.RoleID != item.RoleID {
			continue
		}
		// Without a resource filter only the type-wide rule matches.
		if item.ResourceID == nil && item.ResourceExternalID == nil && rule.ResourceID != nil {
			continue
		}
		return rule, nil
	}
	return nil, nil
}
