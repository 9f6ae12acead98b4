package engine

import (
	"net/http"

	"github.com/realmgate/realmgate/internal/services/role"
)

// RoleHandlers contains the role endpoint handlers
type RoleHandlers struct {
	engine *Engine
}

// NewRoleHandlers creates a new instance of RoleHandlers
func NewRoleHandlers(engine *Engine) *RoleHandlers {
	return &RoleHandlers{engine: engine}
}

// CreateRole handles POST /api/v1/realms/{realm_id}/roles
func (rh *RoleHandlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var input role.CreateInput
	if err := decodeBody(r, &input); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if input.Name == "" {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "name is required", "")
		return
	}

	created, err := rh.engine.roles.Create(r.Context(), realmIDVar(r), input)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create role", err.Error())
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, created)
}

// GetRole handles GET /api/v1/realms/{realm_id}/roles/{role_id}
func (rh *RoleHandlers) GetRole(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	found, err := rh.engine.roles.Get(r.Context(), realmIDVar(r), pathInt(r, "role_id"))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get role", err.Error())
		return
	}
	if found == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Role not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, found)
}

// ListRoles handles GET /api/v1/realms/{realm_id}/roles
func (rh *RoleHandlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	roles, _, err := rh.engine.roles.List(r.Context(), realmIDVar(r),
		queryInt(r, "skip", 0), queryInt(r, "limit", 100))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list roles", err.Error())
		return
	}
	if roles == nil {
		roles = []*role.Role{}
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, roles)
}

// UpdateRole handles PUT /api/v1/realms/{realm_id}/roles/{role_id}
func (rh *RoleHandlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var input role.UpdateInput
	if err := decodeBody(r, &input); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	updated, err := rh.engine.roles.Update(r.Context(), realmIDVar(r), pathInt(r, "role_id"), input)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to update role", err.Error())
		return
	}
	if updated == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Role not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteRole handles DELETE /api/v1/realms/{realm_id}/roles/{role_id}
func (rh *RoleHandlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	deleted, err := rh.engine.roles.Delete(r.Context(), realmIDVar(r), pathInt(r, "role_id"))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete role", err.Error())
		return
	}
	if !deleted {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Role not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// BatchRoles handles POST /api/v1/realms/{realm_id}/roles/batch
func (rh *RoleHandlers) BatchRoles(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var op BatchRoleOperation
	if err := decodeBody(r, &op); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	var result BatchResult

	created, err := rh.engine.roles.BatchCreate(r.Context(), realmID, op.Create)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch create failed", err.Error())
		return
	}
	result.Created = len(created)

	for _, item := range op.Update {
		if item.ID == nil {
			continue
		}
		updated, err := rh.engine.roles.Update(r.Context(), realmID, *item.ID,
			role.UpdateInput{Name: item.Name, Attributes: item.Attributes})
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch update failed", err.Error())
			return
		}
		if updated != nil {
			result.Updated++
		}
	}

	deleted, err := rh.engine.roles.BatchDelete(r.Context(), realmID, op.Delete)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
		return
	}
	result.Deleted = deleted

	rh.engine.writeJSONResponse(w, http.StatusOK, result)
}
