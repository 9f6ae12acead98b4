package engine

import (
	"errors"
	"net/http"

	"github.com/realmgate/realmgate/internal/services/resourcetype"
)

// ResourceTypeHandlers contains the resource type endpoint handlers
type ResourceTypeHandlers struct {
	engine *Engine
}

// NewResourceTypeHandlers creates a new instance of ResourceTypeHandlers
func NewResourceTypeHandlers(engine *Engine) *ResourceTypeHandlers {
	return &ResourceTypeHandlers{engine: engine}
}

// CreateResourceType handles POST /api/v1/realms/{realm_id}/resource-types
func (th *ResourceTypeHandlers) CreateResourceType(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	var input resourcetype.CreateInput
	if err := decodeBody(r, &input); err != nil {
		th.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if input.Name == "" {
		th.engine.writeErrorResponse(w, http.StatusBadRequest, "name is required", "")
		return
	}

	created, err := th.engine.types.Create(r.Context(), realmIDVar(r), input)
	if err != nil {
		if errors.Is(err, resourcetype.ErrAlreadyExists) {
			th.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to create resource type", err.Error())
			return
		}
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create resource type", err.Error())
		return
	}
	th.engine.writeJSONResponse(w, http.StatusOK, created)
}

// ListResourceTypes handles GET /api/v1/realms/{realm_id}/resource-types
func (th *ResourceTypeHandlers) ListResourceTypes(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	types, _, err := th.engine.types.List(r.Context(), realmIDVar(r),
		queryInt(r, "skip", 0), queryInt(r, "limit", 100))
	if err != nil {
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list resource types", err.Error())
		return
	}
	if types == nil {
		types = []*resourcetype.ResourceType{}
	}
	th.engine.writeJSONResponse(w, http.StatusOK, types)
}

// GetResourceType handles GET /api/v1/realms/{realm_id}/resource-types/{rt_id}
func (th *ResourceTypeHandlers) GetResourceType(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	found, err := th.engine.types.Get(r.Context(), realmIDVar(r), pathInt(r, "rt_id"))
	if err != nil {
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get resource type", err.Error())
		return
	}
	if found == nil {
		th.engine.writeErrorResponse(w, http.StatusNotFound, "Resource type not found", "")
		return
	}
	th.engine.writeJSONResponse(w, http.StatusOK, found)
}

// UpdateResourceType handles PUT /api/v1/realms/{realm_id}/resource-types/{rt_id}
func (th *ResourceTypeHandlers) UpdateResourceType(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	var input resourcetype.UpdateInput
	if err := decodeBody(r, &input); err != nil {
		th.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	updated, err := th.engine.types.Update(r.Context(), realmIDVar(r), pathInt(r, "rt_id"), input)
	if err != nil {
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to update resource type", err.Error())
		return
	}
	if updated == nil {
		th.engine.writeErrorResponse(w, http.StatusNotFound, "Resource type not found", "")
		return
	}
	th.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteResourceType handles DELETE /api/v1/realms/{realm_id}/resource-types/{rt_id}
func (th *ResourceTypeHandlers) DeleteResourceType(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	deleted, err := th.engine.types.Delete(r.Context(), realmIDVar(r), pathInt(r, "rt_id"))
	if err != nil {
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete resource type", err.Error())
		return
	}
	if !deleted {
		th.engine.writeErrorResponse(w, http.StatusNotFound, "Resource type not found", "")
		return
	}
	th.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// BatchResourceTypes handles POST /api/v1/realms/{realm_id}/resource-types/batch
func (th *ResourceTypeHandlers) BatchResourceTypes(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	var op BatchResourceTypeOperation
	if err := decodeBody(r, &op); err != nil {
		th.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	var result BatchResult

	created, err := th.engine.types.BatchCreate(r.Context(), realmID, op.Create)
	if err != nil {
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch create failed", err.Error())
		return
	}
	result.Created = len(created)

	for _, item := range op.Update {
		if item.ID == nil {
			continue
		}
		updated, err := th.engine.types.Update(r.Context(), realmID, *item.ID,
			resourcetype.UpdateInput{Name: item.Name, IsPublic: item.IsPublic})
		if err != nil {
			th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch update failed", err.Error())
			return
		}
		if updated != nil {
			result.Updated++
		}
	}

	deleted, err := th.engine.types.BatchDelete(r.Context(), realmID, op.Delete)
	if err != nil {
		th.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
		return
	}
	result.Deleted = deleted

	th.engine.writeJSONResponse(w, http.StatusOK, result)
}
