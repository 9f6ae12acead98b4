package engine

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/realmgate/realmgate/internal/services/resource"
)

// ResourceHandlers contains the resource endpoint handlers
type ResourceHandlers struct {
	engine *Engine
}

// NewResourceHandlers creates a new instance of ResourceHandlers
func NewResourceHandlers(engine *Engine) *ResourceHandlers {
	return &ResourceHandlers{engine: engine}
}

// CreateResource handles POST /api/v1/realms/{realm_id}/resources
func (rh *ResourceHandlers) CreateResource(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var req ResourceCreateRequest
	if err := decodeBody(r, &req); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.ResourceTypeID == 0 {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "resource_type_id is required", "")
		return
	}

	created, err := rh.engine.resources.Create(r.Context(), realmIDVar(r), req.ResourceTypeID, req.CreateInput)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to create resource", err.Error())
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, created)
}

// ListResources handles GET /api/v1/realms/{realm_id}/resources with
// pagination and filters. The attributes filter arrives as a JSON object in
// the query string.
func (rh *ResourceHandlers) ListResources(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	input := resource.SearchInput{
		ResourceTypeID: queryIntPtr(r, "resource_type_id"),
		ExternalID:     queryStrPtr(r, "external_id"),
		Skip:           queryInt(r, "skip", 0),
		Limit:          queryInt(r, "limit", 50),
	}
	if raw := r.URL.Query().Get("attributes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.Attributes); err != nil {
			rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid attributes JSON", err.Error())
			return
		}
	}

	items, total, err := rh.engine.resources.Search(r.Context(), realmIDVar(r), input)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list resources", err.Error())
		return
	}
	if items == nil {
		items = []*resource.Resource{}
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, PageResponse{
		Items:   items,
		Total:   total,
		Skip:    input.Skip,
		Limit:   input.Limit,
		HasMore: input.Skip+len(items) < total,
	})
}

// ListAllResources handles GET /api/v1/realms/{realm_id}/resources/all
func (rh *ResourceHandlers) ListAllResources(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	const page = 1000
	realmID := realmIDVar(r)

	all := []*resource.Resource{}
	for skip := 0; ; skip += page {
		items, total, err := rh.engine.resources.Search(r.Context(), realmID,
			resource.SearchInput{Skip: skip, Limit: page})
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list resources", err.Error())
			return
		}
		all = append(all, items...)
		if len(items) < page || len(all) >= total {
			break
		}
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, all)
}

// GetResource handles GET /api/v1/realms/{realm_id}/resources/{resource_id}
func (rh *ResourceHandlers) GetResource(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	found, err := rh.engine.resources.GetByID(r.Context(), realmIDVar(r), pathInt(r, "resource_id"))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get resource", err.Error())
		return
	}
	if found == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Resource not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, found)
}

// UpdateResource handles PUT /api/v1/realms/{realm_id}/resources/{resource_id}
func (rh *ResourceHandlers) UpdateResource(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var req ResourceUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	resourceID := pathInt(r, "resource_id")

	current, err := rh.engine.resources.GetByID(r.Context(), realmID, resourceID)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get resource", err.Error())
		return
	}
	if current == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Resource not found", "")
		return
	}

	updated, err := rh.engine.resources.Update(r.Context(), realmID, current.ResourceTypeID, resourceID, req.UpdateInput)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to update resource", err.Error())
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteResource handles DELETE /api/v1/realms/{realm_id}/resources/{resource_id}
func (rh *ResourceHandlers) DeleteResource(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	realmID := realmIDVar(r)
	resourceID := pathInt(r, "resource_id")

	current, err := rh.engine.resources.GetByID(r.Context(), realmID, resourceID)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get resource", err.Error())
		return
	}
	if current == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Resource not found", "")
		return
	}

	if _, err := rh.engine.resources.Delete(r.Context(), realmID, current.ResourceTypeID, resourceID); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete resource", err.Error())
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// GetResourceByExternalID handles GET /api/v1/realms/{realm_id}/resources/external/{type_id_or_name}/{external_id}
func (rh *ResourceHandlers) GetResourceByExternalID(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	found, ok := rh.resolveByExternalID(w, r)
	if !ok {
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, found)
}

// UpdateResourceByExternalID handles PUT /api/v1/realms/{realm_id}/resources/external/{type_id_or_name}/{external_id}
func (rh *ResourceHandlers) UpdateResourceByExternalID(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var req ResourceUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	current, ok := rh.resolveByExternalID(w, r)
	if !ok {
		return
	}

	updated, err := rh.engine.resources.Update(r.Context(), realmIDVar(r), current.ResourceTypeID, current.ID, req.UpdateInput)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to update resource", err.Error())
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteResourceByExternalID handles DELETE /api/v1/realms/{realm_id}/resources/external/{type_id_or_name}/{external_id}
func (rh *ResourceHandlers) DeleteResourceByExternalID(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	current, ok := rh.resolveByExternalID(w, r)
	if !ok {
		return
	}

	if _, err := rh.engine.resources.Delete(r.Context(), realmIDVar(r), current.ResourceTypeID, current.ID); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete resource", err.Error())
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// resolveByExternalID resolves the {type_id_or_name}/{external_id} pair. On
// failure the response is already written and ok is false.
func (rh *ResourceHandlers) resolveByExternalID(w http.ResponseWriter, r *http.Request) (*resource.Resource, bool) {
	realmID := realmIDVar(r)

	typeRef := pathVar(r, "type_id_or_name")
	typeID, err := strconv.Atoi(typeRef)
	if err != nil {
		t, err := rh.engine.types.GetByName(r.Context(), realmID, typeRef)
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to resolve resource type", err.Error())
			return nil, false
		}
		if t == nil {
			rh.engine.writeErrorResponse(w, http.StatusNotFound, "Resource not found", "")
			return nil, false
		}
		typeID = t.ID
	}

	found, err := rh.engine.resources.GetByExternalID(r.Context(), realmID, typeID, pathVar(r, "external_id"))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get resource", err.Error())
		return nil, false
	}
	if found == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Resource not found", "")
		return nil, false
	}
	return found, true
}

// BatchResources handles POST /api/v1/realms/{realm_id}/resources/batch
func (rh *ResourceHandlers) BatchResources(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var op BatchResourceOperation
	if err := decodeBody(r, &op); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	var result BatchResult

	for _, item := range op.Create {
		if item.ResourceTypeID == 0 {
			result.Skipped = append(result.Skipped, "create item without resource_type_id")
			continue
		}
		if _, err := rh.engine.resources.Create(r.Context(), realmID, item.ResourceTypeID, item.CreateInput); err != nil {
			rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Batch create failed", err.Error())
			return
		}
		result.Created++
	}

	for _, item := range op.Update {
		target, err := rh.batchTarget(r, realmID, item.ID, item.ResourceTypeID, item.ExternalID)
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch update failed", err.Error())
			return
		}
		if target == nil {
			if item.ExternalID != nil {
				result.Skipped = append(result.Skipped, *item.ExternalID)
			}
			continue
		}
		_, err = rh.engine.resources.Update(r.Context(), realmID, target.ResourceTypeID, target.ID,
			resource.UpdateInput{Attributes: item.Attributes, Geometry: item.Geometry, SRID: item.SRID})
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Batch update failed", err.Error())
			return
		}
		result.Updated++
	}

	for _, item := range op.Delete {
		target, err := rh.batchTarget(r, realmID, item.ID, item.ResourceTypeID, item.ExternalID)
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
			return
		}
		if target == nil {
			continue
		}
		ok, err := rh.engine.resources.Delete(r.Context(), realmID, target.ResourceTypeID, target.ID)
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
			return
		}
		if ok {
			result.Deleted++
		}
	}

	rh.engine.writeJSONResponse(w, http.StatusOK, result)
}

// batchTarget resolves a batch item to an existing resource by internal id
// or by (type, external id). A nil resource without error means no match.
func (rh *ResourceHandlers) batchTarget(r *http.Request, realmID int, id, typeID *int, externalID *string) (*resource.Resource, error) {
	if id != nil {
		return rh.engine.resources.GetByID(r.Context(), realmID, *id)
	}
	if externalID != nil && typeID != nil {
		return rh.engine.resources.GetByExternalID(r.Context(), realmID, *typeID, *externalID)
	}
	return nil, nil
}
