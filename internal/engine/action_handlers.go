package engine

import (
	"errors"
	"net/http"

	"github.com/realmgate/realmgate/internal/services/action"
)

// ActionHandlers contains the action endpoint handlers
type ActionHandlers struct {
	engine *Engine
}

// NewActionHandlers creates a new instance of ActionHandlers
func NewActionHandlers(engine *Engine) *ActionHandlers {
	return &ActionHandlers{engine: engine}
}

// CreateAction handles POST /api/v1/realms/{realm_id}/actions
func (ah *ActionHandlers) CreateAction(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var input action.CreateInput
	if err := decodeBody(r, &input); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if input.Name == "" {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "name is required", "")
		return
	}

	created, err := ah.engine.actions.Create(r.Context(), realmIDVar(r), input)
	if err != nil {
		if errors.Is(err, action.ErrAlreadyExists) {
			ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to create action", err.Error())
			return
		}
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create action", err.Error())
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, created)
}

// ListActions handles GET /api/v1/realms/{realm_id}/actions
func (ah *ActionHandlers) ListActions(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	actions, _, err := ah.engine.actions.List(r.Context(), realmIDVar(r),
		queryInt(r, "skip", 0), queryInt(r, "limit", 100))
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list actions", err.Error())
		return
	}
	if actions == nil {
		actions = []*action.Action{}
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, actions)
}

// GetAction handles GET /api/v1/realms/{realm_id}/actions/{action_id}
func (ah *ActionHandlers) GetAction(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	found, err := ah.engine.actions.Get(r.Context(), realmIDVar(r), pathInt(r, "action_id"))
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get action", err.Error())
		return
	}
	if found == nil {
		ah.engine.writeErrorResponse(w, http.StatusNotFound, "Action not found", "")
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, found)
}

// UpdateAction handles PUT /api/v1/realms/{realm_id}/actions/{action_id}
func (ah *ActionHandlers) UpdateAction(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var input action.UpdateInput
	if err := decodeBody(r, &input); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	updated, err := ah.engine.actions.Update(r.Context(), realmIDVar(r), pathInt(r, "action_id"), input)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to update action", err.Error())
		return
	}
	if updated == nil {
		ah.engine.writeErrorResponse(w, http.StatusNotFound, "Action not found", "")
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteAction handles DELETE /api/v1/realms/{realm_id}/actions/{action_id}
func (ah *ActionHandlers) DeleteAction(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	deleted, err := ah.engine.actions.Delete(r.Context(), realmIDVar(r), pathInt(r, "action_id"))
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete action", err.Error())
		return
	}
	if !deleted {
		ah.engine.writeErrorResponse(w, http.StatusNotFound, "Action not found", "")
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// BatchActions handles POST /api/v1/realms/{realm_id}/actions/batch
func (ah *ActionHandlers) BatchActions(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var op BatchActionOperation
	if err := decodeBody(r, &op); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	var result BatchResult

	created, err := ah.engine.actions.BatchCreate(r.Context(), realmID, op.Create)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch create failed", err.Error())
		return
	}
	result.Created = len(created)

	updated, err := ah.engine.actions.BatchUpdate(r.Context(), realmID, op.Update)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch update failed", err.Error())
		return
	}
	result.Updated = len(updated)

	deleted, err := ah.engine.actions.BatchDelete(r.Context(), realmID, op.Delete)
	if err != nil {
		ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
		return
	}
	result.Deleted = deleted

	ah.engine.writeJSONResponse(w, http.StatusOK, result)
}
