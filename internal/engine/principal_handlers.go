package engine

import (
	"net/http"

	"github.com/realmgate/realmgate/internal/services/principal"
)

// PrincipalHandlers contains the principal endpoint handlers
type PrincipalHandlers struct {
	engine *Engine
}

// NewPrincipalHandlers creates a new instance of PrincipalHandlers
func NewPrincipalHandlers(engine *Engine) *PrincipalHandlers {
	return &PrincipalHandlers{engine: engine}
}

// CreatePrincipal handles POST /api/v1/realms/{realm_id}/principals
func (ph *PrincipalHandlers) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	var input principal.CreateInput
	if err := decodeBody(r, &input); err != nil {
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if input.Username == "" {
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "username is required", "")
		return
	}

	created, err := ph.engine.principals.Create(r.Context(), realmIDVar(r), input)
	if err != nil {
		// Duplicate usernames and unknown role names both come back as
		// client errors.
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to create principal", err.Error())
		return
	}
	ph.engine.writeJSONResponse(w, http.StatusOK, created)
}

// GetPrincipal handles GET /api/v1/realms/{realm_id}/principals/{principal_id}
func (ph *PrincipalHandlers) GetPrincipal(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	found, err := ph.engine.principals.Get(r.Context(), realmIDVar(r), pathInt(r, "principal_id"))
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get principal", err.Error())
		return
	}
	if found == nil {
		ph.engine.writeErrorResponse(w, http.StatusNotFound, "Principal not found", "")
		return
	}
	ph.engine.writeJSONResponse(w, http.StatusOK, found)
}

// ListPrincipals handles GET /api/v1/realms/{realm_id}/principals
func (ph *PrincipalHandlers) ListPrincipals(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	principals, _, err := ph.engine.principals.List(r.Context(), realmIDVar(r),
		queryInt(r, "skip", 0), queryInt(r, "limit", 100))
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list principals", err.Error())
		return
	}
	if principals == nil {
		principals = []*principal.Principal{}
	}
	ph.engine.writeJSONResponse(w, http.StatusOK, principals)
}

// UpdatePrincipal handles PUT /api/v1/realms/{realm_id}/principals/{principal_id}
func (ph *PrincipalHandlers) UpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	var input principal.UpdateInput
	if err := decodeBody(r, &input); err != nil {
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	updated, err := ph.engine.principals.Update(r.Context(), realmIDVar(r), pathInt(r, "principal_id"), input)
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to update principal", err.Error())
		return
	}
	if updated == nil {
		ph.engine.writeErrorResponse(w, http.StatusNotFound, "Principal not found", "")
		return
	}
	ph.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeletePrincipal handles DELETE /api/v1/realms/{realm_id}/principals/{principal_id}
func (ph *PrincipalHandlers) DeletePrincipal(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	deleted, err := ph.engine.principals.Delete(r.Context(), realmIDVar(r), pathInt(r, "principal_id"))
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete principal", err.Error())
		return
	}
	if !deleted {
		ph.engine.writeErrorResponse(w, http.StatusNotFound, "Principal not found", "")
		return
	}
	ph.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// BatchPrincipals handles POST /api/v1/realms/{realm_id}/principals/batch
func (ph *PrincipalHandlers) BatchPrincipals(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	var op BatchPrincipalOperation
	if err := decodeBody(r, &op); err != nil {
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	realmID := realmIDVar(r)
	var result BatchResult

	created, err := ph.engine.principals.BatchCreate(r.Context(), realmID, op.Create)
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch create failed", err.Error())
		return
	}
	result.Created = len(created)

	for _, item := range op.Update {
		if item.ID == nil {
			continue
		}
		updated, err := ph.engine.principals.Update(r.Context(), realmID, *item.ID,
			principal.UpdateInput{Username: item.Username, Attributes: item.Attributes})
		if err != nil {
			ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch update failed", err.Error())
			return
		}
		if updated != nil {
			result.Updated++
		}
	}

	deleted, err := ph.engine.principals.BatchDelete(r.Context(), realmID, op.Delete)
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Batch delete failed", err.Error())
		return
	}
	result.Deleted = deleted

	ph.engine.writeJSONResponse(w, http.StatusOK, result)
}
