package engine

import (
	"errors"
	"net/http"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/internal/services/authz"
)

// AuthHandlers contains the authorization endpoint handlers
type AuthHandlers struct {
	engine *Engine
}

// NewAuthHandlers creates a new instance of AuthHandlers
func NewAuthHandlers(engine *Engine) *AuthHandlers {
	return &AuthHandlers{engine: engine}
}

// CheckAccess handles POST /api/v1/check-access
func (ah *AuthHandlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var req CheckAccessRequest
	if err := decodeBody(r, &req); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.RealmName == "" {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "realm_name is required", "")
		return
	}

	principal := ah.engine.resolver.Resolve(r.Context(), bearerTokenFromContext(r.Context()), req.RealmName)

	results, err := ah.engine.authz.CheckAccess(r.Context(), req.RealmName, principal,
		req.ReqAccess, req.AuthContext, req.RoleNames)
	if err != nil {
		ah.handleAuthzError(w, err)
		return
	}
	if results == nil {
		results = []authz.AccessResponseItem{}
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, AccessResponse{Results: results})
}

// GetPermittedActions handles POST /api/v1/get-permitted-actions
func (ah *AuthHandlers) GetPermittedActions(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var req GetPermittedActionsRequest
	if err := decodeBody(r, &req); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.RealmName == "" {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "realm_name is required", "")
		return
	}

	principal := ah.engine.resolver.Resolve(r.Context(), bearerTokenFromContext(r.Context()), req.RealmName)

	results, err := ah.engine.authz.GetPermittedActions(r.Context(), req.RealmName, principal,
		req.Resources, req.AuthContext, req.RoleNames)
	if err != nil {
		ah.handleAuthzError(w, err)
		return
	}
	if results == nil {
		results = []authz.PermittedActionsResponseItem{}
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, GetPermittedActionsResponse{Results: results})
}

// GetAuthorizationConditions handles POST /api/v1/get-authorization-conditions
func (ah *AuthHandlers) GetAuthorizationConditions(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	var req GetAuthorizationConditionsRequest
	if err := decodeBody(r, &req); err != nil {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.RealmName == "" || req.ResourceTypeName == "" || req.ActionName == "" {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest,
			"realm_name, resource_type_name and action_name are required", "")
		return
	}

	principal := ah.engine.resolver.Resolve(r.Context(), bearerTokenFromContext(r.Context()), req.RealmName)

	conditions, err := ah.engine.authz.GetAuthorizationConditions(r.Context(), req.RealmName, principal,
		req.ResourceTypeName, req.ActionName, req.RoleNames)
	if err != nil {
		ah.handleAuthzError(w, err)
		return
	}
	ah.engine.writeJSONResponse(w, http.StatusOK, conditions)
}

// handleAuthzError maps name-resolution failures to 400 and everything else
// to 500.
func (ah *AuthHandlers) handleAuthzError(w http.ResponseWriter, err error) {
	if errors.Is(err, cache.ErrRealmNotFound) || errors.Is(err, authz.ErrUnknownNames) {
		ah.engine.writeErrorResponse(w, http.StatusBadRequest, "Authorization request rejected", err.Error())
		return
	}
	ah.engine.writeErrorResponse(w, http.StatusInternalServerError, "Internal authorization error", err.Error())
}
