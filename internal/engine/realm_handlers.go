package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/realmgate/realmgate/internal/services/realm"
)

// RealmHandlers contains the realm endpoint handlers
type RealmHandlers struct {
	engine *Engine
}

// NewRealmHandlers creates a new instance of RealmHandlers
func NewRealmHandlers(engine *Engine) *RealmHandlers {
	return &RealmHandlers{engine: engine}
}

// CreateRealm handles POST /api/v1/realms
func (rh *RealmHandlers) CreateRealm(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var input realm.CreateInput
	if err := decodeBody(r, &input); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if input.Name == "" {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "name is required", "")
		return
	}

	created, err := rh.engine.realms.Create(r.Context(), input)
	if err != nil {
		if errors.Is(err, realm.ErrAlreadyExists) || errors.Is(err, realm.ErrInvalidKeycloakConfig) {
			rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to create realm", err.Error())
			return
		}
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create realm", err.Error())
		return
	}

	// A configured sync schedule means the realm wants provider data now,
	// not at the next cron tick.
	if kc := created.KeycloakConfig; kc != nil && kc.SyncCron != nil && *kc.SyncCron != "" {
		rh.runBackgroundSync(created.ID)
	}

	rh.engine.writeJSONResponse(w, http.StatusOK, created)
}

// ListRealms handles GET /api/v1/realms
func (rh *RealmHandlers) ListRealms(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	realms, err := rh.engine.realms.List(r.Context())
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list realms", err.Error())
		return
	}
	if realms == nil {
		realms = []*realm.Realm{}
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, realms)
}

// GetRealm handles GET /api/v1/realms/{realm_id}
func (rh *RealmHandlers) GetRealm(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	found, err := rh.engine.realms.Get(r.Context(), realmIDVar(r))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get realm", err.Error())
		return
	}
	if found == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Realm not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, found)
}

// GetRealmByName handles GET /api/v1/realms/name/{name}
func (rh *RealmHandlers) GetRealmByName(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	found, err := rh.engine.realms.GetByName(r.Context(), pathVar(r, "name"))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get realm", err.Error())
		return
	}
	if found == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Realm not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, found)
}

// UpdateRealm handles PUT /api/v1/realms/{realm_id}
func (rh *RealmHandlers) UpdateRealm(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var input realm.UpdateInput
	if err := decodeBody(r, &input); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	updated, err := rh.engine.realms.Update(r.Context(), realmIDVar(r), input)
	if err != nil {
		if errors.Is(err, realm.ErrAlreadyExists) || errors.Is(err, realm.ErrInvalidKeycloakConfig) {
			rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to update realm", err.Error())
			return
		}
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to update realm", err.Error())
		return
	}
	if updated == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Realm not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, updated)
}

// DeleteRealm handles DELETE /api/v1/realms/{realm_id}
func (rh *RealmHandlers) DeleteRealm(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	deleted, err := rh.engine.realms.Delete(r.Context(), realmIDVar(r))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete realm", err.Error())
		return
	}
	if !deleted {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Realm not found", "")
		return
	}
	rh.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// SyncRealm handles POST /api/v1/realms/{realm_id}/sync
func (rh *RealmHandlers) SyncRealm(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	realmID := realmIDVar(r)
	found, err := rh.engine.realms.Get(r.Context(), realmID)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get realm", err.Error())
		return
	}
	if found == nil {
		rh.engine.writeErrorResponse(w, http.StatusNotFound, "Realm not found", "")
		return
	}

	rh.runBackgroundSync(realmID)
	rh.engine.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "sync_started"})
}

func (rh *RealmHandlers) runBackgroundSync(realmID int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := rh.engine.idp.SyncRealm(ctx, realmID); err != nil && rh.engine.logger != nil {
			rh.engine.logger.Errorf("Background sync for realm %d failed: %v", realmID, err)
		}
	}()
}
