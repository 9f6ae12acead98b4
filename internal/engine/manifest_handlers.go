package engine

import (
	"errors"
	"net/http"

	"github.com/realmgate/realmgate/internal/services/manifest"
)

// ManifestHandlers contains the manifest endpoint handlers
type ManifestHandlers struct {
	engine *Engine
}

// NewManifestHandlers creates a new instance of ManifestHandlers
func NewManifestHandlers(engine *Engine) *ManifestHandlers {
	return &ManifestHandlers{engine: engine}
}

// ApplyManifest handles POST /api/v1/manifest/apply. The mode query
// parameter selects between replace, create, and update semantics.
func (mh *ManifestHandlers) ApplyManifest(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "update"
	}
	switch mode {
	case "replace", "create", "update":
	default:
		mh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid mode", "mode must be one of replace, create, update")
		return
	}

	var m manifest.Manifest
	if err := decodeBody(r, &m); err != nil {
		mh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid manifest", err.Error())
		return
	}

	results, err := mh.engine.manifests.Apply(r.Context(), m, mode)
	if err != nil {
		mh.engine.writeErrorResponse(w, http.StatusBadRequest, "Failed to apply manifest", err.Error())
		return
	}
	mh.engine.writeJSONResponse(w, http.StatusOK, results)
}

// ExportManifest handles GET /api/v1/realms/{realm_name}/manifest
func (mh *ManifestHandlers) ExportManifest(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	exported, err := mh.engine.manifests.Export(r.Context(), pathVar(r, "realm_name"))
	if err != nil {
		if errors.Is(err, manifest.ErrRealmNotFound) {
			mh.engine.writeErrorResponse(w, http.StatusNotFound, "Realm not found", err.Error())
			return
		}
		mh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to export manifest", err.Error())
		return
	}
	mh.engine.writeJSONResponse(w, http.StatusOK, exported)
}
