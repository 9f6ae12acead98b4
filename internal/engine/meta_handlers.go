package engine

import (
	"net/http"
)

// MetaHandlers contains the metadata endpoint handlers
type MetaHandlers struct {
	engine *Engine
}

// NewMetaHandlers creates a new instance of MetaHandlers
func NewMetaHandlers(engine *Engine) *MetaHandlers {
	return &MetaHandlers{engine: engine}
}

// GetACLOptions handles GET /api/v1/meta/acl-options. It returns the realm's
// id catalogs so rule editors can offer names instead of raw ids.
func (mh *MetaHandlers) GetACLOptions(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	options, err := mh.engine.meta.GetACLOptions(r.Context(), queryInt(r, "realm_id", 0))
	if err != nil {
		mh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get rule options", err.Error())
		return
	}
	mh.engine.writeJSONResponse(w, http.StatusOK, options)
}
