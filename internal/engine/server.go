package engine

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"
)

type Server struct {
	engine           *Engine
	router           *mux.Router
	authHandler      *AuthHandlers
	realmHandler     *RealmHandlers
	roleHandler      *RoleHandlers
	principalHandler *PrincipalHandlers
	actionHandler    *ActionHandlers
	typeHandler      *ResourceTypeHandlers
	resourceHandler  *ResourceHandlers
	aclHandler       *ACLHandlers
	manifestHandler  *ManifestHandlers
	metaHandler      *MetaHandlers
	middleware       *Middleware
}

func NewServer(engine *Engine) *Server {
	s := &Server{
		engine:           engine,
		router:           mux.NewRouter(),
		authHandler:      NewAuthHandlers(engine),
		realmHandler:     NewRealmHandlers(engine),
		roleHandler:      NewRoleHandlers(engine),
		principalHandler: NewPrincipalHandlers(engine),
		actionHandler:    NewActionHandlers(engine),
		typeHandler:      NewResourceTypeHandlers(engine),
		resourceHandler:  NewResourceHandlers(engine),
		aclHandler:       NewACLHandlers(engine),
		manifestHandler:  NewManifestHandlers(engine),
		metaHandler:      NewMetaHandlers(engine),
		middleware:       NewMiddleware(engine),
	}
	s.setupRoutes()
	s.setupMiddleware()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.middleware.CORS)
	s.router.Use(s.middleware.RequestID)
	s.router.Use(s.middleware.RequestLogging)
	s.router.Use(s.middleware.BearerToken)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Authorization endpoints
	api.HandleFunc("/check-access", s.authHandler.CheckAccess).Methods(http.MethodPost)
	api.HandleFunc("/get-permitted-actions", s.authHandler.GetPermittedActions).Methods(http.MethodPost)
	api.HandleFunc("/get-authorization-conditions", s.authHandler.GetAuthorizationConditions).Methods(http.MethodPost)

	// Manifest endpoints
	api.HandleFunc("/manifest/apply", s.manifestHandler.ApplyManifest).Methods(http.MethodPost)
	api.HandleFunc("/realms/{realm_name}/manifest", s.manifestHandler.ExportManifest).Methods(http.MethodGet)

	// Meta endpoints
	api.HandleFunc("/meta/acl-options", s.metaHandler.GetACLOptions).Methods(http.MethodGet)

	// Realm endpoints
	api.HandleFunc("/realms", s.realmHandler.CreateRealm).Methods(http.MethodPost)
	api.HandleFunc("/realms", s.realmHandler.ListRealms).Methods(http.MethodGet)
	api.HandleFunc("/realms/name/{name}", s.realmHandler.GetRealmByName).Methods(http.MethodGet)
	api.HandleFunc("/realms/{realm_id:[0-9]+}", s.realmHandler.GetRealm).Methods(http.MethodGet)
	api.HandleFunc("/realms/{realm_id:[0-9]+}", s.realmHandler.UpdateRealm).Methods(http.MethodPut)
	api.HandleFunc("/realms/{realm_id:[0-9]+}", s.realmHandler.DeleteRealm).Methods(http.MethodDelete)
	api.HandleFunc("/realms/{realm_id:[0-9]+}/sync", s.realmHandler.SyncRealm).Methods(http.MethodPost)

	realms := api.PathPrefix("/realms/{realm_id:[0-9]+}").Subrouter()

	// Role endpoints
	realms.HandleFunc("/roles/batch", s.roleHandler.BatchRoles).Methods(http.MethodPost)
	realms.HandleFunc("/roles", s.roleHandler.CreateRole).Methods(http.MethodPost)
	realms.HandleFunc("/roles", s.roleHandler.ListRoles).Methods(http.MethodGet)
	realms.HandleFunc("/roles/{role_id:[0-9]+}", s.roleHandler.GetRole).Methods(http.MethodGet)
	realms.HandleFunc("/roles/{role_id:[0-9]+}", s.roleHandler.UpdateRole).Methods(http.MethodPut)
	realms.HandleFunc("/roles/{role_id:[0-9]+}", s.roleHandler.DeleteRole).Methods(http.MethodDelete)

	// Principal endpoints
	realms.HandleFunc("/principals/batch", s.principalHandler.BatchPrincipals).Methods(http.MethodPost)
	realms.HandleFunc("/principals", s.principalHandler.CreatePrincipal).Methods(http.MethodPost)
	realms.HandleFunc("/principals", s.principalHandler.ListPrincipals).Methods(http.MethodGet)
	realms.HandleFunc("/principals/{principal_id:[0-9]+}", s.principalHandler.GetPrincipal).Methods(http.MethodGet)
	realms.HandleFunc("/principals/{principal_id:[0-9]+}", s.principalHandler.UpdatePrincipal).Methods(http.MethodPut)
	realms.HandleFunc("/principals/{principal_id:[0-9]+}", s.principalHandler.DeletePrincipal).Methods(http.MethodDelete)

	// Action endpoints
	realms.HandleFunc("/actions/batch", s.actionHandler.BatchActions).Methods(http.MethodPost)
	realms.HandleFunc("/actions", s.actionHandler.CreateAction).Methods(http.MethodPost)
	realms.HandleFunc("/actions", s.actionHandler.ListActions).Methods(http.MethodGet)
	realms.HandleFunc("/actions/{action_id:[0-9]+}", s.actionHandler.GetAction).Methods(http.MethodGet)
	realms.HandleFunc("/actions/{action_id:[0-9]+}", s.actionHandler.UpdateAction).Methods(http.MethodPut)
	realms.HandleFunc("/actions/{action_id:[0-9]+}", s.actionHandler.DeleteAction).Methods(http.MethodDelete)

	// Resource type endpoints
	realms.HandleFunc("/resource-types/batch", s.typeHandler.BatchResourceTypes).Methods(http.MethodPost)
	realms.HandleFunc("/resource-types", s.typeHandler.CreateResourceType).Methods(http.MethodPost)
	realms.HandleFunc("/resource-types", s.typeHandler.ListResourceTypes).Methods(http.MethodGet)
	realms.HandleFunc("/resource-types/{rt_id:[0-9]+}", s.typeHandler.GetResourceType).Methods(http.MethodGet)
	realms.HandleFunc("/resource-types/{rt_id:[0-9]+}", s.typeHandler.UpdateResourceType).Methods(http.MethodPut)
	realms.HandleFunc("/resource-types/{rt_id:[0-9]+}", s.typeHandler.DeleteResourceType).Methods(http.MethodDelete)

	// Resource endpoints
	realms.HandleFunc("/resources/batch", s.resourceHandler.BatchResources).Methods(http.MethodPost)
	realms.HandleFunc("/resources/all", s.resourceHandler.ListAllResources).Methods(http.MethodGet)
	realms.HandleFunc("/resources/external/{type_id_or_name}/{external_id}", s.resourceHandler.GetResourceByExternalID).Methods(http.MethodGet)
	realms.HandleFunc("/resources/external/{type_id_or_name}/{external_id}", s.resourceHandler.UpdateResourceByExternalID).Methods(http.MethodPut)
	realms.HandleFunc("/resources/external/{type_id_or_name}/{external_id}", s.resourceHandler.DeleteResourceByExternalID).Methods(http.MethodDelete)
	realms.HandleFunc("/resources", s.resourceHandler.CreateResource).Methods(http.MethodPost)
	realms.HandleFunc("/resources", s.resourceHandler.ListResources).Methods(http.MethodGet)
	realms.HandleFunc("/resources/{resource_id:[0-9]+}", s.resourceHandler.GetResource).Methods(http.MethodGet)
	realms.HandleFunc("/resources/{resource_id:[0-9]+}", s.resourceHandler.UpdateResource).Methods(http.MethodPut)
	realms.HandleFunc("/resources/{resource_id:[0-9]+}", s.resourceHandler.DeleteResource).Methods(http.MethodDelete)

	// ACL endpoints
	realms.HandleFunc("/acls/batch", s.aclHandler.BatchACLs).Methods(http.MethodPost)
	realms.HandleFunc("/acls/all", s.aclHandler.ListAllACLs).Methods(http.MethodGet)
	realms.HandleFunc("/acls", s.aclHandler.CreateACL).Methods(http.MethodPost)
	realms.HandleFunc("/acls", s.aclHandler.ListACLs).Methods(http.MethodGet)
	realms.HandleFunc("/acls/{acl_id:[0-9]+}", s.aclHandler.GetACL).Methods(http.MethodGet)
	realms.HandleFunc("/acls/{acl_id:[0-9]+}", s.aclHandler.UpdateACL).Methods(http.MethodPut)
	realms.HandleFunc("/acls/{acl_id:[0-9]+}", s.aclHandler.DeleteACL).Methods(http.MethodDelete)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.engine.CheckDatabase(); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	s.engine.writeJSONResponse(w, code, map[string]string{"status": status})
}

// --- Shared handler helpers ---

func (e *Engine) writeJSONResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (e *Engine) writeErrorResponse(w http.ResponseWriter, statusCode int, message, detail string) {
	if e.logger != nil {
		if statusCode >= 500 {
			e.logger.Errorf("HTTP %d - %s: %s", statusCode, message, detail)
		} else {
			e.logger.Warnf("HTTP %d - %s: %s", statusCode, message, detail)
		}
	}
	if statusCode >= 500 {
		atomic.AddInt64(&e.metrics.errors, 1)
	}

	e.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   detail,
		Message: message,
	})
}

// pathInt reads an integer path variable. The route patterns constrain these
// to digits, so a parse failure means a broken route.
func pathInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(mux.Vars(r)[name])
	return v
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func realmIDVar(r *http.Request) int {
	return pathInt(r, "realm_id")
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryIntPtr(r *http.Request, name string) *int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func queryStrPtr(r *http.Request, name string) *string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	return &v
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
