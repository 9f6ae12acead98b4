package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	return NewServer(&Engine{})
}

func TestRouteMatching(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		method string
		path   string
		vars   map[string]string
	}{
		{http.MethodPost, "/api/v1/check-access", nil},
		{http.MethodPost, "/api/v1/get-permitted-actions", nil},
		{http.MethodPost, "/api/v1/get-authorization-conditions", nil},
		{http.MethodPost, "/api/v1/manifest/apply", nil},
		{http.MethodGet, "/api/v1/realms/tenant-a/manifest", map[string]string{"realm_name": "tenant-a"}},
		{http.MethodGet, "/api/v1/meta/acl-options", nil},
		{http.MethodPost, "/api/v1/realms", nil},
		{http.MethodGet, "/api/v1/realms/name/tenant-a", map[string]string{"name": "tenant-a"}},
		{http.MethodGet, "/api/v1/realms/7", map[string]string{"realm_id": "7"}},
		{http.MethodPost, "/api/v1/realms/7/sync", map[string]string{"realm_id": "7"}},
		{http.MethodPost, "/api/v1/realms/7/roles/batch", map[string]string{"realm_id": "7"}},
		{http.MethodPut, "/api/v1/realms/7/roles/3", map[string]string{"realm_id": "7", "role_id": "3"}},
		{http.MethodDelete, "/api/v1/realms/7/principals/4", map[string]string{"realm_id": "7", "principal_id": "4"}},
		{http.MethodGet, "/api/v1/realms/7/resources/all", map[string]string{"realm_id": "7"}},
		{http.MethodGet, "/api/v1/realms/7/resources/external/device/sensor-1",
			map[string]string{"realm_id": "7", "type_id_or_name": "device", "external_id": "sensor-1"}},
		{http.MethodGet, "/api/v1/realms/7/resources/12", map[string]string{"realm_id": "7", "resource_id": "12"}},
		{http.MethodGet, "/api/v1/realms/7/acls/all", map[string]string{"realm_id": "7"}},
		{http.MethodPut, "/api/v1/realms/7/acls/9", map[string]string{"realm_id": "7", "acl_id": "9"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			var match mux.RouteMatch
			require.True(t, s.router.Match(req, &match), "route should match")
			for name, want := range tt.vars {
				assert.Equal(t, want, match.Vars[name])
			}
		})
	}
}

func TestRealmNameRouteDoesNotShadowRealmID(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/realms/name/staging", nil)
	var match mux.RouteMatch
	require.True(t, s.router.Match(req, &match))
	assert.Equal(t, "staging", match.Vars["name"])
	assert.Empty(t, match.Vars["realm_id"])
}

func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCheckAccessRequiresRealmName(t *testing.T) {
	s := newTestServer()

	w := postJSON(s, "/api/v1/check-access", `{"req_access": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "realm_name is required", decodeError(t, w).Message)
}

func TestCheckAccessRejectsMalformedBody(t *testing.T) {
	s := newTestServer()

	w := postJSON(s, "/api/v1/check-access", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", decodeError(t, w).Message)
}

func TestGetAuthorizationConditionsRequiresNames(t *testing.T) {
	s := newTestServer()

	w := postJSON(s, "/api/v1/get-authorization-conditions", `{"realm_name": "tenant-a"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApplyManifestRejectsUnknownMode(t *testing.T) {
	s := newTestServer()

	w := postJSON(s, "/api/v1/manifest/apply?mode=merge", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid mode", decodeError(t, w).Message)
}

func TestCreateRoleRequiresName(t *testing.T) {
	s := newTestServer()

	w := postJSON(s, "/api/v1/realms/1/roles", `{"attributes": {}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "name is required", decodeError(t, w).Message)
}

func TestCreateResourceRequiresType(t *testing.T) {
	s := newTestServer()

	w := postJSON(s, "/api/v1/realms/1/resources", `{"external_id": "doc-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "resource_type_id is required", decodeError(t, w).Message)
}

func TestErrorResponsesCountTowardsMetrics(t *testing.T) {
	e := &Engine{}
	w := httptest.NewRecorder()
	e.writeErrorResponse(w, http.StatusInternalServerError, "boom", "details")

	metrics := e.GetMetrics()
	assert.Equal(t, int64(1), metrics["errors"])

	resp := ErrorResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "boom", resp.Message)
	assert.Equal(t, "details", resp.Error)
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/realms/1/resources?skip=20&limit=5&external_id=doc&bad=x", nil)

	assert.Equal(t, 20, queryInt(r, "skip", 0))
	assert.Equal(t, 5, queryInt(r, "limit", 50))
	assert.Equal(t, 50, queryInt(r, "missing", 50))
	assert.Equal(t, 0, queryInt(r, "bad", 0))

	require.NotNil(t, queryStrPtr(r, "external_id"))
	assert.Equal(t, "doc", *queryStrPtr(r, "external_id"))
	assert.Nil(t, queryStrPtr(r, "missing"))
	assert.Nil(t, queryIntPtr(r, "bad"))
}
