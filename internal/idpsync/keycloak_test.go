package idpsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeKeycloak(t *testing.T, tokenRequests *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(tokenRequests, 1)
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "admin-token", "expires_in": 300})
	})

	requireToken := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/admin/realms/master/roles", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		json.NewEncoder(w).Encode([]KeycloakRole{
			{ID: "r1", Name: "admin"},
			{ID: "r2", Name: "viewer", Attributes: json.RawMessage(`{"level":["1"]}`)},
		})
	})
	mux.HandleFunc("/admin/realms/master/users", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		json.NewEncoder(w).Encode([]KeycloakUser{
			{ID: "u1", Username: "alice", Email: "alice@example.com", Enabled: true},
		})
	})
	mux.HandleFunc("/admin/realms/master/users/u1/role-mappings/realm", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		json.NewEncoder(w).Encode([]KeycloakRole{{ID: "r1", Name: "admin"}})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(serverURL string) *KeycloakClient {
	return NewKeycloakClient(ClientConfig{
		ServerURL:    serverURL,
		Realm:        "master",
		ClientID:     "sync-client",
		ClientSecret: "s3cret",
		VerifySSL:    true,
	})
}

func TestKeycloakClientFetchesRolesAndUsers(t *testing.T) {
	var tokenRequests int64
	server := newFakeKeycloak(t, &tokenRequests)
	client := newTestClient(server.URL)
	ctx := context.Background()

	roles, err := client.GetRealmRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "admin", roles[0].Name)
	assert.JSONEq(t, `{"level":["1"]}`, string(roles[1].Attributes))

	users, err := client.GetUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
	assert.True(t, users[0].Enabled)

	mappings, err := client.GetUserRealmRoles(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "admin", mappings[0].Name)
}

func TestKeycloakClientReusesToken(t *testing.T) {
	var tokenRequests int64
	server := newFakeKeycloak(t, &tokenRequests)
	client := newTestClient(server.URL)
	ctx := context.Background()

	_, err := client.GetRealmRoles(ctx)
	require.NoError(t, err)
	_, err = client.GetUsers(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&tokenRequests))
}

func TestKeycloakClientBadCredentials(t *testing.T) {
	var tokenRequests int64
	server := newFakeKeycloak(t, &tokenRequests)
	client := NewKeycloakClient(ClientConfig{
		ServerURL:    server.URL,
		Realm:        "master",
		ClientID:     "sync-client",
		ClientSecret: "wrong",
		VerifySSL:    true,
	})

	_, err := client.GetRealmRoles(context.Background())
	assert.Error(t, err)
}
