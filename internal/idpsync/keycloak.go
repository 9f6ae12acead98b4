// Package idpsync pulls roles, groups, and users from Keycloak into realms
// on the schedules their configurations declare.
package idpsync

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// KeycloakRole is a realm role or group as the admin API reports it
type KeycloakRole struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// KeycloakUser is a user as the admin API reports it
type KeycloakUser struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email,omitempty"`
	FirstName     string          `json:"firstName,omitempty"`
	LastName      string          `json:"lastName,omitempty"`
	EmailVerified bool            `json:"emailVerified"`
	Enabled       bool            `json:"enabled"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
}

// KeycloakClient talks to one Keycloak realm's admin API
type KeycloakClient struct {
	serverURL    string
	realm        string
	clientID     string
	clientSecret string
	http         *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ClientConfig carries the connection settings for one realm
type ClientConfig struct {
	ServerURL    string
	Realm        string
	ClientID     string
	ClientSecret string
	VerifySSL    bool
}

// NewKeycloakClient creates an admin API client
func NewKeycloakClient(cfg ClientConfig) *KeycloakClient {
	transport := http.DefaultTransport
	if !cfg.VerifySSL {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &KeycloakClient{
		serverURL:    strings.TrimRight(cfg.ServerURL, "/"),
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// authenticate obtains a service account token via client credentials,
// reusing it until shortly before expiry.
func (c *KeycloakClient) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	endpoint := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.serverURL, c.realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("keycloak token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("keycloak token request returned %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn-30) * time.Second)
	return c.token, nil
}

func (c *KeycloakClient) get(ctx context.Context, path string, out any) error {
	token, err := c.authenticate(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/admin/realms/%s%s", c.serverURL, c.realm, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("keycloak request %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetRealmRoles fetches all roles of the realm
func (c *KeycloakClient) GetRealmRoles(ctx context.Context) ([]KeycloakRole, error) {
	var roles []KeycloakRole
	if err := c.get(ctx, "/roles", &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetGroups fetches all groups of the realm
func (c *KeycloakClient) GetGroups(ctx context.Context) ([]KeycloakRole, error) {
	var groups []KeycloakRole
	if err := c.get(ctx, "/groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GetUsers fetches all users of the realm
func (c *KeycloakClient) GetUsers(ctx context.Context) ([]KeycloakUser, error) {
	var users []KeycloakUser
	if err := c.get(ctx, "/users?max=-1", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUserRealmRoles fetches one user's realm role assignments
func (c *KeycloakClient) GetUserRealmRoles(ctx context.Context, userID string) ([]KeycloakRole, error) {
	var roles []KeycloakRole
	if err := c.get(ctx, "/users/"+userID+"/role-mappings/realm", &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetUserGroups fetches one user's group memberships
func (c *KeycloakClient) GetUserGroups(ctx context.Context, userID string) ([]KeycloakRole, error) {
	var groups []KeycloakRole
	if err := c.get(ctx, "/users/"+userID+"/groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}
