package idpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/keyring"
	"github.com/realmgate/realmgate/pkg/logger"
)

// secretService is the keyring service name under which per-realm client
// secrets are stored when they are kept out of the database.
const secretService = "realmgate-idp"

// IdentityProvider is the slice of the admin API a sync needs. Tests swap
// in a fake; production uses KeycloakClient.
type IdentityProvider interface {
	GetRealmRoles(ctx context.Context) ([]KeycloakRole, error)
	GetGroups(ctx context.Context) ([]KeycloakRole, error)
	GetUsers(ctx context.Context) ([]KeycloakUser, error)
	GetUserRealmRoles(ctx context.Context, userID string) ([]KeycloakRole, error)
	GetUserGroups(ctx context.Context, userID string) ([]KeycloakRole, error)
}

// ClientFactory builds a provider client from a realm's configuration
type ClientFactory func(cfg ClientConfig) IdentityProvider

// Service mirrors identity provider state into realms
type Service struct {
	db        *database.PostgreSQL
	cache     *cache.Service
	logger    *logger.Logger
	newClient ClientFactory

	secretsOnce sync.Once
	secrets     *keyring.KeyringManager
}

// NewService creates a new sync service. factory may be nil, in which case
// the real Keycloak client is used.
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger, factory ClientFactory) *Service {
	if factory == nil {
		factory = func(cfg ClientConfig) IdentityProvider { return NewKeycloakClient(cfg) }
	}
	return &Service{db: db, cache: cacheService, logger: logger, newClient: factory}
}

type syncConfig struct {
	realmName    string
	serverURL    string
	realm        string
	clientID     string
	clientSecret *string
	verifySSL    bool
	syncGroups   bool
}

// SyncRealm pulls roles, groups, and users from the realm's identity
// provider. Realms without a provider configuration are skipped silently.
func (s *Service) SyncRealm(ctx context.Context, realmID int) error {
	pool := s.db.Pool()

	var cfg syncConfig
	err := pool.QueryRow(ctx, `
		SELECT r.name, kc.server_url, kc.keycloak_realm, kc.client_id, kc.client_secret, kc.verify_ssl, kc.sync_groups
		FROM realm r
		JOIN realm_keycloak_config kc ON kc.realm_id = r.id
		WHERE r.id = $1`, realmID).
		Scan(&cfg.realmName, &cfg.serverURL, &cfg.realm, &cfg.clientID, &cfg.clientSecret, &cfg.verifySSL, &cfg.syncGroups)
	if err != nil {
		if database.IsNoRows(err) {
			if s.logger != nil {
				s.logger.Warnf("Realm %d has no identity provider configuration, skipping sync", realmID)
			}
			return nil
		}
		return err
	}
	secret := ""
	if cfg.clientSecret != nil {
		secret = *cfg.clientSecret
	}
	if secret == "" {
		secret = s.secretFromKeyring(cfg.realmName)
	}
	if secret == "" {
		if s.logger != nil {
			s.logger.Warnf("Realm %s has no client secret, skipping sync", cfg.realmName)
		}
		return nil
	}

	if s.logger != nil {
		s.logger.Infof("Starting identity provider sync for realm %s", cfg.realmName)
	}

	client := s.newClient(ClientConfig{
		ServerURL:    cfg.serverURL,
		Realm:        cfg.realm,
		ClientID:     cfg.clientID,
		ClientSecret: secret,
		VerifySSL:    cfg.verifySSL,
	})

	roles, err := client.GetRealmRoles(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch roles: %w", err)
	}
	var groups []KeycloakRole
	if cfg.syncGroups {
		if groups, err = client.GetGroups(ctx); err != nil {
			return fmt.Errorf("failed to fetch groups: %w", err)
		}
	}
	users, err := client.GetUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch users: %w", err)
	}

	if err := s.syncRoles(ctx, realmID, roles); err != nil {
		return err
	}
	if len(groups) > 0 {
		if err := s.syncRoles(ctx, realmID, groups); err != nil {
			return err
		}
	}
	if err := s.syncPrincipals(ctx, realmID, client, users, cfg.syncGroups); err != nil {
		return err
	}

	if err := s.cache.InvalidateRealm(ctx, cfg.realmName); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate realm cache after sync: %v", err)
	}
	if s.logger != nil {
		s.logger.Infof("Sync completed for realm %s: %d roles, %d groups, %d users",
			cfg.realmName, len(roles), len(groups), len(users))
	}
	return nil
}

// secretFromKeyring looks up a realm's client secret in the keyring. The
// manager is built lazily because probing the system keyring can block.
func (s *Service) secretFromKeyring(realmName string) string {
	s.secretsOnce.Do(func() {
		s.secrets = keyring.NewKeyringManager(keyring.GetDefaultKeyringPath(), keyring.GetMasterPasswordFromEnv())
	})
	secret, err := s.secrets.Get(secretService, realmName)
	if err != nil {
		return ""
	}
	return secret
}

// syncRoles creates missing roles and refreshes attributes on existing ones
func (s *Service) syncRoles(ctx context.Context, realmID int, remote []KeycloakRole) error {
	pool := s.db.Pool()

	existing := map[string]int{}
	rows, err := pool.Query(ctx, `SELECT id, name FROM auth_role WHERE realm_id = $1`, realmID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = id
	}
	rows.Close()

	for _, role := range remote {
		if role.Name == "" {
			continue
		}
		attrs := role.Attributes
		if attrs == nil {
			attrs = json.RawMessage(`{}`)
		}
		if id, ok := existing[role.Name]; ok {
			if _, err := pool.Exec(ctx, `UPDATE auth_role SET attributes = $1 WHERE id = $2`, attrs, id); err != nil {
				return err
			}
			continue
		}
		var id int
		if err := pool.QueryRow(ctx, `
			INSERT INTO auth_role (realm_id, name, attributes) VALUES ($1, $2, $3) RETURNING id`,
			realmID, role.Name, attrs).Scan(&id); err != nil {
			return err
		}
		existing[role.Name] = id
	}
	return nil
}

// syncPrincipals upserts users and replaces their role assignments with
// what the provider reports. Per-user assignment failures are logged and
// skipped so one broken account does not abort the sync.
func (s *Service) syncPrincipals(ctx context.Context, realmID int, client IdentityProvider, users []KeycloakUser, syncGroups bool) error {
	pool := s.db.Pool()

	roleIDs := map[string]int{}
	rows, err := pool.Query(ctx, `SELECT id, name FROM auth_role WHERE realm_id = $1`, realmID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		roleIDs[name] = id
	}
	rows.Close()

	existing := map[string]int{}
	rows, err = pool.Query(ctx, `SELECT id, username FROM principal WHERE realm_id = $1`, realmID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int
		var username string
		if err := rows.Scan(&id, &username); err != nil {
			rows.Close()
			return err
		}
		existing[username] = id
	}
	rows.Close()

	for _, user := range users {
		if user.Username == "" || user.ID == "" {
			continue
		}

		attrs, err := principalAttributes(user)
		if err != nil {
			return err
		}

		principalID, known := existing[user.Username]
		if known {
			if _, err := pool.Exec(ctx, `UPDATE principal SET attributes = $1 WHERE id = $2`, attrs, principalID); err != nil {
				return err
			}
		} else {
			if err := pool.QueryRow(ctx, `
				INSERT INTO principal (realm_id, username, attributes) VALUES ($1, $2, $3) RETURNING id`,
				realmID, user.Username, attrs).Scan(&principalID); err != nil {
				return err
			}
			existing[user.Username] = principalID
		}

		if err := s.syncAssignments(ctx, client, user, principalID, roleIDs, syncGroups); err != nil {
			if s.logger != nil {
				s.logger.Errorf("Failed to sync roles for user %s: %v", user.Username, err)
			}
			continue
		}

		if err := s.cache.InvalidatePrincipal(ctx, principalID, realmID, user.Username); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate principal cache: %v", err)
		}
		if err := s.cache.InvalidatePrincipalRoles(ctx, principalID); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate principal roles: %v", err)
		}
	}
	return nil
}

func (s *Service) syncAssignments(ctx context.Context, client IdentityProvider, user KeycloakUser,
	principalID int, roleIDs map[string]int, syncGroups bool) error {

	userRoles, err := client.GetUserRealmRoles(ctx, user.ID)
	if err != nil {
		return err
	}
	var userGroups []KeycloakRole
	if syncGroups {
		if userGroups, err = client.GetUserGroups(ctx, user.ID); err != nil {
			return err
		}
	}

	seen := map[int]struct{}{}
	var assigned []int
	for _, r := range append(userRoles, userGroups...) {
		id, ok := roleIDs[r.Name]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		assigned = append(assigned, id)
	}

	pool := s.db.Pool()
	if _, err := pool.Exec(ctx, `DELETE FROM principal_roles WHERE principal_id = $1`, principalID); err != nil {
		return err
	}
	for _, roleID := range assigned {
		if _, err := pool.Exec(ctx, `INSERT INTO principal_roles (principal_id, role_id) VALUES ($1, $2)`,
			principalID, roleID); err != nil {
			return err
		}
	}
	return nil
}

// principalAttributes folds the provider's profile fields into the
// attribute document conditions can reference.
func principalAttributes(user KeycloakUser) (json.RawMessage, error) {
	attrs := map[string]any{}
	if user.Attributes != nil {
		if err := json.Unmarshal(user.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("invalid attributes for user %s: %w", user.Username, err)
		}
	}
	if user.Email != "" {
		attrs["email"] = user.Email
	}
	if user.FirstName != "" {
		attrs["firstName"] = user.FirstName
	}
	if user.LastName != "" {
		attrs["lastName"] = user.LastName
	}
	attrs["emailVerified"] = user.EmailVerified
	attrs["enabled"] = user.Enabled
	return json.Marshal(attrs)
}
