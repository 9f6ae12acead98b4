// Package realm manages tenants and their storage partitions.
//
// Every realm owns a slice of the partitioned resource, acl and external_ids
// tables; creating or deleting a realm creates or drops those partitions
// alongside the rows.
package realm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrAlreadyExists is returned when a realm name is taken
var ErrAlreadyExists = errors.New("realm with this name already exists")

// ErrInvalidKeycloakConfig is returned when a partial identity provider
// configuration cannot be created
var ErrInvalidKeycloakConfig = errors.New("missing required fields for creating new Keycloak config")

// Realm is a tenant
type Realm struct {
	ID             int             `json:"id"`
	Name           string          `json:"name"`
	Description    *string         `json:"description,omitempty"`
	IsActive       bool            `json:"is_active"`
	KeycloakConfig *KeycloakConfig `json:"keycloak_config,omitempty"`
}

// KeycloakConfig is a realm's identity provider binding
type KeycloakConfig struct {
	ID            int             `json:"id"`
	RealmID       int             `json:"realm_id"`
	ServerURL     string          `json:"server_url"`
	KeycloakRealm string          `json:"keycloak_realm"`
	ClientID      string          `json:"client_id"`
	ClientSecret  *string         `json:"client_secret,omitempty"`
	VerifySSL     bool            `json:"verify_ssl"`
	Settings      json.RawMessage `json:"settings,omitempty"`
	SyncCron      *string         `json:"sync_cron,omitempty"`
	SyncGroups    bool            `json:"sync_groups"`
	PublicKey     *string         `json:"public_key,omitempty"`
	Algorithm     string          `json:"algorithm"`
}

// CreateInput is the payload for creating a realm
type CreateInput struct {
	Name           string               `json:"name"`
	Description    *string              `json:"description,omitempty"`
	IsActive       *bool                `json:"is_active,omitempty"`
	KeycloakConfig *KeycloakConfigInput `json:"keycloak_config,omitempty"`
}

// UpdateInput is the payload for updating a realm
type UpdateInput struct {
	Name           *string              `json:"name,omitempty"`
	Description    *string              `json:"description,omitempty"`
	IsActive       *bool                `json:"is_active,omitempty"`
	KeycloakConfig *KeycloakConfigInput `json:"keycloak_config,omitempty"`
}

// KeycloakConfigInput is the identity provider configuration payload
type KeycloakConfigInput struct {
	ServerURL     string          `json:"server_url"`
	KeycloakRealm string          `json:"keycloak_realm"`
	ClientID      string          `json:"client_id"`
	ClientSecret  *string         `json:"client_secret,omitempty"`
	VerifySSL     *bool           `json:"verify_ssl,omitempty"`
	Settings      json.RawMessage `json:"settings,omitempty"`
	SyncCron      *string         `json:"sync_cron,omitempty"`
	SyncGroups    *bool           `json:"sync_groups,omitempty"`
	PublicKey     *string         `json:"public_key,omitempty"`
	Algorithm     *string         `json:"algorithm,omitempty"`
}

// Service manages realms
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new realm service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates a realm, its identity provider configuration, and its
// storage partitions.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Realm, error) {
	pool := s.db.Pool()

	var existing int
	err := pool.QueryRow(ctx, `SELECT id FROM realm WHERE name = $1`, input.Name).Scan(&existing)
	if err == nil {
		return nil, ErrAlreadyExists
	}

	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}

	var realmID int
	err = pool.QueryRow(ctx, `
		INSERT INTO realm (name, description, is_active) VALUES ($1, $2, $3) RETURNING id`,
		input.Name, input.Description, isActive).Scan(&realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to create realm: %w", err)
	}

	if input.KeycloakConfig != nil {
		if err := s.insertKeycloakConfig(ctx, realmID, input.KeycloakConfig); err != nil {
			return nil, err
		}
	}

	if err := s.createPartitions(ctx, realmID); err != nil {
		return nil, fmt.Errorf("failed to create realm partitions: %w", err)
	}

	if s.logger != nil {
		s.logger.Infof("Created realm %s (id=%d)", input.Name, realmID)
	}
	return s.Get(ctx, realmID)
}

func (s *Service) insertKeycloakConfig(ctx context.Context, realmID int, cfg *KeycloakConfigInput) error {
	syncCron := validateCron(cfg.SyncCron)
	verifySSL := true
	if cfg.VerifySSL != nil {
		verifySSL = *cfg.VerifySSL
	}
	syncGroups := false
	if cfg.SyncGroups != nil {
		syncGroups = *cfg.SyncGroups
	}
	algorithm := "RS256"
	if cfg.Algorithm != nil && *cfg.Algorithm != "" {
		algorithm = *cfg.Algorithm
	}

	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO realm_keycloak_config
			(realm_id, server_url, keycloak_realm, client_id, client_secret, verify_ssl, settings, sync_cron, sync_groups, public_key, algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		realmID, cfg.ServerURL, cfg.KeycloakRealm, cfg.ClientID, cfg.ClientSecret,
		verifySSL, cfg.Settings, syncCron, syncGroups, cfg.PublicKey, algorithm)
	if err != nil {
		return fmt.Errorf("failed to create Keycloak config: %w", err)
	}
	return nil
}

// validateCron drops schedules that do not parse rather than failing the
// whole request.
func validateCron(expr *string) *string {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(*expr); err != nil {
		return nil
	}
	return expr
}

func (s *Service) createPartitions(ctx context.Context, realmID int) error {
	pool := s.db.Pool()
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS resource_%d PARTITION OF resource FOR VALUES IN (%d) PARTITION BY LIST (resource_type_id)", realmID, realmID),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS acl_%d PARTITION OF acl FOR VALUES IN (%d) PARTITION BY LIST (resource_type_id)", realmID, realmID),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS external_ids_%d PARTITION OF external_ids FOR VALUES IN (%d) PARTITION BY LIST (resource_type_id)", realmID, realmID),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dropPartitions(ctx context.Context, realmID int) {
	pool := s.db.Pool()
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS resource_%d CASCADE", realmID),
		fmt.Sprintf("DROP TABLE IF EXISTS acl_%d CASCADE", realmID),
		fmt.Sprintf("DROP TABLE IF EXISTS external_ids_%d CASCADE", realmID),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to drop partition for realm %d: %v", realmID, err)
		}
	}
}

// Get returns a realm by id, or nil when it does not exist
func (s *Service) Get(ctx context.Context, realmID int) (*Realm, error) {
	return s.getOne(ctx, `WHERE r.id = $1`, realmID)
}

// GetByName returns a realm by name, or nil when it does not exist
func (s *Service) GetByName(ctx context.Context, name string) (*Realm, error) {
	return s.getOne(ctx, `WHERE r.name = $1`, name)
}

func (s *Service) getOne(ctx context.Context, where string, arg interface{}) (*Realm, error) {
	rows, err := s.queryRealms(ctx, where, arg)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// List returns all realms
func (s *Service) List(ctx context.Context) ([]*Realm, error) {
	return s.queryRealms(ctx, "")
}

func (s *Service) queryRealms(ctx context.Context, where string, args ...interface{}) ([]*Realm, error) {
	query := `
		SELECT r.id, r.name, r.description, r.is_active,
		       kc.id, kc.server_url, kc.keycloak_realm, kc.client_id, kc.client_secret,
		       kc.verify_ssl, kc.settings, kc.sync_cron, kc.sync_groups, kc.public_key, kc.algorithm
		FROM realm r
		LEFT JOIN realm_keycloak_config kc ON kc.realm_id = r.id ` + where + ` ORDER BY r.id`

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query realms: %w", err)
	}
	defer rows.Close()

	var realms []*Realm
	for rows.Next() {
		var r Realm
		var kcID *int
		var serverURL, keycloakRealm, clientID, clientSecret, syncCron, publicKey, algorithm *string
		var verifySSL, syncGroups *bool
		var settings json.RawMessage
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsActive,
			&kcID, &serverURL, &keycloakRealm, &clientID, &clientSecret,
			&verifySSL, &settings, &syncCron, &syncGroups, &publicKey, &algorithm); err != nil {
			return nil, err
		}
		if kcID != nil {
			r.KeycloakConfig = &KeycloakConfig{
				ID:            *kcID,
				RealmID:       r.ID,
				ServerURL:     deref(serverURL),
				KeycloakRealm: deref(keycloakRealm),
				ClientID:      deref(clientID),
				ClientSecret:  clientSecret,
				VerifySSL:     verifySSL != nil && *verifySSL,
				Settings:      settings,
				SyncCron:      syncCron,
				SyncGroups:    syncGroups != nil && *syncGroups,
				PublicKey:     publicKey,
				Algorithm:     deref(algorithm),
			}
		}
		realms = append(realms, &r)
	}
	return realms, rows.Err()
}

// Update modifies a realm and its identity provider configuration. Returns
// nil when the realm does not exist.
func (s *Service) Update(ctx context.Context, realmID int, input UpdateInput) (*Realm, error) {
	current, err := s.Get(ctx, realmID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	pool := s.db.Pool()

	if input.Name != nil && *input.Name != current.Name {
		// The old name's cached map would otherwise keep resolving
		if err := s.cache.InvalidateRealm(ctx, current.Name); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate realm cache: %v", err)
		}
		if _, err := pool.Exec(ctx, `UPDATE realm SET name = $1 WHERE id = $2`, *input.Name, realmID); err != nil {
			return nil, fmt.Errorf("failed to rename realm: %w", err)
		}
		current.Name = *input.Name
	}
	if input.Description != nil {
		if _, err := pool.Exec(ctx, `UPDATE realm SET description = $1 WHERE id = $2`, *input.Description, realmID); err != nil {
			return nil, err
		}
	}
	if input.IsActive != nil {
		if _, err := pool.Exec(ctx, `UPDATE realm SET is_active = $1 WHERE id = $2`, *input.IsActive, realmID); err != nil {
			return nil, err
		}
	}

	if input.KeycloakConfig != nil {
		if current.KeycloakConfig != nil {
			if err := s.updateKeycloakConfig(ctx, realmID, input.KeycloakConfig); err != nil {
				return nil, err
			}
		} else {
			cfg := input.KeycloakConfig
			if cfg.ServerURL == "" || cfg.KeycloakRealm == "" || cfg.ClientID == "" {
				return nil, ErrInvalidKeycloakConfig
			}
			if err := s.insertKeycloakConfig(ctx, realmID, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := s.cache.InvalidateRealm(ctx, current.Name); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate realm cache: %v", err)
	}
	return s.Get(ctx, realmID)
}

func (s *Service) updateKeycloakConfig(ctx context.Context, realmID int, cfg *KeycloakConfigInput) error {
	pool := s.db.Pool()
	set := func(column string, value interface{}) error {
		_, err := pool.Exec(ctx, fmt.Sprintf(`UPDATE realm_keycloak_config SET %s = $1 WHERE realm_id = $2`, column), value, realmID)
		return err
	}

	if cfg.ServerURL != "" {
		if err := set("server_url", cfg.ServerURL); err != nil {
			return err
		}
	}
	if cfg.KeycloakRealm != "" {
		if err := set("keycloak_realm", cfg.KeycloakRealm); err != nil {
			return err
		}
	}
	if cfg.ClientID != "" {
		if err := set("client_id", cfg.ClientID); err != nil {
			return err
		}
	}
	if cfg.ClientSecret != nil {
		if err := set("client_secret", cfg.ClientSecret); err != nil {
			return err
		}
	}
	if cfg.VerifySSL != nil {
		if err := set("verify_ssl", *cfg.VerifySSL); err != nil {
			return err
		}
	}
	if cfg.Settings != nil {
		if err := set("settings", cfg.Settings); err != nil {
			return err
		}
	}
	if cfg.SyncCron != nil {
		if err := set("sync_cron", validateCron(cfg.SyncCron)); err != nil {
			return err
		}
	}
	if cfg.SyncGroups != nil {
		if err := set("sync_groups", *cfg.SyncGroups); err != nil {
			return err
		}
	}
	if cfg.PublicKey != nil {
		if err := set("public_key", cfg.PublicKey); err != nil {
			return err
		}
	}
	if cfg.Algorithm != nil && *cfg.Algorithm != "" {
		if err := set("algorithm", *cfg.Algorithm); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a realm, its rows, and its partitions. Returns false when
// the realm does not exist.
func (s *Service) Delete(ctx context.Context, realmID int) (bool, error) {
	current, err := s.Get(ctx, realmID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	pool := s.db.Pool()

	// Leaf partitions first, then the realm-level parents
	rows, err := pool.Query(ctx, `SELECT id FROM resource_type WHERE realm_id = $1`, realmID)
	if err != nil {
		return false, err
	}
	var typeIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, err
		}
		typeIDs = append(typeIDs, id)
	}
	rows.Close()

	for _, typeID := range typeIDs {
		dropLeafPartitions(ctx, pool, s.logger, realmID, typeID)
	}
	s.dropPartitions(ctx, realmID)

	// Identity rows are not partitioned; cascade them in dependency order
	cascade := []string{
		`DELETE FROM external_ids WHERE realm_id = $1`,
		`DELETE FROM acl WHERE realm_id = $1`,
		`DELETE FROM resource WHERE realm_id = $1`,
		`DELETE FROM principal_roles WHERE principal_id IN (SELECT id FROM principal WHERE realm_id = $1)`,
		`DELETE FROM auth_role WHERE realm_id = $1`,
		`DELETE FROM principal WHERE realm_id = $1`,
		`DELETE FROM action WHERE realm_id = $1`,
		`DELETE FROM resource_type WHERE realm_id = $1`,
		`DELETE FROM realm_keycloak_config WHERE realm_id = $1`,
		`DELETE FROM realm WHERE id = $1`,
	}
	for _, stmt := range cascade {
		if _, err := pool.Exec(ctx, stmt, realmID); err != nil {
			return false, fmt.Errorf("failed to delete realm %d: %w", realmID, err)
		}
	}

	if err := s.cache.InvalidateRealm(ctx, current.Name); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate realm cache: %v", err)
	}
	if s.logger != nil {
		s.logger.Infof("Deleted realm %s (id=%d)", current.Name, realmID)
	}
	return true, nil
}

// InvalidateCache drops the realm's cached lookup table by id
func (s *Service) InvalidateCache(ctx context.Context, realmID int) {
	current, err := s.Get(ctx, realmID)
	if err != nil || current == nil {
		return
	}
	if err := s.cache.InvalidateRealm(ctx, current.Name); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate realm cache: %v", err)
	}
}

func dropLeafPartitions(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger, realmID, typeID int) {
	for _, table := range []string{"resource", "acl", "external_ids"} {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s_%d_%d CASCADE", table, realmID, typeID)
		if _, err := pool.Exec(ctx, stmt); err != nil && log != nil {
			log.Warnf("Failed to drop partition %s_%d_%d: %v", table, realmID, typeID, err)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
