// Package manifest applies and exports declarative realm configuration.
//
// A manifest describes a whole realm in one document: its identity provider
// binding, types, actions, roles, principals, resources, and rules. Apply is
// idempotent in update mode; replace tears the realm down first.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/internal/geometry"
	"github.com/realmgate/realmgate/internal/services/realm"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// Apply modes
const (
	ModeReplace = "replace"
	ModeCreate  = "create"
	ModeUpdate  = "update"
)

const resourceBatchSize = 100

// ErrNoRealm is returned when a manifest lacks the realm section
var ErrNoRealm = errors.New("manifest must contain a realm definition")

// ErrRealmNotFound is returned by Export for an unknown realm
var ErrRealmNotFound = errors.New("realm not found")

// Manifest is a declarative realm description
type Manifest struct {
	Realm         *RealmSection    `json:"realm"`
	ResourceTypes []TypeEntry      `json:"resource_types,omitempty"`
	Actions       []ActionEntry    `json:"actions,omitempty"`
	Roles         []RoleEntry      `json:"roles,omitempty"`
	Principals    []PrincipalEntry `json:"principals,omitempty"`
	Resources     []ResourceEntry  `json:"resources,omitempty"`
	ACLs          []ACLEntry       `json:"acls,omitempty"`
}

// RealmSection names the realm and optionally its identity provider
type RealmSection struct {
	Name           string                     `json:"name"`
	Description    *string                    `json:"description,omitempty"`
	KeycloakConfig *realm.KeycloakConfigInput `json:"keycloak_config,omitempty"`
}

// TypeEntry declares a resource type
type TypeEntry struct {
	Name     string `json:"name"`
	IsPublic bool   `json:"is_public,omitempty"`
}

// ActionEntry declares an action. It accepts both a bare name and an
// object with a name field.
type ActionEntry struct {
	Name string `json:"name"`
}

// UnmarshalJSON accepts "read" as shorthand for {"name": "read"}
func (a *ActionEntry) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		a.Name = name
		return nil
	}
	type plain ActionEntry
	return json.Unmarshal(data, (*plain)(a))
}

// MarshalJSON renders the shorthand form
func (a ActionEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Name)
}

// RoleEntry declares a role
type RoleEntry struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// PrincipalEntry declares a principal and its role assignments
type PrincipalEntry struct {
	Username   string          `json:"username"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
}

// ResourceEntry declares a resource under a type
type ResourceEntry struct {
	Type       string          `json:"type"`
	ExternalID string          `json:"external_id,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Geometry   any             `json:"geometry,omitempty"`
	SRID       int             `json:"srid,omitempty"`
}

// ACLEntry declares a rule in name form. Principal "anonymous" targets
// unauthenticated access.
type ACLEntry struct {
	ResourceType       string          `json:"resource_type"`
	Action             string          `json:"action"`
	Role               *string         `json:"role,omitempty"`
	Principal          *string         `json:"principal,omitempty"`
	PrincipalID        *int            `json:"principal_id,omitempty"`
	ResourceExternalID *string         `json:"resource_external_id,omitempty"`
	Conditions         json.RawMessage `json:"conditions,omitempty"`
}

// RealmSyncer pulls roles and principals from the identity provider
type RealmSyncer interface {
	SyncRealm(ctx context.Context, realmID int) error
}

// Service applies and exports manifests
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	realms *realm.Service
	syncer RealmSyncer
	logger *logger.Logger
}

// NewService creates a new manifest service. syncer may be nil when no
// identity provider integration is configured.
func NewService(db *database.PostgreSQL, cacheService *cache.Service, realms *realm.Service, syncer RealmSyncer, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, realms: realms, syncer: syncer, logger: logger}
}

// Apply configures a realm from a manifest. The returned report counts what
// each section created, updated, and skipped.
func (s *Service) Apply(ctx context.Context, m Manifest, mode string) (map[string]any, error) {
	start := time.Now()
	if m.Realm == nil || m.Realm.Name == "" {
		return nil, ErrNoRealm
	}
	if mode == "" {
		mode = ModeUpdate
	}
	results := map[string]any{}

	if s.logger != nil {
		s.logger.Infof("Processing manifest: mode=%s, resource_types=%d, actions=%d, roles=%d, principals=%d, resources=%d, acls=%d",
			mode, len(m.ResourceTypes), len(m.Actions), len(m.Roles), len(m.Principals), len(m.Resources), len(m.ACLs))
	}

	realmID, err := s.applyRealm(ctx, m.Realm, mode, results)
	if err != nil {
		return nil, err
	}

	if len(m.ResourceTypes) > 0 {
		if err := s.applyResourceTypes(ctx, realmID, m.ResourceTypes, results); err != nil {
			return nil, err
		}
	}
	if len(m.Actions) > 0 {
		if err := s.applyActions(ctx, realmID, m.Actions, results); err != nil {
			return nil, err
		}
	}
	if len(m.Roles) > 0 {
		if err := s.applyRoles(ctx, realmID, m.Roles, results); err != nil {
			return nil, err
		}
	}
	if len(m.Principals) > 0 {
		if err := s.applyPrincipals(ctx, realmID, m.Principals, results); err != nil {
			return nil, err
		}
	}

	if m.Realm.KeycloakConfig != nil {
		if m.Realm.KeycloakConfig.ClientSecret != nil && s.syncer != nil {
			if err := s.syncer.SyncRealm(ctx, realmID); err != nil {
				if s.logger != nil {
					s.logger.Errorf("Keycloak sync failed: %v", err)
				}
				results["keycloak_sync"] = map[string]any{"error": err.Error()}
			} else {
				results["keycloak_sync"] = "completed"
			}
		} else {
			results["keycloak_sync"] = "skipped"
		}
	}

	if len(m.Resources) > 0 {
		if err := s.applyResources(ctx, realmID, m.Resources, results); err != nil {
			return nil, err
		}
	}
	if len(m.ACLs) > 0 {
		if err := s.applyACLs(ctx, realmID, m.ACLs, results); err != nil {
			return nil, err
		}
	}

	s.realms.InvalidateCache(ctx, realmID)
	results["elapsed_ms"] = time.Since(start).Milliseconds()
	return results, nil
}

func (s *Service) applyRealm(ctx context.Context, section *RealmSection, mode string, results map[string]any) (int, error) {
	if mode == ModeReplace {
		existing, err := s.realms.GetByName(ctx, section.Name)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if _, err := s.realms.Delete(ctx, existing.ID); err != nil {
				return 0, err
			}
			results["realm_deleted"] = true
		}
	}

	existing, err := s.realms.GetByName(ctx, section.Name)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		if mode == ModeCreate {
			if s.logger != nil {
				s.logger.Warnf("Realm %q already exists, skipping creation", section.Name)
			}
			results["realm"] = "skipped"
			return existing.ID, nil
		}
		updated, err := s.realms.Update(ctx, existing.ID, realm.UpdateInput{
			Description:    section.Description,
			KeycloakConfig: section.KeycloakConfig,
		})
		if err != nil {
			return 0, err
		}
		results["realm"] = "updated"
		return updated.ID, nil
	}

	created, err := s.realms.Create(ctx, realm.CreateInput{
		Name:           section.Name,
		Description:    section.Description,
		KeycloakConfig: section.KeycloakConfig,
	})
	if err != nil {
		return 0, err
	}
	results["realm"] = "created"
	return created.ID, nil
}

func (s *Service) applyResourceTypes(ctx context.Context, realmID int, entries []TypeEntry, results map[string]any) error {
	pool := s.db.Pool()

	existing := map[string]int{}
	rows, err := pool.Query(ctx, `SELECT id, name FROM resource_type WHERE realm_id = $1`, realmID)
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

	created, updated := 0, 0
	for _, entry := range entries {
		if id, ok := existing[entry.Name]; ok {
			if _, err := pool.Exec(ctx, `UPDATE resource_type SET is_public = $1 WHERE id = $2`, entry.IsPublic, id); err != nil {
				return err
			}
			updated++
			continue
		}
		var typeID int
		if err := pool.QueryRow(ctx, `
			INSERT INTO resource_type (realm_id, name, is_public) VALUES ($1, $2, $3) RETURNING id`,
			realmID, entry.Name, entry.IsPublic).Scan(&typeID); err != nil {
			return err
		}
		for _, table := range []string{"resource", "acl", "external_ids"} {
			stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_%d_%d PARTITION OF %s_%d FOR VALUES IN (%d)",
				table, realmID, typeID, table, realmID, typeID)
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create partition for type %q: %w", entry.Name, err)
			}
		}
		existing[entry.Name] = typeID
		created++
	}
	results["resource_types"] = map[string]int{"created": created, "updated": updated}
	return nil
}

func (s *Service) applyActions(ctx context.Context, realmID int, entries []ActionEntry, results map[string]any) error {
	pool := s.db.Pool()

	existing := map[string]struct{}{}
	rows, err := pool.Query(ctx, `SELECT name FROM action WHERE realm_id = $1`, realmID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = struct{}{}
	}
	rows.Close()

	created := 0
	for _, entry := range entries {
		if _, ok := existing[entry.Name]; ok {
			continue
		}
		if _, err := pool.Exec(ctx, `INSERT INTO action (realm_id, name) VALUES ($1, $2)`, realmID, entry.Name); err != nil {
			return err
		}
		existing[entry.Name] = struct{}{}
		created++
	}
	results["actions"] = map[string]int{"created": created}
	return nil
}

func (s *Service) applyRoles(ctx context.Context, realmID int, entries []RoleEntry, results map[string]any) error {
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

	created, updated := 0, 0
	for _, entry := range entries {
		if id, ok := existing[entry.Name]; ok {
			if entry.Attributes != nil {
				if _, err := pool.Exec(ctx, `UPDATE auth_role SET attributes = $1 WHERE id = $2`, entry.Attributes, id); err != nil {
					return err
				}
			}
			updated++
			continue
		}
		if _, err := pool.Exec(ctx, `INSERT INTO auth_role (realm_id, name, attributes) VALUES ($1, $2, $3)`,
			realmID, entry.Name, entry.Attributes); err != nil {
			return err
		}
		created++
	}
	results["roles"] = map[string]int{"created": created, "updated": updated}
	return nil
}

func (s *Service) applyPrincipals(ctx context.Context, realmID int, entries []PrincipalEntry, results map[string]any) error {
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

	existing := map[string]struct{}{}
	rows, err = pool.Query(ctx, `SELECT username FROM principal WHERE realm_id = $1`, realmID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			rows.Close()
			return err
		}
		existing[username] = struct{}{}
	}
	rows.Close()

	created := 0
	for _, entry := range entries {
		if _, ok := existing[entry.Username]; ok {
			continue
		}
		attrs := entry.Attributes
		if attrs == nil {
			attrs = json.RawMessage(`{}`)
		}
		var principalID int
		if err := pool.QueryRow(ctx, `
			INSERT INTO principal (realm_id, username, attributes) VALUES ($1, $2, $3) RETURNING id`,
			realmID, entry.Username, attrs).Scan(&principalID); err != nil {
			return err
		}
		for _, roleName := range entry.Roles {
			roleID, ok := roleIDs[roleName]
			if !ok {
				continue
			}
			if _, err := pool.Exec(ctx, `INSERT INTO principal_roles (principal_id, role_id) VALUES ($1, $2)`,
				principalID, roleID); err != nil {
				return err
			}
		}
		existing[entry.Username] = struct{}{}
		created++
	}
	results["principals"] = map[string]int{"created": created}
	return nil
}

func (s *Service) applyResources(ctx context.Context, realmID int, entries []ResourceEntry, results map[string]any) error {
	pool := s.db.Pool()

	typeIDs := map[string]int{}
	rows, err := pool.Query(ctx, `SELECT id, name FROM resource_type WHERE realm_id = $1`, realmID)
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
		typeIDs[name] = id
	}
	rows.Close()

	byType := map[string][]ResourceEntry{}
	for _, entry := range entries {
		byType[entry.Type] = append(byType[entry.Type], entry)
	}

	created, updated, skipped := 0, 0, 0
	for typeName, typeEntries := range byType {
		typeID, ok := typeIDs[typeName]
		if !ok {
			if s.logger != nil {
				s.logger.Warnf("Resource type %q not found, skipping %d resources", typeName, len(typeEntries))
			}
			skipped += len(typeEntries)
			continue
		}

		extMap := map[string]int{}
		rows, err := pool.Query(ctx, `
			SELECT external_id, resource_id FROM external_ids
			WHERE realm_id = $1 AND resource_type_id = $2`, realmID, typeID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var ext string
			var id int
			if err := rows.Scan(&ext, &id); err != nil {
				rows.Close()
				return err
			}
			extMap[ext] = id
		}
		rows.Close()

		var fresh []ResourceEntry
		batch := &pgx.Batch{}
		for _, entry := range typeEntries {
			if entry.ExternalID == "" {
				skipped++
				continue
			}
			if id, ok := extMap[entry.ExternalID]; ok {
				if entry.Attributes != nil {
					batch.Queue(`UPDATE resource SET attributes = $1
						WHERE realm_id = $2 AND resource_type_id = $3 AND id = $4`,
						entry.Attributes, realmID, typeID, id)
				}
				updated++
				continue
			}
			fresh = append(fresh, entry)
		}
		if batch.Len() > 0 {
			if err := pool.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}

		for start := 0; start < len(fresh); start += resourceBatchSize {
			end := start + resourceBatchSize
			if end > len(fresh) {
				end = len(fresh)
			}
			for _, entry := range fresh[start:end] {
				attrs := entry.Attributes
				if attrs == nil {
					attrs = json.RawMessage(`{}`)
				}
				var geomText *string
				if entry.Geometry != nil {
					text, err := geometry.Normalize(entry.Geometry, entry.SRID)
					if err != nil {
						if s.logger != nil {
							s.logger.Errorf("Failed to parse geometry for resource %s: %v", entry.ExternalID, err)
						}
					} else {
						geomText = &text
					}
				}

				var resourceID int
				if geomText != nil {
					err = pool.QueryRow(ctx, `
						INSERT INTO resource (realm_id, resource_type_id, attributes, geometry)
						VALUES ($1, $2, $3, parse_geometry_to_3857($4)) RETURNING id`,
						realmID, typeID, attrs, *geomText).Scan(&resourceID)
				} else {
					err = pool.QueryRow(ctx, `
						INSERT INTO resource (realm_id, resource_type_id, attributes)
						VALUES ($1, $2, $3) RETURNING id`,
						realmID, typeID, attrs).Scan(&resourceID)
				}
				if err != nil {
					return err
				}
				if _, err := pool.Exec(ctx, `
					INSERT INTO external_ids (realm_id, resource_type_id, external_id, resource_id)
					VALUES ($1, $2, $3, $4)`,
					realmID, typeID, entry.ExternalID, resourceID); err != nil {
					return err
				}
				created++
			}
		}
	}

	results["resources"] = map[string]int{"created": created, "updated": updated, "skipped": skipped}
	return nil
}

func (s *Service) applyACLs(ctx context.Context, realmID int, entries []ACLEntry, results map[string]any) error {
	pool := s.db.Pool()

	typeIDs := map[string]int{}
	actionIDs := map[string]int{}
	roleIDs := map[string]int{}
	principalIDs := map[string]int{}
	extMap := map[string]int{}

	load := func(query string, dest map[string]int) error {
		rows, err := pool.Query(ctx, query, realmID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			dest[name] = id
		}
		return rows.Err()
	}
	if err := load(`SELECT id, name FROM resource_type WHERE realm_id = $1`, typeIDs); err != nil {
		return err
	}
	if err := load(`SELECT id, name FROM action WHERE realm_id = $1`, actionIDs); err != nil {
		return err
	}
	if err := load(`SELECT id, name FROM auth_role WHERE realm_id = $1`, roleIDs); err != nil {
		return err
	}
	if err := load(`SELECT id, username FROM principal WHERE realm_id = $1`, principalIDs); err != nil {
		return err
	}
	if err := load(`SELECT resource_id, external_id FROM external_ids WHERE realm_id = $1`, extMap); err != nil {
		return err
	}

	created, skipped := 0, 0
	skipReasons := map[string]int{}

	for _, entry := range entries {
		typeID, ok := typeIDs[entry.ResourceType]
		if !ok {
			skipReasons["resource_type:"+entry.ResourceType]++
			skipped++
			continue
		}
		actionID, ok := actionIDs[entry.Action]
		if !ok {
			skipReasons["action:"+entry.Action]++
			skipped++
			continue
		}

		var roleID, principalID *int
		if entry.Role != nil {
			if id, ok := roleIDs[*entry.Role]; ok {
				roleID = &id
			}
		}
		switch {
		case entry.Principal != nil && *entry.Principal == "anonymous":
			zero := 0
			principalID = &zero
		case entry.Principal != nil:
			if id, ok := principalIDs[*entry.Principal]; ok {
				principalID = &id
			}
		case entry.PrincipalID != nil:
			principalID = entry.PrincipalID
		}

		var resourceID *int
		if entry.ResourceExternalID != nil {
			if id, ok := extMap[*entry.ResourceExternalID]; ok {
				resourceID = &id
			}
		}

		conditions := entry.Conditions
		if string(conditions) == "null" || string(conditions) == `"null"` {
			conditions = nil
		}

		if _, err := pool.Exec(ctx, `
			INSERT INTO acl (realm_id, resource_type_id, action_id, role_id, principal_id, resource_id, conditions)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			realmID, typeID, actionID, roleID, principalID, resourceID, conditions); err != nil {
			results["acls"] = map[string]any{"created": 0, "error": err.Error()}
			return nil
		}
		created++
	}

	results["acls"] = map[string]int{"created": created, "skipped": skipped}
	if len(skipReasons) > 0 && s.logger != nil {
		s.logger.Warnf("ACL entries skipped: %v", skipReasons)
	}
	return nil
}
