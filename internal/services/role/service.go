// Package role manages the named role groups rules can grant through.
package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrAlreadyExists is returned when a role name is taken within the realm
var ErrAlreadyExists = errors.New("role with this name already exists in realm")

// Role is a named group principals can hold
type Role struct {
	ID         int             `json:"id"`
	RealmID    int             `json:"realm_id"`
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// CreateInput is the payload for creating a role
type CreateInput struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// UpdateInput is the payload for updating a role
type UpdateInput struct {
	Name       *string         `json:"name,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Service manages roles
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new role service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates a role
func (s *Service) Create(ctx context.Context, realmID int, input CreateInput) (*Role, error) {
	pool := s.db.Pool()

	var existing int
	if err := pool.QueryRow(ctx, `SELECT id FROM auth_role WHERE realm_id = $1 AND name = $2`,
		realmID, input.Name).Scan(&existing); err == nil {
		return nil, ErrAlreadyExists
	}

	var id int
	err := pool.QueryRow(ctx, `
		INSERT INTO auth_role (realm_id, name, attributes) VALUES ($1, $2, $3) RETURNING id`,
		realmID, input.Name, input.Attributes).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	s.invalidateRealm(ctx, realmID)
	return &Role{ID: id, RealmID: realmID, Name: input.Name, Attributes: input.Attributes}, nil
}

// Get returns a role by id within a realm, or nil
func (s *Service) Get(ctx context.Context, realmID, roleID int) (*Role, error) {
	var r Role
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, name, attributes FROM auth_role WHERE realm_id = $1 AND id = $2`,
		realmID, roleID).Scan(&r.ID, &r.RealmID, &r.Name, &r.Attributes)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetByName returns a role by name within a realm, or nil
func (s *Service) GetByName(ctx context.Context, realmID int, name string) (*Role, error) {
	var r Role
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, name, attributes FROM auth_role WHERE realm_id = $1 AND name = $2`,
		realmID, name).Scan(&r.ID, &r.RealmID, &r.Name, &r.Attributes)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// List returns a page of roles for a realm together with the total count
func (s *Service) List(ctx context.Context, realmID, skip, limit int) ([]*Role, int, error) {
	pool := s.db.Pool()

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM auth_role WHERE realm_id = $1`, realmID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT id, realm_id, name, attributes FROM auth_role
		WHERE realm_id = $1 ORDER BY id OFFSET $2 LIMIT $3`, realmID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.RealmID, &r.Name, &r.Attributes); err != nil {
			return nil, 0, err
		}
		roles = append(roles, &r)
	}
	return roles, total, rows.Err()
}

// Update modifies a role. Returns nil when it does not exist.
func (s *Service) Update(ctx context.Context, realmID, roleID int, input UpdateInput) (*Role, error) {
	current, err := s.Get(ctx, realmID, roleID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	pool := s.db.Pool()
	if input.Name != nil {
		if _, err := pool.Exec(ctx, `UPDATE auth_role SET name = $1 WHERE id = $2`, *input.Name, roleID); err != nil {
			return nil, err
		}
	}
	if input.Attributes != nil {
		if _, err := pool.Exec(ctx, `UPDATE auth_role SET attributes = $1 WHERE id = $2`, input.Attributes, roleID); err != nil {
			return nil, err
		}
	}

	s.invalidateRealm(ctx, realmID)
	return s.Get(ctx, realmID, roleID)
}

// Delete removes a role, its assignments, and the rules that grant through
// it. Returns false when the role does not exist.
func (s *Service) Delete(ctx context.Context, realmID, roleID int) (bool, error) {
	current, err := s.Get(ctx, realmID, roleID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	pool := s.db.Pool()

	// Remember who held the role before the assignments go away, so their
	// cached role sets can be dropped afterwards.
	rows, err := pool.Query(ctx, `SELECT principal_id FROM principal_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return false, err
	}
	var affected []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, err
		}
		affected = append(affected, id)
	}
	rows.Close()

	if _, err := pool.Exec(ctx, `DELETE FROM principal_roles WHERE role_id = $1`, roleID); err != nil {
		return false, err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM acl WHERE realm_id = $1 AND role_id = $2`, realmID, roleID); err != nil {
		return false, err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM auth_role WHERE realm_id = $1 AND id = $2`, realmID, roleID); err != nil {
		return false, err
	}

	s.invalidateRealm(ctx, realmID)
	for _, principalID := range affected {
		if err := s.cache.InvalidatePrincipalRoles(ctx, principalID); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate roles for principal %d: %v", principalID, err)
		}
		if err := s.cache.InvalidateTypeDecisionsForPrincipal(ctx, realmID, principalID); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate type decisions for principal %d: %v", principalID, err)
		}
	}
	return true, nil
}

// BatchCreate creates multiple roles, skipping names that already exist
func (s *Service) BatchCreate(ctx context.Context, realmID int, inputs []CreateInput) ([]*Role, error) {
	var created []*Role
	for _, input := range inputs {
		r, err := s.Create(ctx, realmID, input)
		if err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return created, err
		}
		created = append(created, r)
	}
	return created, nil
}

// BatchDelete deletes multiple roles by id. Returns the number removed.
func (s *Service) BatchDelete(ctx context.Context, realmID int, roleIDs []int) (int, error) {
	deleted := 0
	for _, id := range roleIDs {
		ok, err := s.Delete(ctx, realmID, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Service) invalidateRealm(ctx context.Context, realmID int) {
	var name string
	if err := s.db.Pool().QueryRow(ctx, `SELECT name FROM realm WHERE id = $1`, realmID).Scan(&name); err != nil {
		return
	}
	if err := s.cache.InvalidateRealm(ctx, name); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate realm cache: %v", err)
	}
}
