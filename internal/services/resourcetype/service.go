// Package resourcetype manages the resource categories of a realm and the
// leaf partitions that back them.
package resourcetype

import (
	"context"
	"errors"
	"fmt"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrAlreadyExists is returned when a type name is taken within the realm
var ErrAlreadyExists = errors.New("resource type with this name already exists in realm")

// ResourceType is a category of resources within a realm
type ResourceType struct {
	ID       int    `json:"id"`
	RealmID  int    `json:"realm_id"`
	Name     string `json:"name"`
	IsPublic bool   `json:"is_public"`
}

// CreateInput is the payload for creating a resource type
type CreateInput struct {
	Name     string `json:"name"`
	IsPublic *bool  `json:"is_public,omitempty"`
}

// UpdateInput is the payload for updating a resource type
type UpdateInput struct {
	Name     *string `json:"name,omitempty"`
	IsPublic *bool   `json:"is_public,omitempty"`
}

// Service manages resource types
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new resource type service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates a resource type and its leaf partitions
func (s *Service) Create(ctx context.Context, realmID int, input CreateInput) (*ResourceType, error) {
	pool := s.db.Pool()

	var existing int
	if err := pool.QueryRow(ctx, `SELECT id FROM resource_type WHERE realm_id = $1 AND name = $2`,
		realmID, input.Name).Scan(&existing); err == nil {
		return nil, ErrAlreadyExists
	}

	isPublic := false
	if input.IsPublic != nil {
		isPublic = *input.IsPublic
	}

	var typeID int
	err := pool.QueryRow(ctx, `
		INSERT INTO resource_type (realm_id, name, is_public)
		VALUES ($1, $2, $3) RETURNING id`,
		realmID, input.Name, isPublic).Scan(&typeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource type: %w", err)
	}

	if err := s.createPartitions(ctx, realmID, typeID); err != nil {
		// Roll the row back so a retry does not hit the name check
		if _, delErr := pool.Exec(ctx, `DELETE FROM resource_type WHERE id = $1`, typeID); delErr != nil && s.logger != nil {
			s.logger.Errorf("Failed to clean up resource type %d after partition error: %v", typeID, delErr)
		}
		return nil, fmt.Errorf("failed to create partitions for resource type %d: %w", typeID, err)
	}

	s.invalidateRealm(ctx, realmID)
	return &ResourceType{ID: typeID, RealmID: realmID, Name: input.Name, IsPublic: isPublic}, nil
}

func (s *Service) createPartitions(ctx context.Context, realmID, typeID int) error {
	pool := s.db.Pool()
	for _, table := range []string{"resource", "acl", "external_ids"} {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_%d_%d PARTITION OF %s_%d FOR VALUES IN (%d)",
			table, realmID, typeID, table, realmID, typeID)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DropPartitions removes the leaf partitions for a type. Errors are logged
// rather than returned; a missing partition must not block a delete.
func (s *Service) DropPartitions(ctx context.Context, realmID, typeID int) {
	pool := s.db.Pool()
	for _, table := range []string{"resource", "acl", "external_ids"} {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s_%d_%d CASCADE", table, realmID, typeID)
		if _, err := pool.Exec(ctx, stmt); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to drop partition %s_%d_%d: %v", table, realmID, typeID, err)
		}
	}
}

// Get returns a resource type by id within a realm, or nil
func (s *Service) Get(ctx context.Context, realmID, typeID int) (*ResourceType, error) {
	var rt ResourceType
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, name, is_public
		FROM resource_type WHERE realm_id = $1 AND id = $2`, realmID, typeID).
		Scan(&rt.ID, &rt.RealmID, &rt.Name, &rt.IsPublic)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rt, nil
}

// GetByName returns a resource type by name within a realm, or nil
func (s *Service) GetByName(ctx context.Context, realmID int, name string) (*ResourceType, error) {
	var rt ResourceType
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, name, is_public
		FROM resource_type WHERE realm_id = $1 AND name = $2`, realmID, name).
		Scan(&rt.ID, &rt.RealmID, &rt.Name, &rt.IsPublic)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rt, nil
}

// List returns a page of resource types for a realm together with the total
// count.
func (s *Service) List(ctx context.Context, realmID, skip, limit int) ([]*ResourceType, int, error) {
	pool := s.db.Pool()

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM resource_type WHERE realm_id = $1`, realmID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT id, realm_id, name, is_public
		FROM resource_type WHERE realm_id = $1 ORDER BY id OFFSET $2 LIMIT $3`,
		realmID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var types []*ResourceType
	for rows.Next() {
		var rt ResourceType
		if err := rows.Scan(&rt.ID, &rt.RealmID, &rt.Name, &rt.IsPublic); err != nil {
			return nil, 0, err
		}
		types = append(types, &rt)
	}
	return types, total, rows.Err()
}

// Update modifies a resource type. Returns nil when it does not exist.
func (s *Service) Update(ctx context.Context, realmID, typeID int, input UpdateInput) (*ResourceType, error) {
	current, err := s.Get(ctx, realmID, typeID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	pool := s.db.Pool()
	if input.Name != nil {
		if _, err := pool.Exec(ctx, `UPDATE resource_type SET name = $1 WHERE id = $2`, *input.Name, typeID); err != nil {
			return nil, err
		}
	}
	if input.IsPublic != nil {
		if _, err := pool.Exec(ctx, `UPDATE resource_type SET is_public = $1 WHERE id = $2`, *input.IsPublic, typeID); err != nil {
			return nil, err
		}
		// Public visibility short-circuits decisions, so cached ones are stale
		if err := s.cache.InvalidateTypeDecisionsForType(ctx, realmID, typeID); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate type decisions: %v", err)
		}
	}

	s.invalidateRealm(ctx, realmID)
	return s.Get(ctx, realmID, typeID)
}

// Delete removes a resource type, its rows, and its partitions. Returns
// false when it does not exist.
func (s *Service) Delete(ctx context.Context, realmID, typeID int) (bool, error) {
	current, err := s.Get(ctx, realmID, typeID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	s.DropPartitions(ctx, realmID, typeID)

	pool := s.db.Pool()
	cascade := []string{
		`DELETE FROM external_ids WHERE realm_id = $1 AND resource_type_id = $2`,
		`DELETE FROM acl WHERE realm_id = $1 AND resource_type_id = $2`,
		`DELETE FROM resource WHERE realm_id = $1 AND resource_type_id = $2`,
		`DELETE FROM resource_type WHERE realm_id = $1 AND id = $2`,
	}
	for _, stmt := range cascade {
		if _, err := pool.Exec(ctx, stmt, realmID, typeID); err != nil {
			return false, fmt.Errorf("failed to delete resource type %d: %w", typeID, err)
		}
	}

	if err := s.cache.InvalidateExternalIDsForType(ctx, realmID, typeID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate external id cache: %v", err)
	}
	if err := s.cache.InvalidateTypeDecisionsForType(ctx, realmID, typeID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate type decisions: %v", err)
	}
	s.invalidateRealm(ctx, realmID)
	return true, nil
}

// BatchCreate creates multiple resource types, skipping names that already
// exist. Returns the created types.
func (s *Service) BatchCreate(ctx context.Context, realmID int, inputs []CreateInput) ([]*ResourceType, error) {
	var created []*ResourceType
	for _, input := range inputs {
		rt, err := s.Create(ctx, realmID, input)
		if err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return created, err
		}
		created = append(created, rt)
	}
	return created, nil
}

// BatchDelete deletes multiple resource types by id. Returns the number
// removed.
func (s *Service) BatchDelete(ctx context.Context, realmID int, typeIDs []int) (int, error) {
	deleted := 0
	for _, id := range typeIDs {
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
