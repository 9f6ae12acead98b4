// Package principal manages the identities decisions are made for.
package principal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrAlreadyExists is returned when a username is taken within the realm
var ErrAlreadyExists = errors.New("principal with this username already exists in realm")

// Principal is an identity within a realm
type Principal struct {
	ID         int             `json:"id"`
	RealmID    int             `json:"realm_id"`
	Username   string          `json:"username"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
}

// CreateInput is the payload for creating a principal
type CreateInput struct {
	Username   string          `json:"username"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
}

// UpdateInput is the payload for updating a principal. A non-nil Roles
// replaces the full assignment set.
type UpdateInput struct {
	Username   *string         `json:"username,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
}

// Service manages principals
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new principal service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates a principal and assigns its roles. Every role name must
// already exist in the realm or the whole create is rolled back.
func (s *Service) Create(ctx context.Context, realmID int, input CreateInput) (*Principal, error) {
	pool := s.db.Pool()

	var existing int
	if err := pool.QueryRow(ctx, `SELECT id FROM principal WHERE realm_id = $1 AND username = $2`,
		realmID, input.Username).Scan(&existing); err == nil {
		return nil, ErrAlreadyExists
	}

	attrs := input.Attributes
	if attrs == nil {
		attrs = json.RawMessage(`{}`)
	}

	var id int
	err := pool.QueryRow(ctx, `
		INSERT INTO principal (realm_id, username, attributes)
		VALUES ($1, $2, $3) RETURNING id`,
		realmID, input.Username, attrs).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}

	if len(input.Roles) > 0 {
		if err := s.assignRoles(ctx, realmID, id, input.Roles); err != nil {
			if _, delErr := pool.Exec(ctx, `DELETE FROM principal WHERE id = $1`, id); delErr != nil && s.logger != nil {
				s.logger.Errorf("Failed to clean up principal %d after role error: %v", id, delErr)
			}
			return nil, err
		}
	}

	return s.Get(ctx, realmID, id)
}

// assignRoles inserts assignments for the named roles, failing when any name
// is unknown to the realm.
func (s *Service) assignRoles(ctx context.Context, realmID, principalID int, roleNames []string) error {
	pool := s.db.Pool()

	rows, err := pool.Query(ctx, `SELECT id, name FROM auth_role WHERE realm_id = $1 AND name = ANY($2)`,
		realmID, roleNames)
	if err != nil {
		return err
	}
	found := make(map[string]int, len(roleNames))
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		found[name] = id
	}
	rows.Close()

	var missing []string
	for _, name := range roleNames {
		if _, ok := found[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("roles not found: %s", strings.Join(missing, ", "))
	}

	for _, name := range roleNames {
		if _, err := pool.Exec(ctx, `INSERT INTO principal_roles (principal_id, role_id) VALUES ($1, $2)`,
			principalID, found[name]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a principal by id within a realm, or nil
func (s *Service) Get(ctx context.Context, realmID, principalID int) (*Principal, error) {
	var p Principal
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, username, attributes
		FROM principal WHERE realm_id = $1 AND id = $2`, realmID, principalID).
		Scan(&p.ID, &p.RealmID, &p.Username, &p.Attributes)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadRoles(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByUsername returns a principal by username within a realm, or nil
func (s *Service) GetByUsername(ctx context.Context, realmID int, username string) (*Principal, error) {
	var p Principal
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, username, attributes
		FROM principal WHERE realm_id = $1 AND username = $2`, realmID, username).
		Scan(&p.ID, &p.RealmID, &p.Username, &p.Attributes)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadRoles(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) loadRoles(ctx context.Context, p *Principal) error {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT r.name FROM auth_role r
		JOIN principal_roles pr ON pr.role_id = r.id
		WHERE pr.principal_id = $1 ORDER BY r.name`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		p.Roles = append(p.Roles, name)
	}
	return rows.Err()
}

// List returns a page of principals for a realm together with the total
// count.
func (s *Service) List(ctx context.Context, realmID, skip, limit int) ([]*Principal, int, error) {
	pool := s.db.Pool()

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM principal WHERE realm_id = $1`, realmID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT id, realm_id, username, attributes
		FROM principal WHERE realm_id = $1 ORDER BY id OFFSET $2 LIMIT $3`,
		realmID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.ID, &p.RealmID, &p.Username, &p.Attributes); err != nil {
			return nil, 0, err
		}
		principals = append(principals, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, p := range principals {
		if err := s.loadRoles(ctx, p); err != nil {
			return nil, 0, err
		}
	}
	return principals, total, nil
}

// Update modifies a principal. A non-nil Roles replaces all assignments.
// Returns nil when the principal does not exist.
func (s *Service) Update(ctx context.Context, realmID, principalID int, input UpdateInput) (*Principal, error) {
	current, err := s.Get(ctx, realmID, principalID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	pool := s.db.Pool()
	if input.Username != nil {
		if _, err := pool.Exec(ctx, `UPDATE principal SET username = $1 WHERE id = $2`, *input.Username, principalID); err != nil {
			return nil, err
		}
	}
	if input.Attributes != nil {
		if _, err := pool.Exec(ctx, `UPDATE principal SET attributes = $1 WHERE id = $2`, input.Attributes, principalID); err != nil {
			return nil, err
		}
	}
	if input.Roles != nil {
		if _, err := pool.Exec(ctx, `DELETE FROM principal_roles WHERE principal_id = $1`, principalID); err != nil {
			return nil, err
		}
		if len(input.Roles) > 0 {
			if err := s.assignRoles(ctx, realmID, principalID, input.Roles); err != nil {
				return nil, err
			}
		}
	}

	s.invalidate(ctx, realmID, principalID, current.Username)
	return s.Get(ctx, realmID, principalID)
}

// Delete removes a principal, its assignments, and its direct rules.
// Returns false when it does not exist.
func (s *Service) Delete(ctx context.Context, realmID, principalID int) (bool, error) {
	current, err := s.Get(ctx, realmID, principalID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	pool := s.db.Pool()
	if _, err := pool.Exec(ctx, `DELETE FROM principal_roles WHERE principal_id = $1`, principalID); err != nil {
		return false, err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM acl WHERE realm_id = $1 AND principal_id = $2`, realmID, principalID); err != nil {
		return false, err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM principal WHERE realm_id = $1 AND id = $2`, realmID, principalID); err != nil {
		return false, err
	}

	s.invalidate(ctx, realmID, principalID, current.Username)
	return true, nil
}

// BatchCreate creates multiple principals, skipping usernames that already
// exist.
func (s *Service) BatchCreate(ctx context.Context, realmID int, inputs []CreateInput) ([]*Principal, error) {
	var created []*Principal
	for _, input := range inputs {
		p, err := s.Create(ctx, realmID, input)
		if err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return created, err
		}
		created = append(created, p)
	}
	return created, nil
}

// BatchDelete deletes multiple principals by id. Returns the number removed.
func (s *Service) BatchDelete(ctx context.Context, realmID int, principalIDs []int) (int, error) {
	deleted := 0
	for _, id := range principalIDs {
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

func (s *Service) invalidate(ctx context.Context, realmID, principalID int, username string) {
	if err := s.cache.InvalidatePrincipal(ctx, principalID, realmID, username); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate principal cache: %v", err)
	}
	if err := s.cache.InvalidatePrincipalRoles(ctx, principalID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate principal roles: %v", err)
	}
	if err := s.cache.InvalidateTypeDecisionsForPrincipal(ctx, realmID, principalID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate type decisions: %v", err)
	}
}
