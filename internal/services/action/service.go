// Package action manages the verbs a realm's rules can grant.
package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrAlreadyExists is returned when an action name is taken within the realm
var ErrAlreadyExists = errors.New("action with this name already exists in realm")

// Action is a named operation rules can reference
type Action struct {
	ID      int    `json:"id"`
	RealmID int    `json:"realm_id"`
	Name    string `json:"name"`
}

// CreateInput is the payload for creating an action
type CreateInput struct {
	Name string `json:"name"`
}

// UpdateInput is the payload for updating an action. Either ID or Name
// identifies the target in batch updates.
type UpdateInput struct {
	ID      *int    `json:"id,omitempty"`
	Name    *string `json:"name,omitempty"`
	NewName *string `json:"new_name,omitempty"`
}

// Service manages actions
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new action service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates an action
func (s *Service) Create(ctx context.Context, realmID int, input CreateInput) (*Action, error) {
	pool := s.db.Pool()

	var existing int
	if err := pool.QueryRow(ctx, `SELECT id FROM action WHERE realm_id = $1 AND name = $2`,
		realmID, input.Name).Scan(&existing); err == nil {
		return nil, ErrAlreadyExists
	}

	var id int
	err := pool.QueryRow(ctx, `
		INSERT INTO action (realm_id, name) VALUES ($1, $2) RETURNING id`,
		realmID, input.Name).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}

	s.invalidateRealm(ctx, realmID)
	return &Action{ID: id, RealmID: realmID, Name: input.Name}, nil
}

// Get returns an action by id within a realm, or nil
func (s *Service) Get(ctx context.Context, realmID, actionID int) (*Action, error) {
	var a Action
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, name FROM action WHERE realm_id = $1 AND id = $2`,
		realmID, actionID).Scan(&a.ID, &a.RealmID, &a.Name)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// GetByName returns an action by name within a realm, or nil
func (s *Service) GetByName(ctx context.Context, realmID int, name string) (*Action, error) {
	var a Action
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, name FROM action WHERE realm_id = $1 AND name = $2`,
		realmID, name).Scan(&a.ID, &a.RealmID, &a.Name)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// List returns a page of actions for a realm together with the total count
func (s *Service) List(ctx context.Context, realmID, skip, limit int) ([]*Action, int, error) {
	pool := s.db.Pool()

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM action WHERE realm_id = $1`, realmID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := pool.Query(ctx, `
		SELECT id, realm_id, name FROM action
		WHERE realm_id = $1 ORDER BY id OFFSET $2 LIMIT $3`, realmID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.RealmID, &a.Name); err != nil {
			return nil, 0, err
		}
		actions = append(actions, &a)
	}
	return actions, total, rows.Err()
}

// Update modifies an action. Returns nil when it does not exist.
func (s *Service) Update(ctx context.Context, realmID, actionID int, input UpdateInput) (*Action, error) {
	current, err := s.Get(ctx, realmID, actionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	pool := s.db.Pool()
	newName := input.NewName
	if newName == nil {
		newName = input.Name
	}
	if newName != nil {
		if _, err := pool.Exec(ctx, `UPDATE action SET name = $1 WHERE id = $2`, *newName, actionID); err != nil {
			return nil, err
		}
	}

	s.invalidateRealm(ctx, realmID)
	return s.Get(ctx, realmID, actionID)
}

// Delete removes an action and the rules that reference it. Returns false
// when it does not exist.
func (s *Service) Delete(ctx context.Context, realmID, actionID int) (bool, error) {
	current, err := s.Get(ctx, realmID, actionID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	pool := s.db.Pool()
	if _, err := pool.Exec(ctx, `DELETE FROM acl WHERE realm_id = $1 AND action_id = $2`, realmID, actionID); err != nil {
		return false, err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM action WHERE realm_id = $1 AND id = $2`, realmID, actionID); err != nil {
		return false, err
	}

	s.invalidateRealm(ctx, realmID)
	if err := s.cache.InvalidateAllTypeDecisions(ctx, realmID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate type decisions: %v", err)
	}
	return true, nil
}

// BatchCreate creates multiple actions, skipping names that already exist
func (s *Service) BatchCreate(ctx context.Context, realmID int, inputs []CreateInput) ([]*Action, error) {
	var created []*Action
	for _, input := range inputs {
		a, err := s.Create(ctx, realmID, input)
		if err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return created, err
		}
		created = append(created, a)
	}
	return created, nil
}

// BatchUpdate updates multiple actions addressed by id or current name
func (s *Service) BatchUpdate(ctx context.Context, realmID int, inputs []UpdateInput) ([]*Action, error) {
	var updated []*Action
	for _, input := range inputs {
		id := 0
		if input.ID != nil {
			id = *input.ID
		} else if input.Name != nil {
			existing, err := s.GetByName(ctx, realmID, *input.Name)
			if err != nil {
				return updated, err
			}
			if existing == nil {
				continue
			}
			id = existing.ID
		} else {
			continue
		}
		a, err := s.Update(ctx, realmID, id, input)
		if err != nil {
			return updated, err
		}
		if a != nil {
			updated = append(updated, a)
		}
	}
	return updated, nil
}

// BatchDelete deletes multiple actions by id. Returns the number removed.
func (s *Service) BatchDelete(ctx context.Context, realmID int, actionIDs []int) (int, error) {
	deleted := 0
	for _, id := range actionIDs {
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
