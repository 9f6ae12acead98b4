// Package acl manages authorization rules.
//
// A rule grants one action on a resource type to either a principal or a
// role, optionally narrowed to a single resource and a condition tree. The
// database trigger compiles conditions to SQL on write; this service only
// validates them up front so a bad tree fails the request instead of the
// trigger.
package acl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/internal/conditions"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrResourceNotFound is returned when an external resource id resolves to
// nothing.
var ErrResourceNotFound = errors.New("resource not found for external id")

// ErrInvalidSubject is returned when a rule names both or neither of
// principal and role.
var ErrInvalidSubject = errors.New("exactly one of principal_id and role_id must be set")

// Rule is an authorization rule. PrincipalID and RoleID use zero for
// "unset"; exactly one is set.
type Rule struct {
	ID             int             `json:"id"`
	RealmID        int             `json:"realm_id"`
	ResourceTypeID int             `json:"resource_type_id"`
	ActionID       int             `json:"action_id"`
	PrincipalID    int             `json:"principal_id"`
	RoleID         int             `json:"role_id"`
	ResourceID     *int            `json:"resource_id,omitempty"`
	Conditions     json.RawMessage `json:"conditions,omitempty"`
	CompiledSQL    *string         `json:"compiled_sql,omitempty"`
}

// CreateInput is the payload for creating a rule. ExternalResourceID, when
// set, is resolved to the internal resource id.
type CreateInput struct {
	ResourceTypeID     int             `json:"resource_type_id"`
	ActionID           int             `json:"action_id"`
	PrincipalID        int             `json:"principal_id,omitempty"`
	RoleID             int             `json:"role_id,omitempty"`
	ResourceID         *int            `json:"resource_id,omitempty"`
	ExternalResourceID *string         `json:"resource_external_id,omitempty"`
	Conditions         json.RawMessage `json:"conditions,omitempty"`
}

// ListFilter narrows a rule listing
type ListFilter struct {
	ResourceTypeID *int    `json:"resource_type_id,omitempty"`
	ActionID       *int    `json:"action_id,omitempty"`
	PrincipalID    *int    `json:"principal_id,omitempty"`
	RoleID         *int    `json:"role_id,omitempty"`
	ResourceID     *int    `json:"resource_id,omitempty"`
	ExternalID     *string `json:"external_resource_id,omitempty"`
	Skip           int     `json:"skip,omitempty"`
	Limit          int     `json:"limit,omitempty"`
}

// Service manages rules
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new acl service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates a rule. An existing rule with the same subject, action,
// type, and resource has only its conditions replaced.
func (s *Service) Create(ctx context.Context, realmID int, input CreateInput) (*Rule, error) {
	if (input.PrincipalID == 0) == (input.RoleID == 0) {
		return nil, ErrInvalidSubject
	}
	if input.Conditions != nil {
		if err := conditions.Validate(input.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions: %w", err)
		}
	}

	resourceID := input.ResourceID
	if input.ExternalResourceID != nil {
		id, err := s.resolveExternalID(ctx, realmID, input.ResourceTypeID, *input.ExternalResourceID)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, *input.ExternalResourceID)
		}
		resourceID = &id
	}

	pool := s.db.Pool()

	// Same six-column identity as idx_acl_unique_rule
	var existingID int
	err := pool.QueryRow(ctx, `
		SELECT id FROM acl
		WHERE realm_id = $1 AND resource_type_id = $2 AND action_id = $3
		  AND principal_id = $4 AND role_id = $5
		  AND resource_id IS NOT DISTINCT FROM $6`,
		realmID, input.ResourceTypeID, input.ActionID, input.PrincipalID, input.RoleID, resourceID).Scan(&existingID)
	if err == nil {
		if _, err := pool.Exec(ctx, `
			UPDATE acl SET conditions = $1 WHERE realm_id = $2 AND resource_type_id = $3 AND id = $4`,
			input.Conditions, realmID, input.ResourceTypeID, existingID); err != nil {
			return nil, err
		}
		s.invalidateDecisions(ctx, realmID, input.PrincipalID)
		return s.Get(ctx, realmID, input.ResourceTypeID, existingID)
	}
	if !database.IsNoRows(err) {
		return nil, err
	}

	var id int
	err = pool.QueryRow(ctx, `
		INSERT INTO acl (realm_id, resource_type_id, action_id, principal_id, role_id, resource_id, conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		realmID, input.ResourceTypeID, input.ActionID, input.PrincipalID, input.RoleID, resourceID, input.Conditions).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.invalidateDecisions(ctx, realmID, input.PrincipalID)
	return s.Get(ctx, realmID, input.ResourceTypeID, id)
}

func (s *Service) resolveExternalID(ctx context.Context, realmID, typeID int, externalID string) (int, error) {
	if id, found := s.cache.GetExternalIDMapping(ctx, realmID, typeID, externalID); found {
		return id, nil
	}
	var id int
	err := s.db.Pool().QueryRow(ctx, `
		SELECT resource_id FROM external_ids
		WHERE realm_id = $1 AND resource_type_id = $2 AND external_id = $3`,
		realmID, typeID, externalID).Scan(&id)
	if err != nil {
		if database.IsNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	return id, nil
}

// Get returns a rule by id, or nil
func (s *Service) Get(ctx context.Context, realmID, typeID, ruleID int) (*Rule, error) {
	var r Rule
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, resource_type_id, action_id, COALESCE(principal_id, 0), COALESCE(role_id, 0), resource_id, conditions, compiled_sql
		FROM acl WHERE realm_id = $1 AND resource_type_id = $2 AND id = $3`,
		realmID, typeID, ruleID).
		Scan(&r.ID, &r.RealmID, &r.ResourceTypeID, &r.ActionID, &r.PrincipalID, &r.RoleID,
			&r.ResourceID, &r.Conditions, &r.CompiledSQL)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetByID returns a rule by realm and id alone. Rule ids come from a single
// sequence, so the pair is unique even though the type is part of the key.
func (s *Service) GetByID(ctx context.Context, realmID, ruleID int) (*Rule, error) {
	var r Rule
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, realm_id, resource_type_id, action_id, COALESCE(principal_id, 0), COALESCE(role_id, 0), resource_id, conditions, compiled_sql
		FROM acl WHERE realm_id = $1 AND id = $2`,
		realmID, ruleID).
		Scan(&r.ID, &r.RealmID, &r.ResourceTypeID, &r.ActionID, &r.PrincipalID, &r.RoleID,
			&r.ResourceID, &r.Conditions, &r.CompiledSQL)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// List returns a filtered page of rules together with the total count
func (s *Service) List(ctx context.Context, realmID int, filter ListFilter) ([]*Rule, int, error) {
	where := []string{"realm_id = $1"}
	args := []interface{}{realmID}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ResourceTypeID != nil {
		add("resource_type_id = $%d", *filter.ResourceTypeID)
	}
	if filter.ActionID != nil {
		add("action_id = $%d", *filter.ActionID)
	}
	if filter.PrincipalID != nil {
		add("principal_id = $%d", *filter.PrincipalID)
	}
	if filter.RoleID != nil {
		add("role_id = $%d", *filter.RoleID)
	}
	if filter.ResourceID != nil {
		add("resource_id = $%d", *filter.ResourceID)
	}
	if filter.ExternalID != nil {
		if filter.ResourceTypeID == nil {
			return nil, 0, errors.New("external_resource_id filter requires resource_type_id")
		}
		id, err := s.resolveExternalID(ctx, realmID, *filter.ResourceTypeID, *filter.ExternalID)
		if err != nil {
			return nil, 0, err
		}
		if id == 0 {
			return nil, 0, nil
		}
		add("resource_id = $%d", id)
	}

	whereClause := strings.Join(where, " AND ")
	pool := s.db.Pool()

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM acl WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, filter.Skip)
	skipArg := len(args)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, realm_id, resource_type_id, action_id, COALESCE(principal_id, 0), COALESCE(role_id, 0), resource_id, conditions, compiled_sql
		FROM acl WHERE %s ORDER BY id OFFSET $%d LIMIT $%d`, whereClause, skipArg, len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.RealmID, &r.ResourceTypeID, &r.ActionID, &r.PrincipalID, &r.RoleID,
			&r.ResourceID, &r.Conditions, &r.CompiledSQL); err != nil {
			return nil, 0, err
		}
		rules = append(rules, &r)
	}
	return rules, total, rows.Err()
}

// Update replaces a rule's conditions. The subject, action, type, and
// resource of a rule are its identity and cannot change. Returns nil when
// the rule does not exist.
func (s *Service) Update(ctx context.Context, realmID, typeID, ruleID int, newConditions json.RawMessage) (*Rule, error) {
	current, err := s.Get(ctx, realmID, typeID, ruleID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	if newConditions != nil {
		if err := conditions.Validate(newConditions); err != nil {
			return nil, fmt.Errorf("invalid conditions: %w", err)
		}
	}

	if _, err := s.db.Pool().Exec(ctx, `
		UPDATE acl SET conditions = $1 WHERE realm_id = $2 AND resource_type_id = $3 AND id = $4`,
		newConditions, realmID, typeID, ruleID); err != nil {
		return nil, err
	}

	s.invalidateDecisions(ctx, realmID, current.PrincipalID)
	return s.Get(ctx, realmID, typeID, ruleID)
}

// Delete removes a rule. Returns false when it does not exist.
func (s *Service) Delete(ctx context.Context, realmID, typeID, ruleID int) (bool, error) {
	current, err := s.Get(ctx, realmID, typeID, ruleID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	if _, err := s.db.Pool().Exec(ctx, `
		DELETE FROM acl WHERE realm_id = $1 AND resource_type_id = $2 AND id = $3`,
		realmID, typeID, ruleID); err != nil {
		return false, err
	}

	s.invalidateDecisions(ctx, realmID, current.PrincipalID)
	return true, nil
}

// BatchCreate creates multiple rules, skipping entries whose external
// resource id resolves to nothing. Returns the created rules and the
// external ids that were skipped.
func (s *Service) BatchCreate(ctx context.Context, realmID int, inputs []CreateInput) ([]*Rule, []string, error) {
	var created []*Rule
	var skipped []string
	for _, input := range inputs {
		r, err := s.Create(ctx, realmID, input)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) && input.ExternalResourceID != nil {
				skipped = append(skipped, *input.ExternalResourceID)
				continue
			}
			return created, skipped, err
		}
		created = append(created, r)
	}
	return created, skipped, nil
}

// BatchDelete deletes multiple rules by (type, id) pairs. Returns the
// number removed.
func (s *Service) BatchDelete(ctx context.Context, realmID int, refs map[int][]int) (int, error) {
	deleted := 0
	for typeID, ids := range refs {
		for _, id := range ids {
			ok, err := s.Delete(ctx, realmID, typeID, id)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
		}
	}
	return deleted, nil
}

// invalidateDecisions drops the cached type-level decisions a rule change
// can affect. Role rules reach every principal, so the whole realm's
// decisions go.
func (s *Service) invalidateDecisions(ctx context.Context, realmID, principalID int) {
	var err error
	if principalID != 0 {
		err = s.cache.InvalidateTypeDecisionsForPrincipal(ctx, realmID, principalID)
	} else {
		err = s.cache.InvalidateAllTypeDecisions(ctx, realmID)
	}
	if err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate type decisions: %v", err)
	}
}
