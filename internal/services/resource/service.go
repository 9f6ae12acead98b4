// Package resource manages protected objects and their external id mappings.
//
// Callers address resources by external id; the integer primary key stays an
// internal detail. Geometry arrives as GeoJSON, WKT, EWKT, or a coordinate
// pair and is reprojected to the storage SRID inside the database.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/internal/geometry"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrExternalIDTaken is returned when an external id already maps to a
// different resource.
var ErrExternalIDTaken = errors.New("external id already assigned to another resource")

// Resource is a protected object
type Resource struct {
	ID             int             `json:"id"`
	RealmID        int             `json:"realm_id"`
	ResourceTypeID int             `json:"resource_type_id"`
	ExternalID     *string         `json:"external_id,omitempty"`
	Attributes     json.RawMessage `json:"attributes"`
	Geometry       *string         `json:"geometry,omitempty"`
}

// CreateInput is the payload for creating a resource. When ExternalID
// already maps to a resource of this type the create becomes an update.
type CreateInput struct {
	ExternalID *string         `json:"external_id,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Geometry   any             `json:"geometry,omitempty"`
	SRID       int             `json:"srid,omitempty"`
}

// UpdateInput is the payload for updating a resource. Attributes are merged
// key by key rather than replaced. ClearExternalID removes the mapping;
// ExternalID adds or moves it.
type UpdateInput struct {
	ExternalID      *string         `json:"external_id,omitempty"`
	ClearExternalID bool            `json:"clear_external_id,omitempty"`
	Attributes      json.RawMessage `json:"attributes,omitempty"`
	Geometry        any             `json:"geometry,omitempty"`
	SRID            int             `json:"srid,omitempty"`
}

// SearchInput narrows a resource listing
type SearchInput struct {
	ResourceTypeID *int              `json:"resource_type_id,omitempty"`
	ExternalID     *string           `json:"external_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Skip           int               `json:"skip,omitempty"`
	Limit          int               `json:"limit,omitempty"`
}

// Service manages resources
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	logger *logger.Logger
}

// NewService creates a new resource service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, logger: logger}
}

// Create creates a resource, or updates the existing one when the external
// id is already mapped.
func (s *Service) Create(ctx context.Context, realmID, typeID int, input CreateInput) (*Resource, error) {
	if input.ExternalID != nil {
		existingID, err := s.resolveExternalID(ctx, realmID, typeID, *input.ExternalID)
		if err != nil {
			return nil, err
		}
		if existingID != 0 {
			return s.Update(ctx, realmID, typeID, existingID, UpdateInput{
				Attributes: input.Attributes,
				Geometry:   input.Geometry,
				SRID:       input.SRID,
			})
		}
	}

	attrs := input.Attributes
	if attrs == nil {
		attrs = json.RawMessage(`{}`)
	}
	geomText, err := normalizeGeometry(input.Geometry, input.SRID)
	if err != nil {
		return nil, err
	}

	pool := s.db.Pool()
	var id int
	if geomText != nil {
		err = pool.QueryRow(ctx, `
			INSERT INTO resource (realm_id, resource_type_id, attributes, geometry)
			VALUES ($1, $2, $3, parse_geometry_to_3857($4)) RETURNING id`,
			realmID, typeID, attrs, *geomText).Scan(&id)
	} else {
		err = pool.QueryRow(ctx, `
			INSERT INTO resource (realm_id, resource_type_id, attributes)
			VALUES ($1, $2, $3) RETURNING id`,
			realmID, typeID, attrs).Scan(&id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if input.ExternalID != nil {
		if err := s.attachExternalID(ctx, realmID, typeID, id, *input.ExternalID); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, realmID, typeID, id)
}

func (s *Service) attachExternalID(ctx context.Context, realmID, typeID, resourceID int, externalID string) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO external_ids (resource_id, realm_id, resource_type_id, external_id)
		VALUES ($1, $2, $3, $4)`, resourceID, realmID, typeID, externalID)
	if err != nil {
		return fmt.Errorf("failed to map external id %q: %w", externalID, err)
	}
	// A negative lookup may be cached from before the mapping existed
	if err := s.cache.InvalidateExternalID(ctx, realmID, typeID, externalID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate external id cache: %v", err)
	}
	return nil
}

// resolveExternalID returns the resource id behind an external id, or 0.
// Cache first, then the database.
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
	if err := s.cache.SetExternalIDMappingsBatch(ctx, realmID, typeID, map[string]int{externalID: id}); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to cache external id mapping: %v", err)
	}
	return id, nil
}

// Get returns a resource by id, or nil
func (s *Service) Get(ctx context.Context, realmID, typeID, resourceID int) (*Resource, error) {
	var r Resource
	err := s.db.Pool().QueryRow(ctx, `
		SELECT r.id, r.realm_id, r.resource_type_id, r.attributes, ST_AsEWKT(r.geometry),
		       (SELECT e.external_id FROM external_ids e
		        WHERE e.realm_id = r.realm_id AND e.resource_type_id = r.resource_type_id AND e.resource_id = r.id
		        LIMIT 1)
		FROM resource r
		WHERE r.realm_id = $1 AND r.resource_type_id = $2 AND r.id = $3`,
		realmID, typeID, resourceID).
		Scan(&r.ID, &r.RealmID, &r.ResourceTypeID, &r.Attributes, &r.Geometry, &r.ExternalID)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetByID returns a resource by realm and id alone, without knowing the
// type up front.
func (s *Service) GetByID(ctx context.Context, realmID, resourceID int) (*Resource, error) {
	var r Resource
	err := s.db.Pool().QueryRow(ctx, `
		SELECT r.id, r.realm_id, r.resource_type_id, r.attributes, ST_AsEWKT(r.geometry),
		       (SELECT e.external_id FROM external_ids e
		        WHERE e.realm_id = r.realm_id AND e.resource_type_id = r.resource_type_id AND e.resource_id = r.id
		        LIMIT 1)
		FROM resource r
		WHERE r.realm_id = $1 AND r.id = $2`,
		realmID, resourceID).
		Scan(&r.ID, &r.RealmID, &r.ResourceTypeID, &r.Attributes, &r.Geometry, &r.ExternalID)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetByExternalID returns a resource by its external id, or nil
func (s *Service) GetByExternalID(ctx context.Context, realmID, typeID int, externalID string) (*Resource, error) {
	id, err := s.resolveExternalID(ctx, realmID, typeID, externalID)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	return s.Get(ctx, realmID, typeID, id)
}

// Search returns a filtered page of resources together with the total count.
// ExternalID matches partially and case-insensitively; attribute filters
// match exact values.
func (s *Service) Search(ctx context.Context, realmID int, input SearchInput) ([]*Resource, int, error) {
	where := []string{"r.realm_id = $1"}
	args := []interface{}{realmID}

	if input.ResourceTypeID != nil {
		args = append(args, *input.ResourceTypeID)
		where = append(where, fmt.Sprintf("r.resource_type_id = $%d", len(args)))
	}
	if input.ExternalID != nil {
		args = append(args, "%"+*input.ExternalID+"%")
		where = append(where, fmt.Sprintf(`r.id IN (
			SELECT e.resource_id FROM external_ids e
			WHERE e.realm_id = r.realm_id AND e.resource_type_id = r.resource_type_id AND e.external_id ILIKE $%d)`, len(args)))
	}
	for key, value := range input.Attributes {
		args = append(args, key)
		keyArg := len(args)
		args = append(args, value)
		where = append(where, fmt.Sprintf("r.attributes->>$%d = $%d", keyArg, len(args)))
	}

	whereClause := strings.Join(where, " AND ")
	pool := s.db.Pool()

	var total int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM resource r WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, input.Skip)
	skipArg := len(args)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT r.id, r.realm_id, r.resource_type_id, r.attributes, ST_AsEWKT(r.geometry),
		       (SELECT e.external_id FROM external_ids e
		        WHERE e.realm_id = r.realm_id AND e.resource_type_id = r.resource_type_id AND e.resource_id = r.id
		        LIMIT 1)
		FROM resource r WHERE %s ORDER BY r.id OFFSET $%d LIMIT $%d`, whereClause, skipArg, len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.RealmID, &r.ResourceTypeID, &r.Attributes, &r.Geometry, &r.ExternalID); err != nil {
			return nil, 0, err
		}
		resources = append(resources, &r)
	}
	return resources, total, rows.Err()
}

// Update modifies a resource. Returns nil when it does not exist.
func (s *Service) Update(ctx context.Context, realmID, typeID, resourceID int, input UpdateInput) (*Resource, error) {
	current, err := s.Get(ctx, realmID, typeID, resourceID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	pool := s.db.Pool()

	if input.Attributes != nil {
		// Merge, so partial updates do not wipe unrelated keys
		if _, err := pool.Exec(ctx, `
			UPDATE resource SET attributes = attributes || $1::jsonb
			WHERE realm_id = $2 AND resource_type_id = $3 AND id = $4`,
			input.Attributes, realmID, typeID, resourceID); err != nil {
			return nil, err
		}
	}

	if input.Geometry != nil {
		geomText, err := normalizeGeometry(input.Geometry, input.SRID)
		if err != nil {
			return nil, err
		}
		if geomText != nil {
			if _, err := pool.Exec(ctx, `
				UPDATE resource SET geometry = parse_geometry_to_3857($1)
				WHERE realm_id = $2 AND resource_type_id = $3 AND id = $4`,
				*geomText, realmID, typeID, resourceID); err != nil {
				return nil, err
			}
		}
	}

	switch {
	case input.ClearExternalID:
		if current.ExternalID != nil {
			if err := s.detachExternalID(ctx, realmID, typeID, *current.ExternalID); err != nil {
				return nil, err
			}
		}
	case input.ExternalID != nil && (current.ExternalID == nil || *current.ExternalID != *input.ExternalID):
		other, err := s.resolveExternalID(ctx, realmID, typeID, *input.ExternalID)
		if err != nil {
			return nil, err
		}
		if other != 0 && other != resourceID {
			return nil, ErrExternalIDTaken
		}
		if current.ExternalID != nil {
			if err := s.detachExternalID(ctx, realmID, typeID, *current.ExternalID); err != nil {
				return nil, err
			}
		}
		if other == 0 {
			if err := s.attachExternalID(ctx, realmID, typeID, resourceID, *input.ExternalID); err != nil {
				return nil, err
			}
		}
	}

	return s.Get(ctx, realmID, typeID, resourceID)
}

func (s *Service) detachExternalID(ctx context.Context, realmID, typeID int, externalID string) error {
	if _, err := s.db.Pool().Exec(ctx, `
		DELETE FROM external_ids
		WHERE realm_id = $1 AND resource_type_id = $2 AND external_id = $3`,
		realmID, typeID, externalID); err != nil {
		return err
	}
	if err := s.cache.InvalidateExternalID(ctx, realmID, typeID, externalID); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to invalidate external id cache: %v", err)
	}
	return nil
}

// Delete removes a resource and its external id mappings. Returns false
// when it does not exist.
func (s *Service) Delete(ctx context.Context, realmID, typeID, resourceID int) (bool, error) {
	pool := s.db.Pool()

	rows, err := pool.Query(ctx, `
		SELECT external_id FROM external_ids
		WHERE realm_id = $1 AND resource_type_id = $2 AND resource_id = $3`,
		realmID, typeID, resourceID)
	if err != nil {
		return false, err
	}
	var externalIDs []string
	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			rows.Close()
			return false, err
		}
		externalIDs = append(externalIDs, ext)
	}
	rows.Close()

	if _, err := pool.Exec(ctx, `
		DELETE FROM external_ids
		WHERE realm_id = $1 AND resource_type_id = $2 AND resource_id = $3`,
		realmID, typeID, resourceID); err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, `
		DELETE FROM resource WHERE realm_id = $1 AND resource_type_id = $2 AND id = $3`,
		realmID, typeID, resourceID)
	if err != nil {
		return false, err
	}

	for _, ext := range externalIDs {
		if err := s.cache.InvalidateExternalID(ctx, realmID, typeID, ext); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to invalidate external id cache: %v", err)
		}
	}
	return tag.RowsAffected() > 0, nil
}

// BatchCreate creates or upserts multiple resources
func (s *Service) BatchCreate(ctx context.Context, realmID, typeID int, inputs []CreateInput) ([]*Resource, error) {
	var out []*Resource
	for _, input := range inputs {
		r, err := s.Create(ctx, realmID, typeID, input)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// BatchUpdate updates multiple resources addressed by external id, skipping
// ids that resolve to nothing.
func (s *Service) BatchUpdate(ctx context.Context, realmID, typeID int, updates map[string]UpdateInput) ([]*Resource, error) {
	var out []*Resource
	for externalID, input := range updates {
		id, err := s.resolveExternalID(ctx, realmID, typeID, externalID)
		if err != nil {
			return out, err
		}
		if id == 0 {
			continue
		}
		r, err := s.Update(ctx, realmID, typeID, id, input)
		if err != nil {
			return out, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// BatchDelete deletes multiple resources addressed by external id. Returns
// the number removed.
func (s *Service) BatchDelete(ctx context.Context, realmID, typeID int, externalIDs []string) (int, error) {
	deleted := 0
	for _, externalID := range externalIDs {
		id, err := s.resolveExternalID(ctx, realmID, typeID, externalID)
		if err != nil {
			return deleted, err
		}
		if id == 0 {
			continue
		}
		ok, err := s.Delete(ctx, realmID, typeID, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func normalizeGeometry(value any, srid int) (*string, error) {
	if value == nil {
		return nil, nil
	}
	text, err := geometry.Normalize(value, srid)
	if err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}
	return &text, nil
}
