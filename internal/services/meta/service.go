// Package meta serves the vocabulary a rule editor needs: the realm's
// principals, roles, actions, and types, plus the operators and sources the
// condition language understands.
package meta

import (
	"context"

	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// Option is an id/name pair
type Option struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// LabeledValue is a machine value with a display label
type LabeledValue struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ACLOptions is everything a condition builder needs up front
type ACLOptions struct {
	Principals        []Option       `json:"principals"`
	Roles             []Option       `json:"roles"`
	Actions           []Option       `json:"actions"`
	ResourceTypes     []Option       `json:"resource_types"`
	Sources           []LabeledValue `json:"sources"`
	Operators         []LabeledValue `json:"operators"`
	ContextAttributes []LabeledValue `json:"context_attributes"`
}

// Service serves rule-building metadata
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new meta service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// GetACLOptions returns the rule-building vocabulary. A realmID of zero
// spans all realms.
func (s *Service) GetACLOptions(ctx context.Context, realmID int) (*ACLOptions, error) {
	opts := &ACLOptions{
		Sources: []LabeledValue{
			{Value: "resource", Label: "Resource"},
			{Value: "principal", Label: "Principal"},
			{Value: "context", Label: "Context"},
		},
		Operators: []LabeledValue{
			{Value: "=", Label: "Equals (=)"},
			{Value: "!=", Label: "Not Equals (!=)"},
			{Value: "<", Label: "Less Than (<)"},
			{Value: ">", Label: "Greater Than (>)"},
			{Value: "<=", Label: "Less Than or Equal (<=)"},
			{Value: ">=", Label: "Greater Than or Equal (>=)"},
			{Value: "in", Label: "In List (in)"},
			{Value: "st_dwithin", Label: "Within Distance (st_dwithin)"},
			{Value: "st_contains", Label: "Contains (st_contains)"},
			{Value: "st_within", Label: "Within (st_within)"},
			{Value: "st_intersects", Label: "Intersects (st_intersects)"},
			{Value: "st_covers", Label: "Covers (st_covers)"},
		},
		ContextAttributes: []LabeledValue{
			{Value: "principal.attributes", Label: "Principal Attributes"},
			{Value: "context.ip", Label: "Client IP"},
			{Value: "context.time", Label: "Request Time"},
		},
	}

	var err error
	if opts.Principals, err = s.options(ctx, realmID, `SELECT id, username FROM principal`); err != nil {
		return nil, err
	}
	if opts.Roles, err = s.options(ctx, realmID, `SELECT id, name FROM auth_role`); err != nil {
		return nil, err
	}
	if opts.Actions, err = s.options(ctx, realmID, `SELECT id, name FROM action`); err != nil {
		return nil, err
	}
	if opts.ResourceTypes, err = s.options(ctx, realmID, `SELECT id, name FROM resource_type`); err != nil {
		return nil, err
	}
	return opts, nil
}

func (s *Service) options(ctx context.Context, realmID int, query string) ([]Option, error) {
	var args []interface{}
	if realmID != 0 {
		query += ` WHERE realm_id = $1`
		args = append(args, realmID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.Name); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
