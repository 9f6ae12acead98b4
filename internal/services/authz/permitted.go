package authz

import (
	"context"
	"fmt"

	"github.com/realmgate/realmgate/internal/audit"
	"github.com/realmgate/realmgate/internal/token"
	"github.com/realmgate/realmgate/pkg/database"
)

// GetPermittedActions lists, per resource, every action the principal may
// perform. Items naming an unknown type answer with no actions rather than
// an error.
func (s *Service) GetPermittedActions(ctx context.Context, realmName string, principal *token.Principal,
	resources []PermittedActionsItem, authContext map[string]any, roleNames []string) ([]PermittedActionsResponseItem, error) {

	realmMap, err := s.cache.GetRealmMap(ctx, realmName)
	if err != nil {
		return nil, err
	}
	realmID, err := realmMap.RealmID()
	if err != nil {
		return nil, err
	}

	roleIDs, err := s.resolveRoles(ctx, realmMap, principal, roleNames)
	if err != nil {
		return nil, err
	}
	principalID := principal.ID

	ctxJSON, err := buildContext(principal, authContext)
	if err != nil {
		return nil, err
	}

	actionNameByID := map[int]string{}
	for _, name := range realmMap.ActionNames() {
		if id, ok := realmMap.ActionID(name); ok {
			actionNameByID[id] = name
		}
	}

	var response []PermittedActionsResponseItem
	var audits []audit.Entry

	for _, item := range resources {
		typeID, ok := realmMap.TypeID(item.ResourceTypeName)
		if !ok {
			response = append(response, emptyPermitted(item)...)
			continue
		}

		externalToInternal := map[string]int{}
		var internalIDs []int
		if len(item.ExternalResourceIDs) > 0 {
			rows, err := s.db.Pool().Query(ctx, `
				SELECT external_id, resource_id FROM external_ids
				WHERE realm_id = $1 AND resource_type_id = $2 AND external_id = ANY($3)`,
				realmID, typeID, item.ExternalResourceIDs)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var ext string
				var id int
				if err := rows.Scan(&ext, &id); err != nil {
					rows.Close()
					return nil, err
				}
				externalToInternal[ext] = id
				internalIDs = append(internalIDs, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}

		// Unconditional type-wide grants apply to every requested resource,
		// including ones that do not exist yet.
		typeActions := map[string]struct{}{}
		rows, err := s.db.Pool().Query(ctx, `
			SELECT DISTINCT a.name FROM acl
			JOIN action a ON a.id = acl.action_id
			WHERE acl.realm_id = $1 AND acl.resource_type_id = $2
			  AND acl.resource_id IS NULL
			  AND (acl.compiled_sql IS NULL OR trim(acl.compiled_sql) = '' OR upper(trim(acl.compiled_sql)) = 'TRUE')
			  AND (acl.principal_id = $3 OR acl.role_id = ANY($4) OR (acl.principal_id = 0 AND acl.role_id = 0))`,
			realmID, typeID, principalID, roleIDs)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, err
			}
			typeActions[name] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		resourceActions := map[int]map[string]struct{}{}
		if len(internalIDs) > 0 {
			rows, err := s.db.Pool().Query(ctx, `
				SELECT resource_id, action_id, is_type_level
				FROM get_permitted_actions_batch($1, $2, $3, $4, $5, $6::jsonb)`,
				realmID, principalID, roleIDs, typeID, internalIDs, ctxJSON)
			if err != nil {
				return nil, fmt.Errorf("permitted actions query failed: %w", err)
			}
			for rows.Next() {
				var resourceID, actionID int
				var isTypeLevel bool
				if err := rows.Scan(&resourceID, &actionID, &isTypeLevel); err != nil {
					rows.Close()
					return nil, err
				}
				name, ok := actionNameByID[actionID]
				if !ok {
					continue
				}
				if isTypeLevel {
					typeActions[name] = struct{}{}
				} else {
					if resourceActions[resourceID] == nil {
						resourceActions[resourceID] = map[string]struct{}{}
					}
					resourceActions[resourceID][name] = struct{}{}
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}

		if len(item.ExternalResourceIDs) > 0 {
			for _, ext := range item.ExternalResourceIDs {
				actions := setToList(typeActions)
				if internalID, ok := externalToInternal[ext]; ok {
					for name := range resourceActions[internalID] {
						if !contains(actions, name) {
							actions = append(actions, name)
						}
					}
				}
				extCopy := ext
				response = append(response, PermittedActionsResponseItem{
					ResourceTypeName:   item.ResourceTypeName,
					ExternalResourceID: &extCopy,
					Actions:            actions,
				})
				audits = append(audits, audit.Entry{
					RealmID:             realmID,
					PrincipalID:         principalID,
					ActionName:          "get_permitted_actions",
					ResourceTypeName:    item.ResourceTypeName,
					Decision:            len(actions) > 0,
					ExternalResourceIDs: []string{ext},
				})
			}
		} else {
			actions := setToList(typeActions)
			response = append(response, PermittedActionsResponseItem{
				ResourceTypeName: item.ResourceTypeName,
				Actions:          actions,
			})
			audits = append(audits, audit.Entry{
				RealmID:          realmID,
				PrincipalID:      principalID,
				ActionName:       "get_permitted_actions",
				ResourceTypeName: item.ResourceTypeName,
				Decision:         len(actions) > 0,
			})
		}
	}

	for _, entry := range audits {
		s.audit.Record(ctx, entry)
	}
	return response, nil
}

// GetAuthorizationConditions returns a principal's access to a type in
// pre-filter form, for callers that fold authorization into their own
// queries instead of asking per resource.
func (s *Service) GetAuthorizationConditions(ctx context.Context, realmName string, principal *token.Principal,
	resourceTypeName, actionName string, roleNames []string) (*Conditions, error) {

	realmMap, err := s.cache.GetRealmMap(ctx, realmName)
	if err != nil {
		return nil, err
	}
	realmID, err := realmMap.RealmID()
	if err != nil {
		return nil, err
	}

	typeID, typeOK := realmMap.TypeID(resourceTypeName)
	actionID, actionOK := realmMap.ActionID(actionName)
	if !typeOK || !actionOK {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownNames, resourceTypeName, actionName)
	}

	roleIDs, err := s.resolveRoles(ctx, realmMap, principal, roleNames)
	if err != nil {
		return nil, err
	}

	var cond Conditions
	err = s.db.Pool().QueryRow(ctx, `
		SELECT filter_type, conditions_dsl, external_ids, has_context_refs
		FROM get_authorization_conditions($1, $2, $3, $4, $5)`,
		realmID, principal.ID, roleIDs, typeID, actionID).
		Scan(&cond.FilterType, &cond.ConditionsDSL, &cond.ExternalIDs, &cond.HasContextRefs)
	if err != nil {
		if database.IsNoRows(err) {
			return &Conditions{FilterType: "denied_all"}, nil
		}
		return nil, err
	}
	return &cond, nil
}

func emptyPermitted(item PermittedActionsItem) []PermittedActionsResponseItem {
	if len(item.ExternalResourceIDs) == 0 {
		return []PermittedActionsResponseItem{{
			ResourceTypeName: item.ResourceTypeName,
			Actions:          []string{},
		}}
	}
	out := make([]PermittedActionsResponseItem, 0, len(item.ExternalResourceIDs))
	for _, ext := range item.ExternalResourceIDs {
		extCopy := ext
		out = append(out, PermittedActionsResponseItem{
			ResourceTypeName:   item.ResourceTypeName,
			ExternalResourceID: &extCopy,
			Actions:            []string{},
		})
	}
	return out
}

func setToList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
