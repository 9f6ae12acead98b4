// Package authz answers access questions.
//
// The heavy lifting happens inside Postgres set-returning functions; this
// service resolves names to ids through the realm cache, batches external id
// lookups, fans items out across the pool, and assembles answers in the
// caller's vocabulary of external ids.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/realmgate/realmgate/internal/audit"
	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/internal/token"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// ErrUnknownNames is returned when an action or resource type name is not
// part of the realm.
var ErrUnknownNames = errors.New("unknown resource type or action")

const (
	// ReturnDecision answers with a single boolean
	ReturnDecision = "decision"
	// ReturnIDList answers with the granted external ids
	ReturnIDList = "id_list"

	maxParallelItems = 10
	reverseChunkSize = 30000
)

// AccessRequestItem is one question inside a check
type AccessRequestItem struct {
	ActionName          string   `json:"action_name"`
	ResourceTypeName    string   `json:"resource_type_name"`
	ReturnType          string   `json:"return_type,omitempty"`
	ExternalResourceIDs []string `json:"external_resource_ids,omitempty"`
}

// AccessResponseItem is the answer to one question. Answer is a bool for
// decision questions and a list of external ids otherwise.
type AccessResponseItem struct {
	ActionName       string `json:"action_name"`
	ResourceTypeName string `json:"resource_type_name"`
	Answer           any    `json:"answer"`
}

// PermittedActionsItem names a resource type and optionally specific
// resources to inspect.
type PermittedActionsItem struct {
	ResourceTypeName    string   `json:"resource_type_name"`
	ExternalResourceIDs []string `json:"external_resource_ids,omitempty"`
}

// PermittedActionsResponseItem lists the actions allowed on one resource,
// or on the type when ExternalResourceID is nil.
type PermittedActionsResponseItem struct {
	ResourceTypeName   string   `json:"resource_type_name"`
	ExternalResourceID *string  `json:"external_resource_id,omitempty"`
	Actions            []string `json:"actions"`
}

// Conditions is the pre-filter form of a principal's access to a type
type Conditions struct {
	FilterType     string          `json:"filter_type"`
	ConditionsDSL  json.RawMessage `json:"conditions_dsl,omitempty"`
	ExternalIDs    []string        `json:"external_ids,omitempty"`
	HasContextRefs bool            `json:"has_context_refs"`
}

// Service answers access questions
type Service struct {
	db     *database.PostgreSQL
	cache  *cache.Service
	audit  *audit.Service
	logger *logger.Logger
}

// NewService creates a new authorization service
func NewService(db *database.PostgreSQL, cacheService *cache.Service, auditService *audit.Service, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cacheService, audit: auditService, logger: logger}
}

// CheckAccess answers every item of a request. Items run in parallel when
// there is more than one; each decision is recorded in the audit trail.
func (s *Service) CheckAccess(ctx context.Context, realmName string, principal *token.Principal,
	items []AccessRequestItem, authContext map[string]any, roleNames []string) ([]AccessResponseItem, error) {

	realmMap, err := s.cache.GetRealmMap(ctx, realmName)
	if err != nil {
		return nil, err
	}
	realmID, err := realmMap.RealmID()
	if err != nil {
		return nil, err
	}

	ctxJSON, err := buildContext(principal, authContext)
	if err != nil {
		return nil, err
	}

	roleIDs, err := s.resolveRoles(ctx, realmMap, principal, roleNames)
	if err != nil {
		return nil, err
	}

	preresolved, err := s.batchResolveExternalIDs(ctx, realmID, realmMap, items)
	if err != nil {
		return nil, err
	}

	results := make([]AccessResponseItem, len(items))
	audits := make([]audit.Entry, len(items))

	if len(items) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelItems)
		for i, item := range items {
			i, item := i, item
			g.Go(func() error {
				result, entry, err := s.processItem(gctx, item, realmID, realmMap, principal.ID, roleIDs, ctxJSON, preresolved)
				if err != nil {
					return err
				}
				results[i] = result
				audits[i] = entry
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, item := range items {
			result, entry, err := s.processItem(ctx, item, realmID, realmMap, principal.ID, roleIDs, ctxJSON, preresolved)
			if err != nil {
				return nil, err
			}
			results[i] = result
			audits[i] = entry
		}
	}

	for _, entry := range audits {
		s.audit.Record(ctx, entry)
	}
	return results, nil
}

// buildContext merges the principal's attributes with the request context
// into the jsonb document conditions evaluate against.
func buildContext(principal *token.Principal, authContext map[string]any) (string, error) {
	attrs := map[string]any{}
	if principal.Attributes != nil {
		if err := json.Unmarshal(principal.Attributes, &attrs); err != nil {
			return "", fmt.Errorf("invalid principal attributes: %w", err)
		}
	}
	attrs["id"] = principal.ID
	attrs["username"] = principal.Username
	attrs["realm_id"] = principal.RealmID

	data, err := json.Marshal(map[string]any{
		"principal": attrs,
		"context":   authContext,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// resolveRoles returns the role ids the check runs with. Explicit role
// names narrow the principal's own roles, never widen them.
func (s *Service) resolveRoles(ctx context.Context, realmMap cache.RealmMap, principal *token.Principal, roleNames []string) ([]int, error) {
	if len(roleNames) > 0 {
		var target []int
		for _, name := range roleNames {
			if id, ok := realmMap.RoleID(name); ok {
				target = append(target, id)
			}
		}
		if len(target) == 0 || principal.Anonymous {
			return nil, nil
		}
		own := principal.RoleIDs
		if own == nil {
			var err error
			own, err = s.cache.GetPrincipalRoles(ctx, principal.ID)
			if err != nil {
				return nil, err
			}
		}
		ownSet := make(map[int]struct{}, len(own))
		for _, id := range own {
			ownSet[id] = struct{}{}
		}
		var filtered []int
		for _, id := range target {
			if _, ok := ownSet[id]; ok {
				filtered = append(filtered, id)
			}
		}
		return filtered, nil
	}

	if principal.Anonymous {
		return nil, nil
	}
	if principal.RoleIDs != nil {
		return principal.RoleIDs, nil
	}
	return s.cache.GetPrincipalRoles(ctx, principal.ID)
}

// batchResolveExternalIDs resolves every external id across all items in
// one pass per type, cache first. Returns {type name: {external id: id}}.
func (s *Service) batchResolveExternalIDs(ctx context.Context, realmID int, realmMap cache.RealmMap,
	items []AccessRequestItem) (map[string]map[string]int, error) {

	lookups := map[int][]string{}
	typeNameByID := map[int]string{}
	for _, item := range items {
		if len(item.ExternalResourceIDs) == 0 {
			continue
		}
		typeID, ok := realmMap.TypeID(item.ResourceTypeName)
		if !ok {
			continue
		}
		typeNameByID[typeID] = item.ResourceTypeName
		seen := make(map[string]struct{}, len(lookups[typeID]))
		for _, known := range lookups[typeID] {
			seen[known] = struct{}{}
		}
		for _, ext := range item.ExternalResourceIDs {
			if _, dup := seen[ext]; !dup {
				lookups[typeID] = append(lookups[typeID], ext)
				seen[ext] = struct{}{}
			}
		}
	}
	if len(lookups) == 0 {
		return map[string]map[string]int{}, nil
	}

	result := map[string]map[string]int{}
	for typeID, extIDs := range lookups {
		typeName := typeNameByID[typeID]
		cached, err := s.cache.GetExternalIDMappingsBatch(ctx, realmID, typeID, extIDs)
		if err != nil {
			return nil, err
		}
		result[typeName] = cached

		var misses []string
		for _, ext := range extIDs {
			if _, ok := cached[ext]; !ok {
				misses = append(misses, ext)
			}
		}
		if len(misses) == 0 {
			continue
		}

		rows, err := s.db.Pool().Query(ctx, `
			SELECT external_id, resource_id FROM external_ids
			WHERE realm_id = $1 AND resource_type_id = $2 AND external_id = ANY($3)`,
			realmID, typeID, misses)
		if err != nil {
			return nil, err
		}
		fresh := map[string]int{}
		for rows.Next() {
			var ext string
			var id int
			if err := rows.Scan(&ext, &id); err != nil {
				rows.Close()
				return nil, err
			}
			fresh[ext] = id
			result[typeName][ext] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(fresh) > 0 {
			if err := s.cache.SetExternalIDMappingsBatch(ctx, realmID, typeID, fresh); err != nil && s.logger != nil {
				s.logger.Warnf("Failed to cache external id mappings: %v", err)
			}
		}
	}
	return result, nil
}

func (s *Service) processItem(ctx context.Context, item AccessRequestItem, realmID int, realmMap cache.RealmMap,
	principalID int, roleIDs []int, ctxJSON string,
	preresolved map[string]map[string]int) (AccessResponseItem, audit.Entry, error) {

	actionID, actionOK := realmMap.ActionID(item.ActionName)
	typeID, typeOK := realmMap.TypeID(item.ResourceTypeName)
	if !actionOK || !typeOK {
		return AccessResponseItem{}, audit.Entry{},
			fmt.Errorf("%w: %s/%s", ErrUnknownNames, item.ResourceTypeName, item.ActionName)
	}

	returnType := item.ReturnType
	if returnType == "" {
		returnType = ReturnIDList
	}
	isPublic := realmMap.TypeIsPublic(item.ResourceTypeName)
	typeLevel := returnType == ReturnDecision && len(item.ExternalResourceIDs) == 0

	if typeLevel {
		if decision, found := s.cache.GetTypeLevelDecision(ctx, realmID, principalID, typeID, actionID, roleIDs); found {
			return s.answer(item, realmID, principalID, decision, nil, nil)
		}
	}

	var internalIDs []int
	externalByInternal := map[int]string{}
	if len(item.ExternalResourceIDs) > 0 {
		mappings := preresolved[item.ResourceTypeName]
		for _, ext := range item.ExternalResourceIDs {
			if id, ok := mappings[ext]; ok {
				internalIDs = append(internalIDs, id)
				externalByInternal[id] = ext
			}
		}

		if len(internalIDs) == 0 {
			// None of the requested resources exist. Type-level rules still
			// apply to resources that are not in the table yet.
			granted, err := s.typeLevelGranted(ctx, realmID, typeID, actionID, principalID, roleIDs, ctxJSON)
			if err != nil {
				return AccessResponseItem{}, audit.Entry{}, err
			}
			if granted {
				return s.answerList(item, returnType, realmID, principalID, item.ExternalResourceIDs, nil, true)
			}
			return s.answerList(item, returnType, realmID, principalID, nil, nil, false)
		}
	}

	if isPublic && len(item.ExternalResourceIDs) > 0 {
		granted := make([]string, 0, len(internalIDs))
		for _, id := range internalIDs {
			granted = append(granted, externalByInternal[id])
		}
		return s.answerList(item, returnType, realmID, principalID, granted, nil, true)
	}

	var resourceFilter []int
	if len(internalIDs) > 0 {
		resourceFilter = internalIDs
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id FROM get_authorized_resources($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		realmID, principalID, roleIDs, typeID, actionID, ctxJSON, resourceFilter)
	if err != nil {
		return AccessResponseItem{}, audit.Entry{}, fmt.Errorf("authorization query failed: %w", err)
	}
	authorized := map[int]struct{}{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return AccessResponseItem{}, audit.Entry{}, err
		}
		authorized[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return AccessResponseItem{}, audit.Entry{}, err
	}

	var grantedExternal []string
	var grantedInternal []any
	if len(item.ExternalResourceIDs) > 0 {
		for _, id := range internalIDs {
			if _, ok := authorized[id]; ok {
				grantedExternal = append(grantedExternal, externalByInternal[id])
			}
		}
	} else if len(authorized) > 0 {
		ids := make([]int, 0, len(authorized))
		for id := range authorized {
			ids = append(ids, id)
			grantedInternal = append(grantedInternal, id)
		}
		grantedExternal, err = s.reverseLookup(ctx, realmID, typeID, ids)
		if err != nil {
			return AccessResponseItem{}, audit.Entry{}, err
		}
	}

	decision := len(grantedExternal) > 0

	// A bare decision about a type (a "may I create" style question) must
	// consult type-level rules even when no rows matched, because the
	// decision function answers through the resource table.
	if typeLevel && !decision {
		granted, err := s.typeLevelGranted(ctx, realmID, typeID, actionID, principalID, roleIDs, ctxJSON)
		if err != nil {
			return AccessResponseItem{}, audit.Entry{}, err
		}
		decision = granted
	}

	if typeLevel {
		if err := s.cache.SetTypeLevelDecision(ctx, realmID, principalID, typeID, actionID, roleIDs, decision); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to cache type-level decision: %v", err)
		}
		return s.answer(item, realmID, principalID, decision, grantedInternal, nil)
	}
	return s.answerList(item, returnType, realmID, principalID, grantedExternal, grantedInternal, decision)
}

// typeLevelGranted checks whether any type-wide rule grants the action,
// evaluating conditional rules against the context.
func (s *Service) typeLevelGranted(ctx context.Context, realmID, typeID, actionID, principalID int,
	roleIDs []int, ctxJSON string) (bool, error) {

	rows, err := s.db.Pool().Query(ctx, `
		SELECT compiled_sql FROM acl
		WHERE realm_id = $1 AND resource_type_id = $2 AND action_id = $3
		  AND resource_id IS NULL
		  AND (principal_id = $4 OR role_id = ANY($5) OR (principal_id = 0 AND role_id = 0))`,
		realmID, typeID, actionID, principalID, roleIDs)
	if err != nil {
		return false, err
	}
	var conditions []*string
	for rows.Next() {
		var sql *string
		if err := rows.Scan(&sql); err != nil {
			rows.Close()
			return false, err
		}
		conditions = append(conditions, sql)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, cond := range conditions {
		if cond == nil || strings.TrimSpace(*cond) == "" || strings.EqualFold(strings.TrimSpace(*cond), "TRUE") {
			return true, nil
		}
		evalSQL := "SELECT 1 WHERE " + strings.ReplaceAll(*cond, "p_ctx", "$1::jsonb")
		var one int
		err := s.db.Pool().QueryRow(ctx, evalSQL, ctxJSON).Scan(&one)
		if err != nil {
			if database.IsNoRows(err) {
				continue
			}
			if s.logger != nil {
				s.logger.Warnf("Failed to evaluate type-level rule %q: %v", *cond, err)
			}
			continue
		}
		return true, nil
	}
	return false, nil
}

// reverseLookup maps internal ids back to external ids in chunks, so a
// broad grant over a large type does not overflow a single parameter list.
func (s *Service) reverseLookup(ctx context.Context, realmID, typeID int, ids []int) ([]string, error) {
	var out []string
	for start := 0; start < len(ids); start += reverseChunkSize {
		end := start + reverseChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		rows, err := s.db.Pool().Query(ctx, `
			SELECT external_id FROM external_ids
			WHERE realm_id = $1 AND resource_type_id = $2 AND resource_id = ANY($3)`,
			realmID, typeID, ids[start:end])
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var ext string
			if err := rows.Scan(&ext); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, ext)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) answer(item AccessRequestItem, realmID, principalID int, decision bool,
	internalIDs []any, externalIDs []string) (AccessResponseItem, audit.Entry, error) {

	return AccessResponseItem{
			ActionName:       item.ActionName,
			ResourceTypeName: item.ResourceTypeName,
			Answer:           decision,
		}, audit.Entry{
			RealmID:             realmID,
			PrincipalID:         principalID,
			ActionName:          item.ActionName,
			ResourceTypeName:    item.ResourceTypeName,
			Decision:            decision,
			ResourceIDs:         internalIDs,
			ExternalResourceIDs: externalIDs,
		}, nil
}

func (s *Service) answerList(item AccessRequestItem, returnType string, realmID, principalID int,
	grantedExternal []string, grantedInternal []any, decision bool) (AccessResponseItem, audit.Entry, error) {

	if grantedExternal == nil {
		grantedExternal = []string{}
	}
	var answer any = grantedExternal
	if returnType == ReturnDecision {
		answer = len(grantedExternal) > 0
	}

	var auditExternal []string
	if decision && len(grantedExternal) > 0 {
		auditExternal = grantedExternal
	}
	return AccessResponseItem{
			ActionName:       item.ActionName,
			ResourceTypeName: item.ResourceTypeName,
			Answer:           answer,
		}, audit.Entry{
			RealmID:             realmID,
			PrincipalID:         principalID,
			ActionName:          item.ActionName,
			ResourceTypeName:    item.ResourceTypeName,
			Decision:            decision,
			ResourceIDs:         grantedInternal,
			ExternalResourceIDs: auditExternal,
		}, nil
}
