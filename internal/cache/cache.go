// Package cache is the Redis lookup layer in front of the identity tables.
//
// Realm maps collapse every per-request name resolution (realm, action,
// resource type, role) into one hash read. Principal, role membership,
// external id and type-level decision caches sit beside it with their own
// lifetimes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

const (
	realmMapTTL     = time.Hour
	principalTTL    = time.Hour
	externalIDTTL   = time.Hour
	typeDecisionTTL = 5 * time.Minute

	emptySetSentinel = "__empty__"
	noneSentinel     = "__none__"
)

// ErrRealmNotFound is returned when a realm name resolves to nothing
var ErrRealmNotFound = errors.New("realm not found")

// Service provides cached lookups with database fallback
type Service struct {
	db     *database.PostgreSQL
	redis  *database.Redis
	logger *logger.Logger
}

// NewService creates a new cache service
func NewService(db *database.PostgreSQL, redis *database.Redis, logger *logger.Logger) *Service {
	return &Service{db: db, redis: redis, logger: logger}
}

// RealmMap is the flattened per-realm lookup table
type RealmMap map[string]string

// RealmID returns the realm's numeric id
func (m RealmMap) RealmID() (int, error) {
	raw, ok := m["_id"]
	if !ok {
		return 0, fmt.Errorf("realm id not found in map")
	}
	return strconv.Atoi(raw)
}

// PublicKey returns the realm's token verification key, if configured
func (m RealmMap) PublicKey() string {
	return m["_public_key"]
}

// Algorithm returns the realm's token signing algorithm, if configured
func (m RealmMap) Algorithm() string {
	return m["_algorithm"]
}

// ActionID resolves an action name
func (m RealmMap) ActionID(name string) (int, bool) {
	return m.lookup("action:" + name)
}

// TypeID resolves a resource type name
func (m RealmMap) TypeID(name string) (int, bool) {
	return m.lookup("type:" + name)
}

// TypeIsPublic reports whether a resource type is flagged public
func (m RealmMap) TypeIsPublic(name string) bool {
	return m["type_public:"+name] == "true"
}

// RoleID resolves a role name; unknown roles return false
func (m RealmMap) RoleID(name string) (int, bool) {
	return m.lookup("role:" + name)
}

// ActionNames returns every action name in the realm
func (m RealmMap) ActionNames() []string {
	var names []string
	for key := range m {
		if strings.HasPrefix(key, "action:") {
			names = append(names, strings.TrimPrefix(key, "action:"))
		}
	}
	sort.Strings(names)
	return names
}

func (m RealmMap) lookup(key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

// GetRealmMap fetches the realm lookup table, populating the cache from the
// database on a miss.
func (s *Service) GetRealmMap(ctx context.Context, realmName string) (RealmMap, error) {
	key := "realm:" + realmName

	data, err := s.redis.Client().HGetAll(ctx, key).Result()
	if err == nil && len(data) > 0 {
		return RealmMap(data), nil
	}

	if s.db == nil {
		return nil, fmt.Errorf("%w: %s (cache miss and no database available)", ErrRealmNotFound, realmName)
	}
	mapping, err := s.buildRealmMap(ctx, realmName)
	if err != nil {
		return nil, err
	}

	if len(mapping) > 0 {
		pipe := s.redis.Client().Pipeline()
		pipe.HSet(ctx, key, map[string]string(mapping))
		pipe.Expire(ctx, key, realmMapTTL)
		if _, err := pipe.Exec(ctx); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to cache realm map for %s: %v", realmName, err)
		}
	}
	return mapping, nil
}

func (s *Service) buildRealmMap(ctx context.Context, realmName string) (RealmMap, error) {
	pool := s.db.Pool()

	var realmID int
	var publicKey, algorithm *string
	err := pool.QueryRow(ctx, `
		SELECT r.id, kc.public_key, kc.algorithm
		FROM realm r
		LEFT JOIN realm_keycloak_config kc ON kc.realm_id = r.id
		WHERE r.name = $1`, realmName).Scan(&realmID, &publicKey, &algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRealmNotFound, realmName)
	}

	mapping := RealmMap{"_id": strconv.Itoa(realmID)}
	if publicKey != nil && *publicKey != "" {
		mapping["_public_key"] = *publicKey
	}
	if algorithm != nil && *algorithm != "" {
		mapping["_algorithm"] = *algorithm
	}

	rows, err := pool.Query(ctx, `SELECT name, id FROM action WHERE realm_id = $1`, realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		mapping["action:"+name] = strconv.Itoa(id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT name, id, is_public FROM resource_type WHERE realm_id = $1`, realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var id int
		var isPublic bool
		if err := rows.Scan(&name, &id, &isPublic); err != nil {
			return nil, err
		}
		mapping["type:"+name] = strconv.Itoa(id)
		mapping["type_public:"+name] = strconv.FormatBool(isPublic)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT name, id FROM auth_role WHERE realm_id = $1`, realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		mapping["role:"+name] = strconv.Itoa(id)
	}

	return mapping, nil
}

// InvalidateRealm drops a realm's cached lookup table
func (s *Service) InvalidateRealm(ctx context.Context, realmName string) error {
	return s.redis.Client().Del(ctx, "realm:"+realmName).Err()
}

// GetPrincipalRoles returns the role ids assigned to a principal. The
// anonymous principal (id 0) never has roles. Empty membership is cached
// with a sentinel so absent rows do not re-query the database.
func (s *Service) GetPrincipalRoles(ctx context.Context, principalID int) ([]int, error) {
	if principalID == 0 {
		return nil, nil
	}

	key := fmt.Sprintf("principal_roles:%d", principalID)
	members, err := s.redis.Client().SMembers(ctx, key).Result()
	if err == nil && len(members) > 0 {
		roleIDs := make([]int, 0, len(members))
		for _, member := range members {
			if member == emptySetSentinel {
				continue
			}
			id, convErr := strconv.Atoi(member)
			if convErr != nil {
				continue
			}
			roleIDs = append(roleIDs, id)
		}
		return roleIDs, nil
	}

	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Pool().Query(ctx, `SELECT role_id FROM principal_roles WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load principal roles: %w", err)
	}
	defer rows.Close()

	var roleIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, id)
	}

	values := []interface{}{emptySetSentinel}
	if len(roleIDs) > 0 {
		values = values[:0]
		for _, id := range roleIDs {
			values = append(values, strconv.Itoa(id))
		}
	}
	pipe := s.redis.Client().Pipeline()
	pipe.SAdd(ctx, key, values...)
	pipe.Expire(ctx, key, principalTTL)
	if _, err := pipe.Exec(ctx); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to cache roles for principal %d: %v", principalID, err)
	}

	return roleIDs, nil
}

// Principal is the cached identity record
type Principal struct {
	ID         int             `json:"id"`
	Username   string          `json:"username"`
	RealmID    int             `json:"realm_id"`
	Attributes json.RawMessage `json:"attributes"`
	RoleIDs    []int           `json:"role_ids"`
}

// GetPrincipalByID looks up a principal by id. Returns nil without error
// when the principal does not exist.
func (s *Service) GetPrincipalByID(ctx context.Context, principalID int) (*Principal, error) {
	return s.getPrincipal(ctx, fmt.Sprintf("principal:%d", principalID),
		`SELECT id, username, realm_id, attributes FROM principal WHERE id = $1`, principalID)
}

// GetPrincipalByUsername looks up a principal by realm and username
func (s *Service) GetPrincipalByUsername(ctx context.Context, realmID int, username string) (*Principal, error) {
	return s.getPrincipal(ctx, fmt.Sprintf("principal:%d:%s", realmID, username),
		`SELECT id, username, realm_id, attributes FROM principal WHERE username = $1 AND realm_id = $2`, username, realmID)
}

func (s *Service) getPrincipal(ctx context.Context, key, query string, args ...interface{}) (*Principal, error) {
	cached, err := s.redis.Client().Get(ctx, key).Result()
	if err == nil && cached != "" {
		var p Principal
		if jsonErr := json.Unmarshal([]byte(cached), &p); jsonErr == nil {
			return &p, nil
		}
	}

	if s.db == nil {
		return nil, nil
	}
	var p Principal
	err = s.db.Pool().QueryRow(ctx, query, args...).Scan(&p.ID, &p.Username, &p.RealmID, &p.Attributes)
	if err != nil {
		// Absent principals are a lookup result, not a failure
		return nil, nil
	}

	roleIDs, err := s.principalRoleIDs(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.RoleIDs = roleIDs

	data, err := json.Marshal(&p)
	if err == nil {
		pipe := s.redis.Client().Pipeline()
		pipe.Set(ctx, fmt.Sprintf("principal:%d", p.ID), data, principalTTL)
		if p.Username != "" {
			pipe.Set(ctx, fmt.Sprintf("principal:%d:%s", p.RealmID, p.Username), data, principalTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil && s.logger != nil {
			s.logger.Warnf("Failed to cache principal %d: %v", p.ID, err)
		}
	}

	return &p, nil
}

func (s *Service) principalRoleIDs(ctx context.Context, principalID int) ([]int, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT role_id FROM principal_roles WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roleIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, id)
	}
	return roleIDs, nil
}

// InvalidatePrincipal drops a principal's cached record and role set
func (s *Service) InvalidatePrincipal(ctx context.Context, principalID int, realmID int, username string) error {
	keys := []string{
		fmt.Sprintf("principal_roles:%d", principalID),
		fmt.Sprintf("principal:%d", principalID),
	}
	if username != "" && realmID != 0 {
		keys = append(keys, fmt.Sprintf("principal:%d:%s", realmID, username))
	}
	return s.redis.Client().Del(ctx, keys...).Err()
}

// InvalidatePrincipalRoles drops a principal's cached role membership
func (s *Service) InvalidatePrincipalRoles(ctx context.Context, principalID int) error {
	return s.redis.Client().Del(ctx,
		fmt.Sprintf("principal_roles:%d", principalID),
		fmt.Sprintf("principal:%d", principalID),
	).Err()
}

// InvalidateAllPrincipals drops every cached principal record and role set
func (s *Service) InvalidateAllPrincipals(ctx context.Context) error {
	if err := s.deleteByPattern(ctx, "principal_roles:*"); err != nil {
		return err
	}
	return s.deleteByPattern(ctx, "principal:*")
}

// GetExternalIDMapping returns a single cached external id resolution.
// Missing entries and cached negatives both report found=false.
func (s *Service) GetExternalIDMapping(ctx context.Context, realmID, typeID int, externalID string) (int, bool) {
	key := fmt.Sprintf("extid:%d:%d:%s", realmID, typeID, externalID)
	cached, err := s.redis.Client().Get(ctx, key).Result()
	if err != nil || cached == "" || cached == noneSentinel {
		return 0, false
	}
	id, convErr := strconv.Atoi(cached)
	if convErr != nil {
		return 0, false
	}
	return id, true
}

// GetExternalIDMappingsBatch resolves external ids from the cache in one
// pipeline round trip. Unknown ids are simply absent from the result.
func (s *Service) GetExternalIDMappingsBatch(ctx context.Context, realmID, typeID int, externalIDs []string) (map[string]int, error) {
	if len(externalIDs) == 0 {
		return map[string]int{}, nil
	}

	pipe := s.redis.Client().Pipeline()
	cmds := make([]*redis.StringCmd, len(externalIDs))
	for i, extID := range externalIDs {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf("extid:%d:%d:%s", realmID, typeID, extID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	mapping := make(map[string]int)
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err != nil || val == "" || val == noneSentinel {
			continue
		}
		if id, convErr := strconv.Atoi(val); convErr == nil {
			mapping[externalIDs[i]] = id
		}
	}
	return mapping, nil
}

// SetExternalIDMappingsBatch caches resolved external ids in one pipeline
func (s *Service) SetExternalIDMappingsBatch(ctx context.Context, realmID, typeID int, mappings map[string]int) error {
	if len(mappings) == 0 {
		return nil
	}
	pipe := s.redis.Client().Pipeline()
	for extID, resID := range mappings {
		pipe.Set(ctx, fmt.Sprintf("extid:%d:%d:%s", realmID, typeID, extID), strconv.Itoa(resID), externalIDTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetExternalIDMissing caches a negative external id lookup
func (s *Service) SetExternalIDMissing(ctx context.Context, realmID, typeID int, externalID string) error {
	key := fmt.Sprintf("extid:%d:%d:%s", realmID, typeID, externalID)
	return s.redis.Client().Set(ctx, key, noneSentinel, externalIDTTL).Err()
}

// InvalidateExternalID drops a single cached external id resolution
func (s *Service) InvalidateExternalID(ctx context.Context, realmID, typeID int, externalID string) error {
	return s.redis.Client().Del(ctx, fmt.Sprintf("extid:%d:%d:%s", realmID, typeID, externalID)).Err()
}

// InvalidateExternalIDsForType drops every cached resolution for a type
func (s *Service) InvalidateExternalIDsForType(ctx context.Context, realmID, typeID int) error {
	return s.deleteByPattern(ctx, fmt.Sprintf("extid:%d:%d:*", realmID, typeID))
}

func typeDecisionKey(realmID, principalID, typeID, actionID int, roleIDs []int) string {
	roleKey := "none"
	if len(roleIDs) > 0 {
		sorted := append([]int(nil), roleIDs...)
		sort.Ints(sorted)
		parts := make([]string, len(sorted))
		for i, id := range sorted {
			parts[i] = strconv.Itoa(id)
		}
		roleKey = strings.Join(parts, ",")
	}
	return fmt.Sprintf("type_decision:%d:%d:%d:%d:%s", realmID, principalID, typeID, actionID, roleKey)
}

// GetTypeLevelDecision returns a cached type-level decision, if any
func (s *Service) GetTypeLevelDecision(ctx context.Context, realmID, principalID, typeID, actionID int, roleIDs []int) (decision, found bool) {
	cached, err := s.redis.Client().Get(ctx, typeDecisionKey(realmID, principalID, typeID, actionID, roleIDs)).Result()
	if err != nil {
		return false, false
	}
	return cached == "1", true
}

// SetTypeLevelDecision caches a type-level decision with a short lifetime;
// ACL changes also invalidate these keys explicitly.
func (s *Service) SetTypeLevelDecision(ctx context.Context, realmID, principalID, typeID, actionID int, roleIDs []int, decision bool) error {
	value := "0"
	if decision {
		value = "1"
	}
	return s.redis.Client().Set(ctx, typeDecisionKey(realmID, principalID, typeID, actionID, roleIDs), value, typeDecisionTTL).Err()
}

// InvalidateTypeDecisionsForPrincipal drops cached decisions for a principal
func (s *Service) InvalidateTypeDecisionsForPrincipal(ctx context.Context, realmID, principalID int) error {
	return s.deleteByPattern(ctx, fmt.Sprintf("type_decision:%d:%d:*", realmID, principalID))
}

// InvalidateTypeDecisionsForType drops cached decisions for a resource type
func (s *Service) InvalidateTypeDecisionsForType(ctx context.Context, realmID, typeID int) error {
	return s.deleteByPattern(ctx, fmt.Sprintf("type_decision:%d:*:%d:*", realmID, typeID))
}

// InvalidateAllTypeDecisions drops every cached decision for a realm
func (s *Service) InvalidateAllTypeDecisions(ctx context.Context, realmID int) error {
	return s.deleteByPattern(ctx, fmt.Sprintf("type_decision:%d:*", realmID))
}

func (s *Service) deleteByPattern(ctx context.Context, pattern string) error {
	iter := s.redis.Client().Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redis.Client().Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
