package authz

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmgate/realmgate/internal/audit"
	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/internal/token"
	"github.com/realmgate/realmgate/pkg/database"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	redisWrap := database.NewRedisFromClient(client)
	cacheSvc := cache.NewService(nil, redisWrap, nil)
	auditSvc := audit.NewService(nil, redisWrap, nil, false)
	return NewService(nil, cacheSvc, auditSvc, nil), mr
}

func testRealmMap() cache.RealmMap {
	return cache.RealmMap{
		"_id":                 "1",
		"action:read":         "20",
		"action:edit":         "21",
		"type:document":       "10",
		"type:gallery":        "11",
		"type_public:gallery": "true",
		"role:owned":          "1",
		"role:unowned":        "2",
	}
}

func seedRealm(mr *miniredis.Miniredis) {
	for key, value := range testRealmMap() {
		mr.HSet("realm:tenant-a", key, value)
	}
}

func TestResolveRolesNarrowsToOwnRoles(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	realmMap := testRealmMap()
	principal := &token.Principal{ID: 7, Username: "alice", RealmID: 1, RoleIDs: []int{1}}

	t.Run("requesting only roles the principal lacks fails closed", func(t *testing.T) {
		roleIDs, err := s.resolveRoles(ctx, realmMap, principal, []string{"unowned"})
		require.NoError(t, err)
		assert.Empty(t, roleIDs)
	})

	t.Run("names narrow to the intersection, never widen", func(t *testing.T) {
		roleIDs, err := s.resolveRoles(ctx, realmMap, principal, []string{"owned", "unowned"})
		require.NoError(t, err)
		assert.Equal(t, []int{1}, roleIDs)
	})

	t.Run("unknown role names resolve to nothing", func(t *testing.T) {
		roleIDs, err := s.resolveRoles(ctx, realmMap, principal, []string{"ghost"})
		require.NoError(t, err)
		assert.Empty(t, roleIDs)
	})

	t.Run("anonymous callers get no roles even with names", func(t *testing.T) {
		anon := &token.Principal{Anonymous: true}
		roleIDs, err := s.resolveRoles(ctx, realmMap, anon, []string{"owned"})
		require.NoError(t, err)
		assert.Empty(t, roleIDs)
	})
}

func TestResolveRolesWithoutNames(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	realmMap := testRealmMap()

	t.Run("token roles pass through", func(t *testing.T) {
		principal := &token.Principal{ID: 7, RoleIDs: []int{1, 2}}
		roleIDs, err := s.resolveRoles(ctx, realmMap, principal, nil)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, roleIDs)
	})

	t.Run("anonymous has no roles", func(t *testing.T) {
		roleIDs, err := s.resolveRoles(ctx, realmMap, &token.Principal{Anonymous: true}, nil)
		require.NoError(t, err)
		assert.Empty(t, roleIDs)
	})

	t.Run("membership comes from the cache when the token carried none", func(t *testing.T) {
		mr.SAdd("principal_roles:7", "1", "2")
		principal := &token.Principal{ID: 7}
		roleIDs, err := s.resolveRoles(ctx, realmMap, principal, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{1, 2}, roleIDs)
	})
}

func TestResolveRolesNameFilterAgainstCachedMembership(t *testing.T) {
	s, mr := newTestService(t)
	mr.SAdd("principal_roles:7", "1")

	principal := &token.Principal{ID: 7}
	roleIDs, err := s.resolveRoles(context.Background(), testRealmMap(), principal, []string{"owned", "unowned"})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, roleIDs)
}

func TestBatchResolveExternalIDs(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	realmMap := testRealmMap()

	mr.Set("extid:1:10:doc-1", "100")
	mr.Set("extid:1:10:doc-2", "101")

	t.Run("resolves from the cache once per id across items", func(t *testing.T) {
		items := []AccessRequestItem{
			{ActionName: "read", ResourceTypeName: "document", ExternalResourceIDs: []string{"doc-1", "doc-2"}},
			{ActionName: "edit", ResourceTypeName: "document", ExternalResourceIDs: []string{"doc-1"}},
		}
		resolved, err := s.batchResolveExternalIDs(ctx, 1, realmMap, items)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"doc-1": 100, "doc-2": 101}, resolved["document"])
	})

	t.Run("unknown type names are skipped", func(t *testing.T) {
		items := []AccessRequestItem{
			{ActionName: "read", ResourceTypeName: "ghost", ExternalResourceIDs: []string{"doc-1"}},
		}
		resolved, err := s.batchResolveExternalIDs(ctx, 1, realmMap, items)
		require.NoError(t, err)
		assert.Empty(t, resolved)
	})

	t.Run("no external ids means no lookups", func(t *testing.T) {
		items := []AccessRequestItem{{ActionName: "read", ResourceTypeName: "document"}}
		resolved, err := s.batchResolveExternalIDs(ctx, 1, realmMap, items)
		require.NoError(t, err)
		assert.Empty(t, resolved)
	})
}

func TestProcessItemUnknownNames(t *testing.T) {
	s, _ := newTestService(t)

	item := AccessRequestItem{ActionName: "ghost", ResourceTypeName: "document"}
	_, _, err := s.processItem(context.Background(), item, 1, testRealmMap(), 7, nil, "{}", nil)
	assert.ErrorIs(t, err, ErrUnknownNames)
}

func TestProcessItemPublicTypeShortCircuit(t *testing.T) {
	s, _ := newTestService(t)

	item := AccessRequestItem{
		ActionName:          "read",
		ResourceTypeName:    "gallery",
		ExternalResourceIDs: []string{"img-1", "img-2"},
	}
	preresolved := map[string]map[string]int{"gallery": {"img-1": 201}}

	result, entry, err := s.processItem(context.Background(), item, 1, testRealmMap(), 7, nil, "{}", preresolved)
	require.NoError(t, err)

	// Only resources that actually exist are granted, rules never consulted.
	assert.Equal(t, []string{"img-1"}, result.Answer)
	assert.True(t, entry.Decision)
	assert.Equal(t, []string{"img-1"}, entry.ExternalResourceIDs)
}

func TestProcessItemUsesCachedTypeDecision(t *testing.T) {
	s, mr := newTestService(t)
	item := AccessRequestItem{ActionName: "read", ResourceTypeName: "document", ReturnType: ReturnDecision}

	t.Run("cached grant", func(t *testing.T) {
		mr.Set("type_decision:1:7:10:20:none", "1")
		result, entry, err := s.processItem(context.Background(), item, 1, testRealmMap(), 7, nil, "{}", nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Answer)
		assert.True(t, entry.Decision)
	})

	t.Run("cached denial", func(t *testing.T) {
		mr.Set("type_decision:1:7:10:20:none", "0")
		result, _, err := s.processItem(context.Background(), item, 1, testRealmMap(), 7, nil, "{}", nil)
		require.NoError(t, err)
		assert.Equal(t, false, result.Answer)
	})

	t.Run("cache key includes the role set", func(t *testing.T) {
		mr.Set("type_decision:1:7:10:20:1,2", "1")
		result, _, err := s.processItem(context.Background(), item, 1, testRealmMap(), 7, []int{2, 1}, "{}", nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Answer)
	})
}

func TestCheckAccessUnknownRealm(t *testing.T) {
	s, _ := newTestService(t)

	principal := &token.Principal{ID: 7, RoleIDs: []int{}}
	_, err := s.CheckAccess(context.Background(), "ghost", principal, nil, nil, nil)
	assert.ErrorIs(t, err, cache.ErrRealmNotFound)
}

func TestCheckAccessUnknownAction(t *testing.T) {
	s, mr := newTestService(t)
	seedRealm(mr)

	principal := &token.Principal{ID: 7, RoleIDs: []int{}}
	items := []AccessRequestItem{{ActionName: "ghost", ResourceTypeName: "document", ReturnType: ReturnDecision}}
	_, err := s.CheckAccess(context.Background(), "tenant-a", principal, items, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownNames)
}

func TestCheckAccessDecisionFromCache(t *testing.T) {
	s, mr := newTestService(t)
	seedRealm(mr)
	mr.Set("type_decision:1:7:10:20:none", "1")

	principal := &token.Principal{ID: 7, Username: "alice", RealmID: 1, RoleIDs: []int{}}
	items := []AccessRequestItem{{ActionName: "read", ResourceTypeName: "document", ReturnType: ReturnDecision}}

	results, err := s.CheckAccess(context.Background(), "tenant-a", principal, items, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "read", results[0].ActionName)
	assert.Equal(t, true, results[0].Answer)

	queued, err := mr.List(audit.QueueKey)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var entry audit.Entry
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &entry))
	assert.Equal(t, 1, entry.RealmID)
	assert.Equal(t, 7, entry.PrincipalID)
	assert.Equal(t, "read", entry.ActionName)
	assert.True(t, entry.Decision)
}

func TestCheckAccessMultipleItems(t *testing.T) {
	s, mr := newTestService(t)
	seedRealm(mr)
	mr.Set("type_decision:1:7:10:20:none", "1")
	mr.Set("type_decision:1:7:11:21:none", "0")

	principal := &token.Principal{ID: 7, Username: "alice", RealmID: 1, RoleIDs: []int{}}
	items := []AccessRequestItem{
		{ActionName: "read", ResourceTypeName: "document", ReturnType: ReturnDecision},
		{ActionName: "edit", ResourceTypeName: "gallery", ReturnType: ReturnDecision},
	}

	results, err := s.CheckAccess(context.Background(), "tenant-a", principal, items, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, true, results[0].Answer)
	assert.Equal(t, false, results[1].Answer)

	queued, err := mr.List(audit.QueueKey)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestBuildContext(t *testing.T) {
	principal := &token.Principal{
		ID:         7,
		Username:   "alice",
		RealmID:    1,
		Attributes: json.RawMessage(`{"dept": "sales"}`),
	}

	ctxJSON, err := buildContext(principal, map[string]any{"ip": "10.0.0.1"})
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(ctxJSON), &doc))
	assert.Equal(t, "sales", doc["principal"]["dept"])
	assert.Equal(t, float64(7), doc["principal"]["id"])
	assert.Equal(t, "alice", doc["principal"]["username"])
	assert.Equal(t, "10.0.0.1", doc["context"]["ip"])
}
