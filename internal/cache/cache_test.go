package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	svc := NewService(nil, database.NewRedisFromClient(client), logger.New("cache-test", "test"))
	return svc, mr
}

func TestRealmMapLookups(t *testing.T) {
	m := RealmMap{
		"_id":                "7",
		"_public_key":        "PEMDATA",
		"_algorithm":         "RS256",
		"action:read":        "1",
		"action:write":       "2",
		"type:document":      "3",
		"type_public:document": "false",
		"type:landmark":      "4",
		"type_public:landmark": "true",
		"role:editor":        "9",
	}

	id, err := m.RealmID()
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.Equal(t, "PEMDATA", m.PublicKey())
	assert.Equal(t, "RS256", m.Algorithm())

	actionID, ok := m.ActionID("read")
	assert.True(t, ok)
	assert.Equal(t, 1, actionID)

	_, ok = m.ActionID("delete")
	assert.False(t, ok)

	typeID, ok := m.TypeID("document")
	assert.True(t, ok)
	assert.Equal(t, 3, typeID)

	assert.False(t, m.TypeIsPublic("document"))
	assert.True(t, m.TypeIsPublic("landmark"))

	roleID, ok := m.RoleID("editor")
	assert.True(t, ok)
	assert.Equal(t, 9, roleID)

	_, ok = m.RoleID("ghost")
	assert.False(t, ok)

	assert.Equal(t, []string{"read", "write"}, m.ActionNames())
}

func TestRealmMapMissingID(t *testing.T) {
	_, err := RealmMap{}.RealmID()
	assert.Error(t, err)
}

func TestGetRealmMapCacheHit(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.HSet("realm:tenant-a", "_id", "5", "action:read", "1")

	m, err := svc.GetRealmMap(ctx, "tenant-a")
	require.NoError(t, err)
	id, err := m.RealmID()
	require.NoError(t, err)
	assert.Equal(t, 5, id)
}

func TestInvalidateRealm(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.HSet("realm:tenant-a", "_id", "5")
	require.NoError(t, svc.InvalidateRealm(ctx, "tenant-a"))
	assert.False(t, mr.Exists("realm:tenant-a"))
}

func TestGetPrincipalRoles(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	t.Run("anonymous principal has no roles", func(t *testing.T) {
		roles, err := svc.GetPrincipalRoles(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, roles)
	})

	t.Run("cached membership", func(t *testing.T) {
		mr.SAdd("principal_roles:42", "3", "7")
		roles, err := svc.GetPrincipalRoles(ctx, 42)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{3, 7}, roles)
	})

	t.Run("empty sentinel means no roles without a database trip", func(t *testing.T) {
		mr.SAdd("principal_roles:43", "__empty__")
		roles, err := svc.GetPrincipalRoles(ctx, 43)
		require.NoError(t, err)
		assert.Empty(t, roles)
	})
}

func TestGetPrincipalCacheHit(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.Set("principal:42", `{"id":42,"username":"alice","realm_id":1,"attributes":{"dept":"sales"},"role_ids":[3]}`)

	p, err := svc.GetPrincipalByID(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, 1, p.RealmID)
	assert.Equal(t, []int{3}, p.RoleIDs)

	mr.Set("principal:1:alice", `{"id":42,"username":"alice","realm_id":1,"attributes":{},"role_ids":[]}`)
	p, err = svc.GetPrincipalByUsername(ctx, 1, "alice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 42, p.ID)
}

func TestInvalidatePrincipal(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.Set("principal:42", "{}")
	mr.Set("principal:1:alice", "{}")
	mr.SAdd("principal_roles:42", "3")

	require.NoError(t, svc.InvalidatePrincipal(ctx, 42, 1, "alice"))
	assert.False(t, mr.Exists("principal:42"))
	assert.False(t, mr.Exists("principal:1:alice"))
	assert.False(t, mr.Exists("principal_roles:42"))
}

func TestInvalidateAllPrincipals(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.Set("principal:1", "{}")
	mr.Set("principal:2", "{}")
	mr.SAdd("principal_roles:1", "3")
	mr.Set("realm:tenant-a", "keepme")

	require.NoError(t, svc.InvalidateAllPrincipals(ctx))
	assert.False(t, mr.Exists("principal:1"))
	assert.False(t, mr.Exists("principal:2"))
	assert.False(t, mr.Exists("principal_roles:1"))
	assert.True(t, mr.Exists("realm:tenant-a"))
}

func TestExternalIDMappings(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("batch set then get", func(t *testing.T) {
		require.NoError(t, svc.SetExternalIDMappingsBatch(ctx, 1, 2, map[string]int{
			"doc-a": 100,
			"doc-b": 200,
		}))

		mapping, err := svc.GetExternalIDMappingsBatch(ctx, 1, 2, []string{"doc-a", "doc-b", "doc-missing"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"doc-a": 100, "doc-b": 200}, mapping)
	})

	t.Run("negative sentinel is not a resolution", func(t *testing.T) {
		require.NoError(t, svc.SetExternalIDMissing(ctx, 1, 2, "doc-gone"))

		_, found := svc.GetExternalIDMapping(ctx, 1, 2, "doc-gone")
		assert.False(t, found)

		mapping, err := svc.GetExternalIDMappingsBatch(ctx, 1, 2, []string{"doc-gone"})
		require.NoError(t, err)
		assert.Empty(t, mapping)
	})

	t.Run("single get", func(t *testing.T) {
		id, found := svc.GetExternalIDMapping(ctx, 1, 2, "doc-a")
		assert.True(t, found)
		assert.Equal(t, 100, id)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		mapping, err := svc.GetExternalIDMappingsBatch(ctx, 1, 2, nil)
		require.NoError(t, err)
		assert.Empty(t, mapping)
		require.NoError(t, svc.SetExternalIDMappingsBatch(ctx, 1, 2, nil))
	})

	t.Run("invalidate single and by type", func(t *testing.T) {
		require.NoError(t, svc.InvalidateExternalID(ctx, 1, 2, "doc-a"))
		_, found := svc.GetExternalIDMapping(ctx, 1, 2, "doc-a")
		assert.False(t, found)

		require.NoError(t, svc.InvalidateExternalIDsForType(ctx, 1, 2))
		_, found = svc.GetExternalIDMapping(ctx, 1, 2, "doc-b")
		assert.False(t, found)
	})
}

func TestTypeLevelDecisions(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	t.Run("miss before set", func(t *testing.T) {
		_, found := svc.GetTypeLevelDecision(ctx, 1, 42, 2, 3, []int{5, 4})
		assert.False(t, found)
	})

	t.Run("roundtrip with sorted role key", func(t *testing.T) {
		require.NoError(t, svc.SetTypeLevelDecision(ctx, 1, 42, 2, 3, []int{5, 4}, true))

		// Role order must not change the key
		decision, found := svc.GetTypeLevelDecision(ctx, 1, 42, 2, 3, []int{4, 5})
		assert.True(t, found)
		assert.True(t, decision)

		assert.True(t, mr.Exists("type_decision:1:42:2:3:4,5"))
	})

	t.Run("deny decisions are cached too", func(t *testing.T) {
		require.NoError(t, svc.SetTypeLevelDecision(ctx, 1, 42, 2, 9, nil, false))
		decision, found := svc.GetTypeLevelDecision(ctx, 1, 42, 2, 9, nil)
		assert.True(t, found)
		assert.False(t, decision)
		assert.True(t, mr.Exists("type_decision:1:42:2:9:none"))
	})

	t.Run("short lifetime", func(t *testing.T) {
		require.NoError(t, svc.SetTypeLevelDecision(ctx, 1, 7, 2, 3, nil, true))
		mr.FastForward(6 * time.Minute)
		_, found := svc.GetTypeLevelDecision(ctx, 1, 7, 2, 3, nil)
		assert.False(t, found)
	})

	t.Run("invalidation scopes", func(t *testing.T) {
		require.NoError(t, svc.SetTypeLevelDecision(ctx, 1, 42, 2, 3, nil, true))
		require.NoError(t, svc.SetTypeLevelDecision(ctx, 1, 43, 2, 3, nil, true))
		require.NoError(t, svc.SetTypeLevelDecision(ctx, 1, 43, 6, 3, nil, true))

		require.NoError(t, svc.InvalidateTypeDecisionsForPrincipal(ctx, 1, 42))
		_, found := svc.GetTypeLevelDecision(ctx, 1, 42, 2, 3, nil)
		assert.False(t, found)
		_, found = svc.GetTypeLevelDecision(ctx, 1, 43, 2, 3, nil)
		assert.True(t, found)

		require.NoError(t, svc.InvalidateTypeDecisionsForType(ctx, 1, 2))
		_, found = svc.GetTypeLevelDecision(ctx, 1, 43, 2, 3, nil)
		assert.False(t, found)
		_, found = svc.GetTypeLevelDecision(ctx, 1, 43, 6, 3, nil)
		assert.True(t, found)

		require.NoError(t, svc.InvalidateAllTypeDecisions(ctx, 1))
		_, found = svc.GetTypeLevelDecision(ctx, 1, 43, 6, 3, nil)
		assert.False(t, found)
	})
}
