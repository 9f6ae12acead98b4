package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

const testSecret = "test-secret"

func newTestResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cacheSvc := cache.NewService(nil, database.NewRedisFromClient(client), nil)
	return NewResolver(cacheSvc, testSecret, "HS256", logger.New("token-test", "test")), mr
}

func seedPrincipal(mr *miniredis.Miniredis) {
	mr.Set("principal:42", `{"id":42,"username":"alice","realm_id":1,"attributes":{"dept":"sales"},"role_ids":[3,7]}`)
	mr.Set("principal:1:alice", `{"id":42,"username":"alice","realm_id":1,"attributes":{"dept":"sales"},"role_ids":[3,7]}`)
	mr.HSet("realm:tenant-a", "_id", "1")
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestResolveMissingToken(t *testing.T) {
	r, _ := newTestResolver(t)
	p := r.Resolve(context.Background(), "", "tenant-a")
	assert.True(t, p.Anonymous)
	assert.Equal(t, 0, p.ID)
	assert.Equal(t, AnonymousUsername, p.Username)
	assert.JSONEq(t, `{"is_anonymous": true}`, string(p.Attributes))
}

func TestResolveGarbageToken(t *testing.T) {
	r, _ := newTestResolver(t)
	p := r.Resolve(context.Background(), "not.a.token", "tenant-a")
	assert.True(t, p.Anonymous)
}

func TestResolveNumericSubject(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	tok := signToken(t, jwt.MapClaims{"sub": "42"})
	p := r.Resolve(context.Background(), tok, "")
	assert.False(t, p.Anonymous)
	assert.Equal(t, 42, p.ID)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, []int{3, 7}, p.RoleIDs)
}

func TestResolveUsernameSubject(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	t.Run("preferred_username wins over sub", func(t *testing.T) {
		tok := signToken(t, jwt.MapClaims{
			"sub":                "keycloak-uuid-1234",
			"preferred_username": "alice",
		})
		p := r.Resolve(context.Background(), tok, "tenant-a")
		assert.False(t, p.Anonymous)
		assert.Equal(t, 42, p.ID)
	})

	t.Run("without a realm there is no username lookup", func(t *testing.T) {
		tok := signToken(t, jwt.MapClaims{
			"sub":                "keycloak-uuid-1234",
			"preferred_username": "alice",
		})
		p := r.Resolve(context.Background(), tok, "")
		assert.True(t, p.Anonymous)
	})
}

func TestResolveRealmClaimOverridesHint(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	tok := signToken(t, jwt.MapClaims{
		"sub":                "uuid",
		"preferred_username": "alice",
		"realm":              "tenant-a",
	})
	p := r.Resolve(context.Background(), tok, "some-other-realm")
	assert.False(t, p.Anonymous)
	assert.Equal(t, 42, p.ID)
}

func TestResolveTokenRoles(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	tok := signToken(t, jwt.MapClaims{
		"sub": "42",
		"realm_access": map[string]any{
			"roles": []any{"editor", "viewer"},
		},
		"roles":  []any{"auditor"},
		"groups": []any{"/admin", "/ops/oncall"},
	})
	p := r.Resolve(context.Background(), tok, "")
	assert.False(t, p.Anonymous)
	assert.ElementsMatch(t, []string{"editor", "viewer", "auditor", "admin", "ops/oncall"}, p.TokenRoles)
}

func TestResolveExpiredToken(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	tok := signToken(t, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	p := r.Resolve(context.Background(), tok, "")
	assert.True(t, p.Anonymous)
}

func TestResolveWrongSecret(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	p := r.Resolve(context.Background(), signed, "")
	assert.True(t, p.Anonymous)
}

func TestResolveUnknownPrincipal(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.HSet("realm:tenant-a", "_id", "1")
	// Principal 99 is not cached and there is no database behind this
	// resolver, so the lookup comes back empty.
	tok := signToken(t, jwt.MapClaims{"sub": "99"})

	p := r.Resolve(context.Background(), tok, "")
	assert.True(t, p.Anonymous)
}

func TestIssueToken(t *testing.T) {
	r, mr := newTestResolver(t)
	seedPrincipal(mr)

	tok, err := r.IssueToken(map[string]any{"sub": "42"}, time.Minute)
	require.NoError(t, err)

	p := r.Resolve(context.Background(), tok, "")
	assert.Equal(t, 42, p.ID)
}

func TestNormalizePublicKey(t *testing.T) {
	wrapped := normalizePublicKey("MIIBIjANBg")
	assert.Contains(t, wrapped, "-----BEGIN PUBLIC KEY-----\nMIIBIjANBg\n-----END PUBLIC KEY-----")

	already := "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----"
	assert.Equal(t, already, normalizePublicKey(already))
}
