// Package token resolves bearer tokens to principals.
//
// Verification keys are per realm: a realm with an identity provider
// configuration carries its public key and algorithm in the realm map, other
// realms fall back to the service-wide HMAC secret. Any failure along the way
// resolves to the anonymous principal rather than an error; authorization
// decides what anonymous may do.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/realmgate/realmgate/internal/cache"
	"github.com/realmgate/realmgate/pkg/logger"
)

// AnonymousUsername is the reserved username of the anonymous principal
const AnonymousUsername = "anonymous"

// Principal is the resolved identity attached to a request
type Principal struct {
	ID         int
	Username   string
	RealmID    int
	Attributes json.RawMessage
	RoleIDs []int
	// TokenRoles carries the provider role names found in the token claims.
	// They are kept for reference only: authorization decisions use the
	// database-assigned RoleIDs, and these names are intentionally never
	// merged into them.
	TokenRoles []string
	Anonymous  bool
}

// Anonymous returns the anonymous principal
func Anonymous() *Principal {
	return &Principal{
		ID:         0,
		Username:   AnonymousUsername,
		RealmID:    0,
		Attributes: json.RawMessage(`{"is_anonymous": true}`),
		Anonymous:  true,
	}
}

// Resolver verifies bearer tokens and resolves them to principals
type Resolver struct {
	cache     *cache.Service
	secretKey string
	algorithm string
	logger    *logger.Logger
}

// NewResolver creates a token resolver. secretKey and algorithm are the
// service-wide fallback for realms without their own verification key.
func NewResolver(cacheService *cache.Service, secretKey, algorithm string, logger *logger.Logger) *Resolver {
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &Resolver{
		cache:     cacheService,
		secretKey: secretKey,
		algorithm: algorithm,
		logger:    logger,
	}
}

// IssueToken creates a signed token with the service-wide secret. Used by
// tests and local setups without an external identity provider.
func (r *Resolver) IssueToken(claims map[string]any, lifetime time.Duration) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	if lifetime <= 0 {
		lifetime = 15 * time.Minute
	}
	mapClaims["exp"] = time.Now().Add(lifetime).Unix()

	method := jwt.GetSigningMethod(r.algorithm)
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", r.algorithm)
	}
	return jwt.NewWithClaims(method, mapClaims).SignedString([]byte(r.secretKey))
}

// Resolve verifies a bearer token and returns the matching principal.
// realmHint names the realm the caller claims to operate in; a realm claim
// inside the token takes precedence. Missing, invalid, or unmatchable tokens
// resolve to the anonymous principal.
func (r *Resolver) Resolve(ctx context.Context, rawToken, realmHint string) *Principal {
	if rawToken == "" {
		return Anonymous()
	}

	verifyKey := r.secretKey
	verifyAlgo := r.algorithm
	realmID := 0

	if realmHint != "" {
		if realmMap, err := r.cache.GetRealmMap(ctx, realmHint); err == nil {
			if id, idErr := realmMap.RealmID(); idErr == nil {
				realmID = id
			}
			if pk := realmMap.PublicKey(); pk != "" {
				verifyKey = normalizePublicKey(pk)
			}
			if algo := realmMap.Algorithm(); algo != "" {
				verifyAlgo = algo
			}
		}
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey(verifyKey, verifyAlgo)
	}, jwt.WithValidMethods([]string{verifyAlgo}))
	if err != nil || !parsed.Valid {
		if r.logger != nil {
			r.logger.Debugf("Token verification failed: %v", err)
		}
		return Anonymous()
	}

	// A realm claim in the token overrides the caller's hint
	if tokenRealm, _ := claims["realm"].(string); tokenRealm != "" {
		if realmMap, mapErr := r.cache.GetRealmMap(ctx, tokenRealm); mapErr == nil {
			if id, idErr := realmMap.RealmID(); idErr == nil {
				realmID = id
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Anonymous()
	}

	var cached *cache.Principal
	if principalID, convErr := strconv.Atoi(sub); convErr == nil {
		cached, _ = r.cache.GetPrincipalByID(ctx, principalID)
	} else if realmID != 0 {
		username := sub
		if preferred, _ := claims["preferred_username"].(string); preferred != "" {
			username = preferred
		}
		cached, _ = r.cache.GetPrincipalByUsername(ctx, realmID, username)
	}
	if cached == nil {
		return Anonymous()
	}

	return &Principal{
		ID:         cached.ID,
		Username:   cached.Username,
		RealmID:    cached.RealmID,
		Attributes: cached.Attributes,
		RoleIDs:    cached.RoleIDs,
		TokenRoles: extractTokenRoles(claims),
	}
}

// extractTokenRoles collects role names from the claim shapes identity
// providers emit: realm_access.roles, a top-level roles array, and group
// paths.
func extractTokenRoles(claims jwt.MapClaims) []string {
	seen := map[string]bool{}
	var roles []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			roles = append(roles, name)
		}
	}

	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		for _, role := range toStringSlice(realmAccess["roles"]) {
			add(role)
		}
	}
	for _, role := range toStringSlice(claims["roles"]) {
		add(role)
	}
	for _, group := range toStringSlice(claims["groups"]) {
		add(strings.TrimLeft(group, "/"))
	}
	return roles
}

func toStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// normalizePublicKey wraps a bare base64 key in PEM armor. Identity
// providers expose the realm key without headers.
func normalizePublicKey(key string) string {
	if strings.Contains(key, "-----BEGIN PUBLIC KEY-----") {
		return key
	}
	return "-----BEGIN PUBLIC KEY-----\n" + key + "\n-----END PUBLIC KEY-----"
}

func signingKey(verifyKey, algorithm string) (interface{}, error) {
	switch {
	case strings.HasPrefix(algorithm, "HS"):
		return []byte(verifyKey), nil
	case strings.HasPrefix(algorithm, "RS"), strings.HasPrefix(algorithm, "PS"):
		return jwt.ParseRSAPublicKeyFromPEM([]byte(verifyKey))
	case strings.HasPrefix(algorithm, "ES"):
		return jwt.ParseECPublicKeyFromPEM([]byte(verifyKey))
	case algorithm == "EdDSA":
		return jwt.ParseEdPublicKeyFromPEM([]byte(verifyKey))
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
}
