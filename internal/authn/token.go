package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asyncgate/asyncgate/internal/principal"
)

// Claims carries the tagged-union Principal fields directly, rather
// than the teacher's Type()/ID()-method interface: AsyncGate's
// Principal is a plain struct (spec.md §3 "explicitly not a type
// hierarchy"), so there is nothing to dispatch on here.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string          `json:"tenant_id"`
	Kind     principal.Kind  `json:"kind"`
}

// TokenManager signs and validates bearer tokens that resolve to a
// (tenant, Principal) pair.
type TokenManager struct {
	keys   KeySet
	issuer string
}

func NewTokenManager(keys KeySet, issuer string) *TokenManager {
	return &TokenManager{keys: keys, issuer: issuer}
}

// IssueToken signs a token for p, scoped to tenantID, valid for ttl.
func (tm *TokenManager) IssueToken(ctx context.Context, tenantID string, p principal.Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{"asyncgate"},
		},
		TenantID: tenantID,
		Kind:     p.Kind,
	}
	return tm.keys.Sign(ctx, claims)
}

// Authenticate parses and validates a bearer token, returning the
// tenant and Principal it resolves to.
func (tm *TokenManager) Authenticate(tokenString string) (tenantID string, p principal.Principal, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keys.KeyFunc(),
		jwt.WithAudience("asyncgate"))
	if err != nil {
		return "", principal.Principal{}, fmt.Errorf("authn: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", principal.Principal{}, jwt.ErrTokenSignatureInvalid
	}

	p, err = principal.New(claims.Kind, claims.Subject)
	if err != nil {
		return "", principal.Principal{}, fmt.Errorf("authn: %w", err)
	}
	return claims.TenantID, p, nil
}
