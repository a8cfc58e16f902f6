package app

import (
	"context"

	"lodestar/api/internal/auth"
	"lodestar/api/internal/rbac"
)

// Principal is the authenticated caller. Orgs maps organization id to the
// caller's role in it.
type Principal struct {
	UserID string
	Name   string
	Orgs   map[string]string
}

// RoleIn returns the normalized role and whether the caller belongs to orgID.
func (p Principal) RoleIn(orgID string) (rbac.Role, bool) {
	role, ok := p.Orgs[orgID]
	if !ok {
		return "", false
	}
	return rbac.Normalize(role), true
}

// SessionResolver turns a bearer token into a Principal. Implementations
// return auth.ErrInvalidToken or auth.ErrExpiredToken for rejected tokens.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// TokenResolver verifies HMAC tokens issued by auth.IssueToken.
type TokenResolver struct {
	secret []byte
}

func NewTokenResolver(secret string) *TokenResolver {
	return &TokenResolver{secret: []byte(secret)}
}

func (r *TokenResolver) Resolve(_ context.Context, token string) (Principal, error) {
	claims, err := auth.ParseToken(r.secret, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Sub, Name: claims.Name, Orgs: claims.Orgs}, nil
}
