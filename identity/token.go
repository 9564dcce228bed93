package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenResolver extracts the role claim from an HMAC-signed JWT. The token
// itself is issued by the external authentication system; this resolver
// only verifies the signature and reads the claims.
type TokenResolver struct {
	secret []byte
}

func NewTokenResolver(secret string) *TokenResolver {
	return &TokenResolver{secret: []byte(secret)}
}

// CurrentRole parses the principal as a JWT and returns its role claim.
func (r *TokenResolver) CurrentRole(_ context.Context, principal string) (Role, error) {
	token, err := jwt.Parse(principal, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("identity: parse token: %w", ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", fmt.Errorf("identity: missing role claim: %w", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", fmt.Errorf("identity: unknown role %q: %w", roleStr, ErrInvalidToken)
	}
	return role, nil
}
