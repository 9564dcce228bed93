package identity

import (
	"context"
	"errors"
)

// Role names a principal's function within the store organisation.
type Role string

const (
	RoleOperator     Role = "operator"
	RoleStoreManager Role = "store_manager"
	RoleAdmin        Role = "admin"
)

var (
	// ErrInvalidToken signals the principal could not be resolved to a role.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrUnknownPrincipal is returned by the static resolver for unmapped ids.
	ErrUnknownPrincipal = errors.New("identity: unknown principal")
)

// Resolver maps an acting principal to its role. The engine consults it
// before accepting any approval decision; it never caches the answer.
type Resolver interface {
	CurrentRole(ctx context.Context, principal string) (Role, error)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleStoreManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// Static resolves principals from a fixed map. Useful for tests and hosts
// that resolve roles out of band.
type Static map[string]Role

func (s Static) CurrentRole(_ context.Context, principal string) (Role, error) {
	role, ok := s[principal]
	if !ok {
		return "", ErrUnknownPrincipal
	}
	return role, nil
}
