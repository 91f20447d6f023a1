// Package guard holds the authorization gates applied to a request after
// its credential has been verified. Gates only decide; they never change
// the resource being accessed.
package guard

import (
	"context"
	"fmt"
	"slices"

	"github.com/y1jeong/perfdesign/apperror"
)

var (
	ErrUnauthenticated  = apperror.Authentication("UNAUTHENTICATED", "authentication required")
	ErrForbidden        = apperror.Authorization("FORBIDDEN", "insufficient permissions")
	ErrNotOwner         = apperror.Authorization("NOT_RESOURCE_OWNER", "access denied to this resource")
	ErrEmailNotVerified = apperror.Authorization("EMAIL_NOT_VERIFIED", "email verification required")
)

// Principal is the verified identity attached to a request.
type Principal struct {
	ID       string
	Email    string
	Role     string
	Verified bool
}

// Request is what the gates look at: the caller and the resource
// identifiers it names.
type Request struct {
	Principal *Principal
	Params    map[string]string
	Body      map[string]any
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

func RequireAuthenticated(req Request) error {
	if req.Principal == nil || req.Principal.ID == "" {
		return ErrUnauthenticated
	}
	return nil
}

// RequireRole passes when the caller holds one of roles. An empty list
// admits any authenticated caller.
func RequireRole(req Request, roles ...string) error {
	if err := RequireAuthenticated(req); err != nil {
		return err
	}
	if len(roles) == 0 || slices.Contains(roles, req.Principal.Role) {
		return nil
	}
	return ErrForbidden.WithDetails(map[string]any{"required": roles})
}

// RequireOwnership passes only when the identifier named field, taken from
// the route params first and the body second, equals the caller's id.
func RequireOwnership(req Request, field string) error {
	if err := RequireAuthenticated(req); err != nil {
		return err
	}
	resourceID, ok := lookup(req, field)
	if !ok || resourceID != req.Principal.ID {
		return ErrNotOwner
	}
	return nil
}

func RequireVerifiedEmail(req Request) error {
	if err := RequireAuthenticated(req); err != nil {
		return err
	}
	if !req.Principal.Verified {
		return ErrEmailNotVerified
	}
	return nil
}

func lookup(req Request, field string) (string, bool) {
	if v, ok := req.Params[field]; ok && v != "" {
		return v, true
	}
	raw, ok := req.Body[field]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, v != ""
	case interface{ Hex() string }:
		return v.Hex(), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}
