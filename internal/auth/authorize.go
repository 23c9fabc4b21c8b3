package auth

import (
	"context"
	"strings"

	"tenderbase.org/internal/obs"
)

// TenantMarker in a required-permission list demands a tenant header on the
// request. Markers are filtered out before the capability check.
const TenantMarker = "Tenant"

const selfAccessPrefix = "Me:"

// Resolver decides allow/deny for a verified identity against an endpoint's
// required permissions. Every denial is ErrForbidden, including unknown
// users and lookup failures, so callers cannot probe for existence.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Authorize resolves the caller's permission set and applies, in order: the
// empty-requirement fast path, the tenant-header check, the system-admin
// bypass, the self-access bypass, and finally the tenant-plus-capability
// rule. The permission list is ordered by convention: the primary capability
// comes first, auxiliary markers are filtered out before the check.
func (r *Resolver) Authorize(ctx context.Context, userID string, required []string, tenantID, path string) (Identity, error) {
	user, err := r.store.Users().Find(ctx, userID)
	if err != nil {
		return r.deny()
	}

	if len(required) == 0 {
		return Identity{
			UserID:   user.ID,
			Name:     user.Name,
			TenantID: user.TenantID,
		}, nil
	}

	tenantRequired := false
	selfAccessAllowed := false
	primary := ""
	for _, perm := range required {
		switch {
		case perm == TenantMarker:
			tenantRequired = true
		case strings.HasPrefix(perm, selfAccessPrefix):
			selfAccessAllowed = true
		case primary == "":
			primary = perm
		}
	}

	if tenantRequired && strings.TrimSpace(tenantID) == "" {
		return r.deny()
	}

	role, err := r.store.Roles().Find(ctx, user.RoleID)
	if err != nil {
		return r.deny()
	}
	perms, err := r.store.Roles().Permissions(ctx, role.ID)
	if err != nil {
		return r.deny()
	}

	identity := Identity{
		UserID:      user.ID,
		Name:        user.Name,
		TenantID:    user.TenantID,
		Permissions: perms,
		IsManager:   role.Name == ManagerRoleName,
	}
	for _, p := range perms {
		if p == SystemAdminPermission {
			identity.IsSystemAdmin = true
		}
	}

	// System admins bypass tenant and permission checks entirely.
	if identity.IsSystemAdmin {
		return identity, nil
	}

	// Self-access: the endpoint allows a Me:* permission and the path's
	// subject is the caller. The tenant check above has already run.
	if selfAccessAllowed && pathSubject(path) == user.ID {
		return identity, nil
	}

	if user.TenantID != tenantID {
		return r.deny()
	}
	if primary == "" || !contains(perms, primary) {
		return r.deny()
	}
	return identity, nil
}

func (r *Resolver) deny() (Identity, error) {
	obs.ObserveAuthorizationDenied()
	return Identity{}, ErrForbidden
}

// pathSubject returns the trailing path segment, the convention for
// subject-scoped endpoints like /v1/users/{id}.
func pathSubject(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
