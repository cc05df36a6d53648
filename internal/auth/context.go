package auth

import "context"

// Identity is the verified caller of a request.
type Identity struct {
	DeskID  string
	Role    Role
	Subject string
}

type identityKey struct{}

// WithIdentity stores the caller on ctx.
func WithIdentity(ctx context.Context, deskID string, role Role, subject string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{DeskID: deskID, Role: role, Subject: subject})
}

// IdentityFromContext returns the caller stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// DeskIDFromContext returns the caller's desk, or "".
func DeskIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.DeskID
}

// RoleFromContext returns the caller's role. Unknown roles read as "".
func RoleFromContext(ctx context.Context) Role {
	id, _ := IdentityFromContext(ctx)
	if role, ok := NormalizeRole(string(id.Role)); ok {
		return role
	}
	return ""
}

// SubjectFromContext returns the caller's user id, or "".
func SubjectFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Subject
}
