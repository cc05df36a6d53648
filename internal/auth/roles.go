package auth

// Role represents a desk role carried in the token.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleCreator  Role = "creator"
	RolePayer    Role = "payer"
	RoleCombined Role = "combined"
	RoleAdmin    Role = "admin"

	// RoleOperator is a policy requirement met by any role that can act on
	// orders. Finer checks happen in the transition guard.
	RoleOperator Role = "operator"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleViewer, RoleCreator, RolePayer, RoleCombined, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleSatisfies returns true when role meets the required role. Creator and
// payer are not ordered relative to each other; combined holds both.
func RoleSatisfies(role Role, required Role) bool {
	switch required {
	case RoleViewer:
		_, ok := NormalizeRole(string(role))
		return ok
	case RoleOperator:
		return role == RoleCreator || role == RolePayer || role == RoleCombined || role == RoleAdmin
	case RoleCreator, RolePayer:
		return role == required || role == RoleCombined || role == RoleAdmin
	case RoleCombined:
		return role == RoleCombined || role == RoleAdmin
	case RoleAdmin:
		return role == RoleAdmin
	default:
		return false
	}
}
