package rbac

// Role names. Keep these stable; they are stored in operator accounts and tokens.
const (
	// RoleAdmin may do everything, including the endpoints no other role is listed for.
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}
