package rbac

type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Bypass reports whether the role skips per-resource access checks
// entirely; ownership and membership checks for the rest live in
// room.Guard.
func Bypass(role Role) bool {
	return role == RoleAdmin || role == RoleInstructor
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}
