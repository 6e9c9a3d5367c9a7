package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCaller  = "caller"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// CanSeeAllCalls reports whether role may read or act on calls owned by
// other agents.
func CanSeeAllCalls(role string) bool {
	return role == RoleAdmin || role == RoleManager
}

// CanActOnCall reports whether userID with role may act on a call owned by ownerID.
func CanActOnCall(role, userID, ownerID string) bool {
	return CanSeeAllCalls(role) || (userID != "" && userID == ownerID)
}
