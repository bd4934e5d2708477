package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

func IsOwner(role string) bool { return role == RoleOwner }
