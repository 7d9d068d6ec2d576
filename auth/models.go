package auth

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is an already-authenticated caller of the escrow engine. Whether an
// actor is the seller or buyer of a transaction is a relationship checked by
// the engine, not a role.
type Actor struct {
	ID   string
	Role Role
}

// User returns an actor with the plain user role.
func User(id string) Actor {
	return Actor{ID: id, Role: RoleUser}
}

// Admin returns an actor holding the admin capability.
func Admin(id string) Actor {
	return Actor{ID: id, Role: RoleAdmin}
}

// IsAdmin reports whether the actor may arbitrate disputes and review slips.
func (a Actor) IsAdmin() bool {
	return a.ID != "" && a.Role == RoleAdmin
}

// Valid reports whether the actor carries an identity and a known role.
func (a Actor) Valid() bool {
	return a.ID != "" && isValidRole(a.Role)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}
