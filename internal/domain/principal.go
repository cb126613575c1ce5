package domain

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOrganizer Role = "organizer"
	RoleBuyer     Role = "buyer"
	RolePayout    Role = "payout"
	RoleGateway   Role = "gateway"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOrganizer, RoleBuyer, RolePayout, RoleGateway:
		return true
	}
	return false
}

// Principal is the caller identity supplied by the upstream identity service.
// It is trusted as given.
type Principal struct {
	ID   string
	Role Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanManage reports whether p may change configuration of an event owned by organizerID.
func (p Principal) CanManage(organizerID string) bool {
	return p.IsAdmin() || (p.Role == RoleOrganizer && p.ID == organizerID)
}
