package domain

// Role orders the permissions a user holds within a tenant.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r.rank() > 0 && r.rank() >= min.rank()
}

// Principal is the authenticated caller of a management operation.
type Principal struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
}

// Can reports whether p may act with role min inside tenantID.
func (p Principal) Can(tenantID string, min Role) bool {
	return p.TenantID != "" && p.TenantID == tenantID && p.Role.AtLeast(min)
}

func (p Principal) Actor() *Actor {
	return &Actor{ID: p.UserID, Name: p.Name}
}
