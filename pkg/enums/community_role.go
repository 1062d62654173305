package enums

// CommunityRole is the caller's role in the community carried by their token.
type CommunityRole string

const (
	CommunityRoleOwner  CommunityRole = "owner"
	CommunityRoleAdmin  CommunityRole = "admin"
	CommunityRoleMember CommunityRole = "member"
)

var communityRoles = set[CommunityRole]{CommunityRoleOwner, CommunityRoleAdmin, CommunityRoleMember}

func (c CommunityRole) String() string { return string(c) }

func (c CommunityRole) IsValid() bool { return communityRoles.has(c) }

// CanManageBilling reports whether the role may configure the community's
// merchant account, plans and revenue split.
func (c CommunityRole) CanManageBilling() bool {
	return c == CommunityRoleOwner || c == CommunityRoleAdmin
}

func ParseCommunityRole(value string) (CommunityRole, error) {
	return communityRoles.parse("community role", value)
}
