package enums

// MemberRole is the caller's platform role carried in access tokens.
type MemberRole string

const (
	MemberRoleUser  MemberRole = "user"
	MemberRoleAdmin MemberRole = "admin"
)

var memberRoles = set[MemberRole]{MemberRoleUser, MemberRoleAdmin}

func (m MemberRole) String() string { return string(m) }
func (m MemberRole) IsValid() bool  { return memberRoles.has(m) }

func ParseMemberRole(value string) (MemberRole, error) {
	return memberRoles.parse("member role", value)
}
