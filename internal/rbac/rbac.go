// Package rbac maps a member's global role to the capabilities the
// transition engine cares about. Policy lives in the table, not in
// scattered conditionals, so a carve-out like the webmaster's widget
// exclusion is a data change.
package rbac

type Role string

const (
	RolePresident     Role = "president"
	RoleVPActivities  Role = "vp-activities"
	RolePastPresident Role = "past-president"
	RoleWebmaster     Role = "webmaster"
	RoleAdmin         Role = "admin"
	RoleMember        Role = "member"
)

type Capabilities struct {
	MayApprovePresident bool
	MayApproveVP        bool
	MaySeeWidget        bool
	MayManagePlans      bool
	MayOversee          bool
}

// The webmaster is deliberately excluded from the widget despite having
// broad site access.
var table = map[Role]Capabilities{
	RolePresident:     {MayApprovePresident: true, MaySeeWidget: true, MayManagePlans: true},
	RoleVPActivities:  {MayApproveVP: true},
	RolePastPresident: {MaySeeWidget: true},
	RoleWebmaster:     {},
	RoleAdmin:         {MayManagePlans: true, MayOversee: true},
	RoleMember:        {},
}

func For(role Role) Capabilities {
	return table[role]
}

func Normalize(role string) Role {
	switch Role(role) {
	case RolePresident, RoleVPActivities, RolePastPresident, RoleWebmaster, RoleAdmin, RoleMember:
		return Role(role)
	default:
		return RoleMember
	}
}
