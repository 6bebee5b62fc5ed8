package auth

import "strings"

// Role is the access level carried in a token's role claim.
type Role string

// Farm roles, lowest first. A viewer watches live values, history and
// alerts. An operator also drives actuators, reconciles or pauses devices
// and dismisses alerts. An admin also registers, removes and provisions
// devices.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a claim value onto a known role, ignoring case and
// surrounding spaces.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role may act where required is needed.
// Unknown roles satisfy nothing.
func RoleAtLeast(role Role, required Role) bool {
	rank, ok := roleRanks[role]
	return ok && rank >= roleRanks[required]
}
