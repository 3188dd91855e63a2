package auth

// Role names are fixed at three tiers. Unknown roles carry no
// permissions at all.
const (
	RoleAdmin     = "admin"
	RoleEvaluator = "evaluator"
	RoleViewer    = "viewer"
)

// PermissionWildcard grants everything.
const PermissionWildcard = "*"

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermissionWildcard,
		"create:project", "read:project", "update:project", "delete:project",
		"create:test_case", "read:test_case", "update:test_case", "delete:test_case",
		"create:evaluation", "read:evaluation", "update:evaluation", "delete:evaluation",
		"manage:users", "manage:system",
	},
	RoleEvaluator: {
		"create:project", "read:project", "update:project",
		"create:test_case", "read:test_case", "update:test_case",
		"create:evaluation", "read:evaluation", "update:evaluation",
		"websocket:connect",
	},
	RoleViewer: {
		"read:project", "read:test_case", "read:evaluation",
		"websocket:connect",
	},
}

// RolePermissions returns the base permission list for a role.
func RolePermissions(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// EffectivePermissions combines a user's role permissions with any
// extra grants carried on the user record.
func EffectivePermissions(role string, extra []string) []string {
	perms := RolePermissions(role)
	return append(perms, extra...)
}

// HasPermission is a set-membership test with wildcard support.
func HasPermission(perms []string, required string) bool {
	for _, p := range perms {
		if p == required || p == PermissionWildcard {
			return true
		}
	}
	return false
}
