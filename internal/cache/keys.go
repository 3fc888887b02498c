package cache

const (
	userRolesPrefix       = "user-roles:"
	rolePermissionsPrefix = "role-permissions:"
	permissionExistsKey   = "permission-exists:"
)

func UserRolesKey(userID string) string {
	return userRolesPrefix + userID
}

func RolePermissionsKey(roleID string) string {
	return rolePermissionsPrefix + roleID
}

func PermissionExistsKey(name string) string {
	return permissionExistsKey + name
}
