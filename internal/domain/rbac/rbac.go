// Пакет rbac — определение роли пользователя по данным IdP.
// Роль admin управляет очередью, доступом и обслуживанием досок;
// роль user работает только с досками, выданными ему в журнале доступа.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var roleWeight = map[string]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Неизвестные роли игнорируются; для пустого набора — RoleUser.
func HighestRole(roles []string) string {
	highest := RoleUser
	for _, r := range roles {
		if IsValidRole(r) {
			highest = maxRole(highest, r)
		}
	}
	return highest
}

// ResolveRole определяет роль по ролям realm и группам IdP.
// Группа из adminGroups даёт роль admin.
func ResolveRole(realmRoles, groups, adminGroups []string) string {
	candidates := append([]string(nil), realmRoles...)

	adminSet := toSet(adminGroups)
	for _, g := range groups {
		if adminSet[g] {
			candidates = append(candidates, RoleAdmin)
		}
	}
	return HighestRole(candidates)
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
