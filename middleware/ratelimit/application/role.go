package application

import "admission-gateway/middleware/ratelimit/domain"

// AdjustCap escala a cota base pelo papel do chamador:
// admin ×2, moderator ×1.5 (arredondado para baixo), demais ×1.
//
// É uma função pura; o ajuste é recalculado a cada avaliação de estágio.
func AdjustCap(base int, role domain.Role) int {
	switch role {
	case domain.RoleAdmin:
		return base * 2
	case domain.RoleModerator:
		return base * 3 / 2
	default:
		return base
	}
}
