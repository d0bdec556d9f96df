package auth

import (
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/logger"
)

// Mode 管理端认证模式，启动时确定一次
type Mode int

const (
	// Enforced 默认值，所有管理端入口都要求有效令牌
	Enforced Mode = iota
	// DisabledForDevelopment 仅限本地联调，所有请求视为开发管理员
	DisabledForDevelopment
)

// DevPrincipal 认证关闭时注入的身份
var DevPrincipal = Principal{UserID: "dev-admin", Email: "dev-admin@tourguard.local", Role: constants.RoleAdmin}

// ResolveMode 由 DISABLE_ADMIN_AUTH 得出认证模式
func ResolveMode(disabled bool) Mode {
	if !disabled {
		return Enforced
	}
	logger.Warn("!!! ADMIN AUTHENTICATION IS DISABLED (DISABLE_ADMIN_AUTH) - every request is treated as an administrator. Never run this in production !!!")
	return DisabledForDevelopment
}

func (m Mode) String() string {
	if m == DisabledForDevelopment {
		return "disabled-for-development"
	}
	return "enforced"
}

// Authenticate 按模式认证令牌
func (m Mode) Authenticate(a Authenticator, token string) (*Principal, error) {
	if m == DisabledForDevelopment {
		p := DevPrincipal
		return &p, nil
	}
	return a.Authenticate(token)
}
