package services

import (
	"context"
	stderrors "errors"
	"time"

	"TourGuard/internal/models"
	"TourGuard/pkg/auth"
	"TourGuard/pkg/cache"
	"TourGuard/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const adminNameTTL = 10 * time.Minute

// AdminDirectory 审计记录里的管理员显示名
type AdminDirectory struct {
	db    *gorm.DB
	cache cache.Cache
}

func NewAdminDirectory(db *gorm.DB, c cache.Cache) *AdminDirectory {
	return &AdminDirectory{db: db, cache: c}
}

// Actor 执行状态变更的管理员
type Actor struct {
	ID   string
	Name string
}

// Actor 优先用户表里的姓名，其次令牌中的邮箱
func (d *AdminDirectory) Actor(ctx context.Context, p *auth.Principal) Actor {
	if p == nil {
		return Actor{}
	}
	return Actor{ID: p.UserID, Name: d.DisplayName(ctx, p)}
}

func (d *AdminDirectory) DisplayName(ctx context.Context, p *auth.Principal) string {
	key := "admin_name:" + p.UserID
	if d.cache != nil {
		if name, ok := d.cache.Get(ctx, key); ok {
			return name
		}
	}

	name := ""
	if user, err := models.GetUserByID(d.db.WithContext(ctx), p.UserID); err == nil {
		name = user.Name
	} else if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("admin lookup failed", zap.String("userId", p.UserID), zap.Error(err))
		return firstNonEmpty(p.Email, p.UserID)
	}
	name = firstNonEmpty(name, p.Email, p.UserID)

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, name, adminNameTTL); err != nil {
			logger.Debug("cache admin name failed", zap.Error(err))
		}
	}
	return name
}
