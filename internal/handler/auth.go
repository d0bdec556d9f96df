package handlers

import (
	stderrors "errors"
	"strings"

	"TourGuard/internal/models"
	"TourGuard/pkg/auth"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/logger"
	"TourGuard/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// POST /auth/login
func (h *Handlers) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, bindError(err))
		return
	}

	user, err := models.GetUserByEmail(h.db.WithContext(c.Request.Context()), strings.TrimSpace(req.Email))
	if err != nil && !stderrors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errors.Internal(err))
		return
	}
	// 外部同步的用户使用系统占位密码，不允许直接登录
	if user == nil || user.ExternalID != nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		response.Fail(c, errors.Unauthorized("Invalid email or password"))
		return
	}

	token, err := h.jwt.GenerateToken(auth.Principal{UserID: user.ID, Email: user.Email, Role: user.Role})
	if err != nil {
		response.Fail(c, errors.Internal(err))
		return
	}
	logger.Info("user logged in", zap.String("userId", user.ID), zap.String("role", user.Role))
	response.Success(c, gin.H{"token": token, "user": user})
}
