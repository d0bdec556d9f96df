package handlers

import (
	stderrors "errors"

	"TourGuard/internal/models"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GET /users/:id 管理员查看求助人资料与紧急联系人
func (h *Handlers) handleGetUser(c *gin.Context) {
	user, err := models.GetUserByID(h.db.WithContext(c.Request.Context()), c.Param("id"))
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errors.NotFound("User not found"))
		return
	}
	if err != nil {
		response.Fail(c, errors.Internal(err))
		return
	}
	response.Success(c, user)
}
