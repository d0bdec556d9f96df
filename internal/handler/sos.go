package handlers

import (
	"time"

	"TourGuard/internal/models"
	"TourGuard/internal/services"
	"TourGuard/pkg/middleware"
	"TourGuard/pkg/response"
	"TourGuard/pkg/util"

	"github.com/gin-gonic/gin"
)

type listSOSQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending acknowledged resolved"`
	Since  string `form:"since" binding:"omitempty,iso8601"`
}

// 只允许向前推进，pending 不是合法目标
type updateSOSStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=acknowledged resolved"`
}

// createdSOSResponse POST 返回的扁平事件
type createdSOSResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy"`
	Message   *string   `json:"message"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// POST /sos
func (h *Handlers) handleCreateSOS(c *gin.Context) {
	var req services.CreateSOSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, bindError(err))
		return
	}

	view, err := h.sos.Create(c.Request.Context(), &req, services.ChannelHTTP)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, createdSOSResponse{
		ID:        view.ID,
		UserID:    view.UserID,
		Latitude:  view.Latitude,
		Longitude: view.Longitude,
		Accuracy:  view.AccuracyMeters,
		Message:   view.Message,
		Status:    view.Status,
		CreatedAt: view.CreatedAt,
	})
}

// GET /sos?status=&since=
func (h *Handlers) handleListSOS(c *gin.Context) {
	var q listSOSQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Fail(c, bindError(err))
		return
	}

	filter := models.SOSFilter{Status: q.Status}
	if q.Since != "" {
		since, _ := util.ParseISO8601(q.Since)
		filter.Since = &since
	}

	events, err := h.sos.List(c.Request.Context(), filter)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, events)
}

// GET /sos/:id
func (h *Handlers) handleGetSOS(c *gin.Context) {
	event, err := h.sos.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, event)
}

// PATCH /sos/:id
func (h *Handlers) handleUpdateSOSStatus(c *gin.Context) {
	var req updateSOSStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, bindError(err))
		return
	}

	ctx := c.Request.Context()
	actor := h.admins.Actor(ctx, middleware.CurrentPrincipal(c))
	event, err := h.sos.UpdateStatus(ctx, c.Param("id"), req.Status, actor)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, event)
}
